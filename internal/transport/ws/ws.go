// Package ws serves the event hub over websockets. Each connection is one
// hub subscription: events stream out as JSON text frames and inbound
// frames are routed to the hub's command handlers.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"outreach/internal/eventbus"
	logx "outreach/pkg/logx"
)

type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	// AllowedOrigins empty accepts any origin.
	AllowedOrigins []string
}

func (c Config) normalize() Config {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 10
	}
	return c
}

// pingPeriod must stay below PongWait.
func (c Config) pingPeriod() time.Duration { return c.PongWait * 9 / 10 }

type Server struct {
	hub      *eventbus.Hub
	log      logx.Logger
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func New(hub *eventbus.Hub, cfg Config, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.normalize()
	s := &Server{
		hub:   hub,
		log:   log.With(logx.String("comp", "ws")),
		cfg:   cfg,
		conns: map[*websocket.Conn]struct{}{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug("upgrade failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
		return
	}
	if !s.track(conn) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(s.cfg.WriteWait))
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	name := r.URL.Query().Get("client")
	if name == "" {
		name = "ws"
	}
	sub, err := s.hub.Register(eventbus.Client{Name: name, Remote: r.RemoteAddr})
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()), time.Now().Add(s.cfg.WriteWait))
		_ = conn.Close()
		return
	}
	s.log.Info("client connected", logx.Uint64("sub", sub.ID()), logx.String("client", name), logx.String("remote", r.RemoteAddr))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(conn, sub)
	}()
	s.readLoop(r.Context(), conn, sub)

	// Disconnect unregisters immediately; the writer exits on the closed stream.
	s.hub.Unregister(sub)
	<-done
	_ = conn.Close()
	s.log.Info("client disconnected", logx.Uint64("sub", sub.ID()), logx.Uint64("dropped", sub.Dropped()))
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sub *eventbus.Subscription) {
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	for {
		typ, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", logx.Uint64("sub", sub.ID()), logx.Err(err))
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		// Bad payloads are logged by the hub; the connection stays open.
		_ = s.hub.RouteInbound(ctx, sub, raw)
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, sub *eventbus.Subscription) {
	ping := time.NewTicker(s.cfg.pingPeriod())
	defer ping.Stop()
	for {
		select {
		case e, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				// Unblock the reader if the hub closed first.
				_ = conn.Close()
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				s.log.Debug("write failed", logx.Uint64("sub", sub.ID()), logx.Err(err))
				_ = conn.Close()
				s.drain(sub)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				s.drain(sub)
				return
			}
		}
	}
}

// drain consumes the stream until the reader unregisters the subscription.
func (s *Server) drain(sub *eventbus.Subscription) {
	for range sub.Events() {
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// Connections returns how many clients are connected.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown sends a going-away close to every client and waits for their
// handlers to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(s.cfg.WriteWait)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ctx.Err(), errors.New("websocket clients still open"))
	}
}
