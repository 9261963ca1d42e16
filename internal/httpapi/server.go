// Package httpapi serves the operational HTTP surface: health probes,
// Prometheus metrics, the websocket event stream, component status snapshots
// and optional pprof.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "outreach/internal/runtime/supervisor"
	logx "outreach/pkg/logx"
)

// Config controls the HTTP listener.
//
// Binding to a non-loopback address requires Token unless AllowInsecure is
// set. The token guards /ws, /status and /debug; probes and /metrics stay open.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

func (c Config) normalize() Config {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	c.Token = strings.TrimSpace(c.Token)
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	return c
}

// Pinger reports dependency readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusFunc returns a JSON-serializable snapshot of one component.
type StatusFunc func(ctx context.Context) any

type Option func(*Server)

func WithReadiness(p Pinger) Option { return func(s *Server) { s.ready = p } }

// WithWebsocket mounts h at /ws.
func WithWebsocket(h http.Handler) Option { return func(s *Server) { s.ws = h } }

// WithStatus exposes fn at /status/{name} and inside /status.
func WithStatus(name string, fn StatusFunc) Option {
	return func(s *Server) {
		if name != "" && fn != nil {
			s.status[name] = fn
		}
	}
}

type Server struct {
	cfg    Config
	log    logx.Logger
	ready  Pinger
	ws     http.Handler
	status map[string]StatusFunc

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	sup  *rtsup.Supervisor
	addr string
}

var ErrInsecureBind = errors.New("http: non-loopback addr requires token or allow_insecure")

func New(cfg Config, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:    cfg.normalize(),
		log:    log.With(logx.String("comp", "http")),
		status: map[string]StatusFunc{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Start binds the listener and serves in the background. Listen errors are
// returned directly.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	cfg := s.cfg
	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		if !cfg.AllowInsecure {
			return ErrInsecureBind
		}
		s.log.Warn("serving without token on non-loopback addr (insecure)", logx.String("addr", cfg.Addr))
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.sup.Go0("http.watch", func(ctx context.Context) {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	})
	s.log.Info("http started",
		logx.String("addr", s.addr),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight handlers. Hijacked
// websocket connections are not tracked here; close them first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	if sup != nil {
		err = errors.Join(err, sup.Stop(ctx))
	}
	s.log.Info("http stopped")
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
