// Package amqpsink forwards every hub event to a RabbitMQ fanout exchange.
// It is an ordinary hub subscriber: when the broker is unreachable or the
// sink lags, events are lost for it the same way they are for any slow
// websocket client.
package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"outreach/internal/eventbus"
	rtsup "outreach/internal/runtime/supervisor"
	logx "outreach/pkg/logx"
)

type Config struct {
	URL      string
	Exchange string
}

func (c Config) normalize() Config {
	if c.Exchange == "" {
		c.Exchange = "outreach.events"
	}
	return c
}

// Channel is the part of *amqp.Channel the sink publishes through.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Session is one broker connection. Closed delivers when the broker drops it.
type Session struct {
	Channel Channel
	Closed  <-chan *amqp.Error
	Close   func() error
}

// Dialer opens a Session with the exchange declared.
type Dialer func(cfg Config) (*Session, error)

type Option func(*Sink)

// WithDialer replaces the RabbitMQ dialer.
func WithDialer(d Dialer) Option { return func(s *Sink) { s.dial = d } }

type Sink struct {
	hub  *eventbus.Hub
	cfg  Config
	log  logx.Logger
	dial Dialer

	mu        sync.Mutex
	sup       *rtsup.Supervisor
	published uint64
	failed    uint64
}

func New(hub *eventbus.Hub, cfg Config, log logx.Logger, opts ...Option) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sink{
		hub:  hub,
		cfg:  cfg.normalize(),
		log:  log.With(logx.String("comp", "amqp")),
		dial: Dial,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Dial connects to RabbitMQ and declares a durable fanout exchange.
func Dial(cfg Config) (*Session, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		"fanout",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp exchange %s: %w", cfg.Exchange, err)
	}
	return &Session{
		Channel: ch,
		Closed:  conn.NotifyClose(make(chan *amqp.Error, 1)),
		Close: func() error {
			return errors.Join(ch.Close(), conn.Close())
		},
	}, nil
}

// Start runs the forwarder, reconnecting with backoff.
func (s *Sink) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("amqp.forward", s.run,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithStopOnCleanExit(true),
	)
	s.log.Info("amqp forwarder started", logx.String("exchange", s.cfg.Exchange))
}

func (s *Sink) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// run forwards until ctx ends (clean exit) or the broker fails (error, so the
// supervisor reconnects).
func (s *Sink) run(ctx context.Context) error {
	sess, err := s.dial(s.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if sess.Close != nil {
			_ = sess.Close()
		}
	}()

	sub, err := s.hub.Register(eventbus.Client{Name: "amqp", Remote: s.cfg.Exchange})
	if err != nil {
		return nil
	}
	defer s.hub.Unregister(sub)
	s.log.Debug("amqp connected", logx.String("exchange", s.cfg.Exchange))

	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr, ok := <-sess.Closed:
			if !ok {
				return errors.New("amqp connection closed")
			}
			return fmt.Errorf("amqp connection closed: %w", aerr)
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := s.publish(sess.Channel, e); err != nil {
				return err
			}
		}
	}
}

func (s *Sink) publish(ch Channel, e eventbus.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		s.log.Warn("event not encodable", logx.String("type", e.Type), logx.Err(err))
		return nil
	}
	err = ch.Publish(s.cfg.Exchange, e.Type, false, false, amqp.Publishing{
		ContentType: "application/json",
		Type:        e.Type,
		Timestamp:   e.Time,
		Body:        body,
	})
	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.published++
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", e.Type, err)
	}
	return nil
}

type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Published: s.published, Failed: s.failed}
}
