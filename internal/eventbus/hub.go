// Package eventbus is the in-process event hub that fans orchestrator events
// out to connected observers and routes their commands back in.
//
// Contract:
//   - Publish never blocks.
//   - Every subscriber has a bounded queue; when it is full the new event is
//     dropped for that subscriber only and counted.
//   - Events reach each subscriber in publish order.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"outreach/internal/metrics"
	logx "outreach/pkg/logx"
)

var (
	ErrClosed         = errors.New("event hub closed")
	ErrMalformed      = errors.New("malformed inbound message")
	ErrUnknownCommand = errors.New("unknown command")
)

// Client describes who is registering.
type Client struct {
	Name   string
	Remote string
}

// Subscription is a registered client's event stream.
type Subscription struct {
	id     uint64
	client Client
	ch     chan Event

	dropped atomic.Uint64
	once    sync.Once
}

func (s *Subscription) ID() uint64 { return s.id }

func (s *Subscription) Client() Client { return s.client }

// Events is closed when the subscription is unregistered.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped counts events lost because this subscriber lagged.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Inbound is the JSON envelope clients send.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler serves one inbound command type. The result is echoed back to the
// issuing client in a command_result event.
type Handler func(ctx context.Context, data json.RawMessage) (any, error)

type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Malformed   uint64 `json:"malformed"`
	Commands    uint64 `json:"commands"`
}

type Hub struct {
	log    logx.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	closed bool
	seq    atomic.Uint64

	hmu      sync.RWMutex
	handlers map[string]Handler

	published atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64
	commands  atomic.Uint64
}

// New returns a hub with per-subscriber queues of size buffer. It owns no
// goroutines.
func New(buffer int, log logx.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		log:      log.With(logx.String("comp", "hub")),
		buffer:   buffer,
		subs:     map[uint64]*Subscription{},
		handlers: map[string]Handler{},
	}
}

func (h *Hub) Register(c Client) (*Subscription, error) {
	sub := &Subscription{client: c, ch: make(chan Event, h.buffer)}
	sub.id = h.seq.Add(1)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.subs[sub.id] = sub
	metrics.HubSubscribers.Set(float64(len(h.subs)))
	h.log.Debug("client registered", logx.Uint64("sub", sub.id), logx.String("client", c.Name), logx.String("remote", c.Remote))
	return sub, nil
}

// Unregister removes sub and closes its stream. Safe to call more than once.
func (h *Hub) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, sub.id)
		close(sub.ch)
		metrics.HubSubscribers.Set(float64(len(h.subs)))
		h.mu.Unlock()
		h.log.Debug("client unregistered", logx.Uint64("sub", sub.id), logx.String("client", sub.client.Name), logx.Uint64("dropped", sub.Dropped()))
	})
}

// Publish delivers e to every subscriber without blocking.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		h.offer(sub, e)
	}
}

// offer does a non-blocking send. Caller holds h.mu.
func (h *Hub) offer(sub *Subscription, e Event) bool {
	select {
	case sub.ch <- e:
		return true
	default:
		sub.dropped.Add(1)
		h.dropped.Add(1)
		metrics.HubDropped.Inc()
		return false
	}
}

// Handle registers the handler for an inbound command type.
func (h *Hub) Handle(typ string, fn Handler) {
	h.hmu.Lock()
	h.handlers[strings.TrimSpace(typ)] = fn
	h.hmu.Unlock()
}

// Commands lists the registered inbound types.
func (h *Hub) Commands() []string {
	h.hmu.RLock()
	defer h.hmu.RUnlock()
	out := make([]string, 0, len(h.handlers))
	for k := range h.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RouteInbound validates raw and runs the matching handler. Malformed or
// unknown messages are logged and dropped; the returned error is for the
// caller's bookkeeping only and never means the client should disconnect.
func (h *Hub) RouteInbound(ctx context.Context, sub *Subscription, raw []byte) error {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil || strings.TrimSpace(in.Type) == "" {
		h.malformed.Add(1)
		h.log.Warn("inbound message dropped", logx.String("reason", "malformed"), logx.Int("bytes", len(raw)), logx.Err(err))
		return ErrMalformed
	}

	h.hmu.RLock()
	fn := h.handlers[in.Type]
	h.hmu.RUnlock()
	if fn == nil {
		h.malformed.Add(1)
		h.log.Warn("inbound message dropped", logx.String("reason", "unknown_type"), logx.String("type", in.Type))
		return fmt.Errorf("%w: %s", ErrUnknownCommand, in.Type)
	}

	h.commands.Add(1)
	res, err := fn(ctx, in.Data)
	out := CommandResult{Type: in.Type, OK: err == nil, Result: res}
	if err != nil {
		out.Error = err.Error()
		h.log.Info("command failed", logx.String("type", in.Type), logx.Err(err))
	}
	h.reply(sub, Event{Type: TypeCommandResult, Time: time.Now(), Data: out})
	return err
}

// reply sends e to one subscriber only.
func (h *Hub) reply(sub *Subscription, e Event) {
	if sub == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.subs[sub.id]; ok {
		h.offer(sub, e)
	}
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
		Malformed:   h.malformed.Load(),
		Commands:    h.commands.Load(),
	}
}

// Close unregisters everyone and refuses new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		h.Unregister(s)
	}
}
