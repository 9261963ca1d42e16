// Package loopback is an in-memory transport. It records every send instead
// of reaching Telegram, can be scripted to fail, and can inject inbound
// replies. The orchestrator uses it for dry runs.
package loopback

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"outreach/internal/model"
	"outreach/internal/transport"
	logx "outreach/pkg/logx"
)

var ErrNotStarted = errors.New("loopback: client not started")

// Message is one recorded outbound send.
type Message struct {
	AccountID  string
	To         transport.Peer
	Text       string
	ExternalID string
	At         time.Time
}

type Option func(*Network)

func WithLogger(l logx.Logger) Option { return func(n *Network) { n.log = l } }

func WithClock(now func() time.Time) Option { return func(n *Network) { n.now = now } }

// WithLatency delays every send by d, honouring ctx.
func WithLatency(d time.Duration) Option { return func(n *Network) { n.latency = d } }

// Network is the shared fake wire. It implements transport.Dialer.
type Network struct {
	log     logx.Logger
	now     func() time.Time
	latency time.Duration

	mu        sync.Mutex
	clients   map[string]*Client
	sent      []Message
	next      map[string][]error
	always    map[string]error
	dialErr   map[string]error
	blocked   map[int64]bool
	seq       int
	dialCount map[string]int
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{
		log:       logx.Nop(),
		now:       time.Now,
		clients:   map[string]*Client{},
		next:      map[string][]error{},
		always:    map[string]error{},
		dialErr:   map[string]error{},
		blocked:   map[int64]bool{},
		dialCount: map[string]int{},
	}
	for _, o := range opts {
		if o != nil {
			o(n)
		}
	}
	if n.log.IsZero() {
		n.log = logx.Nop()
	}
	n.log = n.log.With(logx.String("comp", "loopback"))
	return n
}

func (n *Network) Dial(_ context.Context, acc model.Account) (transport.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dialCount[acc.ID]++
	if err := n.dialErr[acc.ID]; err != nil {
		return nil, err
	}
	c := &Client{net: n, accountID: acc.ID}
	n.clients[acc.ID] = c
	return c, nil
}

// Dials reports how many times accountID was dialed.
func (n *Network) Dials(accountID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dialCount[accountID]
}

// FailDial makes future dials for accountID fail with err; nil clears it.
func (n *Network) FailDial(accountID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.dialErr, accountID)
		return
	}
	n.dialErr[accountID] = err
}

// FailNext queues errs for the next sends from accountID, one per send.
func (n *Network) FailNext(accountID string, errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next[accountID] = append(n.next[accountID], errs...)
}

// FailAlways makes every send from accountID fail with err; nil clears it.
func (n *Network) FailAlways(accountID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.always, accountID)
		return
	}
	n.always[accountID] = err
}

// Block makes the given user refuse messages from every account.
func (n *Network) Block(userID int64) {
	n.mu.Lock()
	n.blocked[userID] = true
	n.mu.Unlock()
}

// Sent returns a copy of every recorded send in order.
func (n *Network) Sent() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.sent...)
}

// SentBy returns the sends made by accountID.
func (n *Network) SentBy(accountID string) []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Message
	for _, m := range n.sent {
		if m.AccountID == accountID {
			out = append(out, m)
		}
	}
	return out
}

// Reply injects an inbound message to accountID as if fromID had written it.
// It reports false when the account is not started or its channel is full.
func (n *Network) Reply(accountID string, fromID int64, text string) bool {
	n.mu.Lock()
	c := n.clients[accountID]
	n.seq++
	id := n.seq
	now := n.now()
	n.mu.Unlock()
	if c == nil {
		return false
	}
	return c.deliver(transport.Inbound{
		AccountID: accountID,
		FromID:    fromID,
		ChatID:    fromID,
		MessageID: id,
		Text:      text,
		At:        now,
	})
}

func (n *Network) send(ctx context.Context, accountID string, to transport.Peer, text string) (transport.Sent, error) {
	if n.latency > 0 {
		t := time.NewTimer(n.latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return transport.Sent{}, model.Transient(ctx.Err())
		case <-t.C:
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if q := n.next[accountID]; len(q) > 0 {
		err := q[0]
		n.next[accountID] = q[1:]
		if err != nil {
			return transport.Sent{}, err
		}
	}
	if err := n.always[accountID]; err != nil {
		return transport.Sent{}, err
	}
	if n.blocked[to.UserID] {
		return transport.Sent{}, model.ErrPeerBlocked
	}
	n.seq++
	m := Message{
		AccountID:  accountID,
		To:         to,
		Text:       text,
		ExternalID: strconv.Itoa(n.seq),
		At:         n.now(),
	}
	n.sent = append(n.sent, m)
	n.log.Info("dry-run send", logx.String("account", accountID), logx.Int64("to", to.UserID), logx.Int("chars", len([]rune(text))))
	return transport.Sent{ExternalID: m.ExternalID, At: m.At}, nil
}

// Client is one account's loopback session.
type Client struct {
	net       *Network
	accountID string

	mu  sync.Mutex
	out chan<- transport.Inbound
}

func (c *Client) Start(_ context.Context, out chan<- transport.Inbound) error {
	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
	return nil
}

func (c *Client) Stop(context.Context) error {
	c.mu.Lock()
	c.out = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) SendText(ctx context.Context, to transport.Peer, text string) (transport.Sent, error) {
	c.mu.Lock()
	started := c.out != nil
	c.mu.Unlock()
	if !started {
		return transport.Sent{}, model.Transient(ErrNotStarted)
	}
	return c.net.send(ctx, c.accountID, to, text)
}

func (c *Client) deliver(in transport.Inbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return false
	}
	select {
	case c.out <- in:
		return true
	default:
		return false
	}
}
