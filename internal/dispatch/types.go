package dispatch

import (
	"context"
	"errors"
	"time"

	"outreach/internal/model"
	"outreach/internal/session"
)

var (
	ErrStopped        = errors.New("dispatch pool stopped")
	ErrInvalidSend    = errors.New("invalid pending send")
	ErrNotRetryable   = errors.New("message is not a failed outbound send")
	ErrAlreadyRetried = errors.New("failed send already retried")
)

// Config controls the dispatch worker pool.
type Config struct {
	Workers   int
	QueueSize int

	// Transient failures are retried RetryMax times, waiting
	// RetryBase*2^attempt (capped at RetryMaxDelay) with RetryJitter spread.
	// RetryJitter < 0 disables jitter.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	// LeadBusyDelay defers a send whose lead is already being served.
	LeadBusyDelay time.Duration
	// HoldDelay is the recheck interval for sends whose campaign is paused.
	HoldDelay time.Duration
	// UnavailableDelay defers a send when every sendable account is held.
	UnavailableDelay time.Duration

	HistorySize int

	// Per-account breaker on consecutive transient failures.
	// CircuitTripFailures < 0 disables it; 0 applies the default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = 0.2
	}
	if c.LeadBusyDelay <= 0 {
		c.LeadBusyDelay = 2 * time.Second
	}
	if c.HoldDelay <= 0 {
		c.HoldDelay = 30 * time.Second
	}
	if c.UnavailableDelay <= 0 {
		c.UnavailableDelay = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 30 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 10 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 30 * time.Minute
	}
	return c
}

// Sessions is the account pool as seen by workers.
type Sessions interface {
	Acquire(ctx context.Context, accountID string) (*session.Handle, error)
	Release(h *session.Handle)
	Send(ctx context.Context, h *session.Handle, lead model.Lead, content string) (session.SendResult, error)
	Status(ctx context.Context, accountID string) (model.AccountStatus, error)
}

// Verdict is the answer to "may this send go out now?".
type Verdict int

const (
	Proceed Verdict = iota
	// Hold keeps the send but defers it to Decision.NotBefore.
	Hold
	// Drop abandons the send without reporting a failure.
	Drop
)

func (v Verdict) String() string {
	switch v {
	case Proceed:
		return "proceed"
	case Hold:
		return "hold"
	case Drop:
		return "drop"
	}
	return "unknown"
}

type Decision struct {
	Verdict   Verdict
	NotBefore time.Time
	Reason    string
	// PerHour is the campaign's messages-per-hour cap. The pool spends a
	// token only once an account slot is reserved, so deferrals cost none.
	PerHour int
}

// Hooks connect the pool back to whoever generated the work.
type Hooks interface {
	// Proceed runs right before a send and reflects cancellation, pausing,
	// send windows and the campaign's hourly cap.
	Proceed(ctx context.Context, ps *model.PendingSend) (Decision, error)
	OnSendSucceeded(ctx context.Context, ps model.PendingSend, msg model.Message)
	OnSendFailed(ctx context.Context, ps model.PendingSend, reason error)
	// OnSendDropped reports a send abandoned without a failure, e.g. because
	// its lead reached a terminal status.
	OnSendDropped(ctx context.Context, ps model.PendingSend, reason string)
	// Accounts lists the accounts allowed to send for origin.
	Accounts(ctx context.Context, origin model.Origin) ([]string, error)
}

// NopHooks lets every send through.
type NopHooks struct{}

func (NopHooks) Proceed(context.Context, *model.PendingSend) (Decision, error) {
	return Decision{Verdict: Proceed}, nil
}
func (NopHooks) OnSendSucceeded(context.Context, model.PendingSend, model.Message) {}
func (NopHooks) OnSendFailed(context.Context, model.PendingSend, error)            {}
func (NopHooks) OnSendDropped(context.Context, model.PendingSend, string)          {}
func (NopHooks) Accounts(context.Context, model.Origin) ([]string, error)          { return nil, nil }

type HistoryItem struct {
	ID        string        `json:"id"`
	LeadID    string        `json:"lead_id"`
	AccountID string        `json:"account_id,omitempty"`
	State     string        `json:"state"`
	Attempt   int           `json:"attempt"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

type Counters struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Deferred  uint64 `json:"deferred"`
	Retried   uint64 `json:"retried"`
	Dropped   uint64 `json:"dropped"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	Deferred int  `json:"deferred"`
	InFlight int  `json:"inflight"`
	Live     int  `json:"live"`

	Counters Counters `json:"counters"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	NextDeferred time.Time     `json:"next_deferred,omitempty"`
	History      []HistoryItem `json:"history,omitempty"`
}
