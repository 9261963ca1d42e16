// Package dispatch is the worker pool that turns PendingSends into messages.
//
// Ready sends wait in a bounded channel read by a fixed set of workers.
// Sends that may not go out yet sit in a not-before ordered heap until Tick
// moves them back to the ready channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"outreach/internal/eventbus"
	"outreach/internal/metrics"
	"outreach/internal/model"
	"outreach/internal/pacing"
	"outreach/internal/queue"
	rtsup "outreach/internal/runtime/supervisor"
	"outreach/internal/storage"
	logx "outreach/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithHooks(h Hooks) Option { return func(s *Service) { s.SetHooks(h) } }

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	pub eventbus.Publisher
	now func() time.Time

	sessions Sessions
	pacer    *pacing.Policy
	store    storage.Store
	hooksV   atomic.Value // hooksBox

	// enqMu serializes producers of q so a length check before sending is
	// enough to never block.
	enqMu    sync.Mutex
	q        chan *model.PendingSend
	deferred *queue.Deferred

	parent   context.Context
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	leads    leadLocks
	circuits circuitStore

	liveMu sync.Mutex
	live   map[string]model.PendingSend

	retryMu sync.Mutex

	inFlight atomic.Int32

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	deferrals atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	lastQueueFullWarnAt atomic.Int64
}

type hooksBox struct{ h Hooks }

func New(cfg Config, sessions Sessions, pacer *pacing.Policy, store storage.Store, pub eventbus.Publisher, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if pub == nil {
		pub = eventbus.Nop{}
	}
	s := &Service{
		cfg:      cfg.normalize(),
		log:      log.With(logx.String("comp", "dispatch")),
		pub:      pub,
		now:      time.Now,
		sessions: sessions,
		pacer:    pacer,
		store:    store,
		deferred: queue.NewDeferred(),
		live:     map[string]model.PendingSend{},
	}
	s.hooksV.Store(hooksBox{h: NopHooks{}})
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// SetHooks installs the scheduler callbacks. nil restores the no-op hooks.
func (s *Service) SetHooks(h Hooks) {
	if h == nil {
		h = NopHooks{}
	}
	s.hooksV.Store(hooksBox{h: h})
}

func (s *Service) hooks() Hooks { return s.hooksV.Load().(hooksBox).h }

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the configuration; worker count or queue size changes restart
// the workers.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalize()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	parent := s.parent
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(context.Background())
		s.Start(parent)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}
	cfg := s.cfg
	s.parent = ctx
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	s.enqMu.Lock()
	q := make(chan *model.PendingSend, cfg.QueueSize)
	s.q = q
	s.enqMu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, q, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithStopOnCleanExit(false))
	}
	s.log.Info("dispatch pool started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop halts the workers. Sends still in the ready queue go back to the
// deferred heap so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())

		s.enqMu.Lock()
		q := s.q
		s.q = nil
		s.enqMu.Unlock()
		now := s.now()
	drain:
		for {
			select {
			case ps := <-q:
				_ = ps.Transition(model.SendDispatched)
				s.deferTo(ps, now, "stopped")
			default:
				break drain
			}
		}

		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("dispatch pool stopped")
	case <-ctx.Done():
		s.log.Warn("dispatch pool stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil && s.stopDone == nil
}

// Submit hands a new PendingSend to the pool. It never blocks: a send that
// is not due yet, or that finds the ready queue full, waits in the deferred
// heap.
func (s *Service) Submit(ps *model.PendingSend) error {
	if ps == nil || strings.TrimSpace(ps.LeadID) == "" {
		return fmt.Errorf("%w: lead is required", ErrInvalidSend)
	}
	if ps.State != "" {
		return fmt.Errorf("%w: %s already in state %s", ErrInvalidSend, ps.ID, ps.State)
	}
	if len(ps.CandidateAccounts) == 0 {
		return fmt.Errorf("%w: %s: %w", ErrInvalidSend, ps.LeadID, model.ErrNoAssignedAccounts)
	}
	now := s.now()
	if ps.ID == "" {
		ps.ID = uuid.NewString()
	}
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = now
	}
	s.track(ps)
	s.submitted.Add(1)

	if ps.NotBefore.After(now) || !s.tryEnqueue(ps) {
		at := ps.NotBefore
		if at.Before(now) {
			at = now
		}
		if err := ps.Defer(at, ps.LastError); err != nil {
			s.forget(ps)
			return err
		}
		s.deferred.Push(ps)
		s.updateDepth()
	}
	return nil
}

// tryEnqueue moves ps onto the ready queue if there is room.
func (s *Service) tryEnqueue(ps *model.PendingSend) bool {
	s.enqMu.Lock()
	defer s.enqMu.Unlock()
	if s.q == nil || len(s.q) >= cap(s.q) {
		if s.q != nil {
			s.onQueueFull(ps)
		}
		return false
	}
	if err := ps.Transition(model.SendQueued); err != nil {
		return false
	}
	s.q <- ps
	s.updateDepthLocked()
	return true
}

// Tick moves due deferred sends onto the ready queue and reports how many
// it moved.
func (s *Service) Tick(_ context.Context) int {
	if !s.running() {
		return 0
	}
	s.enqMu.Lock()
	defer s.enqMu.Unlock()
	if s.q == nil {
		return 0
	}
	room := cap(s.q) - len(s.q)
	if room <= 0 {
		return 0
	}
	due := s.deferred.PopDue(s.now(), room)
	n := 0
	for _, ps := range due {
		if err := ps.Transition(model.SendQueued); err != nil {
			s.log.Error("deferred send in bad state", logx.String("send", ps.ID), logx.Err(err))
			s.forget(ps)
			continue
		}
		s.q <- ps
		n++
	}
	s.updateDepthLocked()
	return n
}

// Expedite makes matching deferred sends due now and returns how many it
// touched. Used when a paused campaign resumes.
func (s *Service) Expedite(match func(*model.PendingSend) bool) int {
	now := s.now()
	items := s.deferred.RemoveFunc(match)
	for _, ps := range items {
		if ps.NotBefore.After(now) {
			ps.NotBefore = now
		}
		s.deferred.Push(ps)
	}
	return len(items)
}

// Cancel abandons matching deferred sends. Sends already queued or in flight
// are stopped by the Proceed check instead.
func (s *Service) Cancel(match func(*model.PendingSend) bool) int {
	items := s.deferred.RemoveFunc(match)
	for _, ps := range items {
		s.forget(ps)
		s.dropped.Add(1)
	}
	s.updateDepth()
	return len(items)
}

// Live counts sends the pool still owns that satisfy match.
func (s *Service) Live(match func(model.PendingSend) bool) int {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	n := 0
	for _, ps := range s.live {
		if match == nil || match(ps) {
			n++
		}
	}
	return n
}

func (s *Service) track(ps *model.PendingSend) {
	s.liveMu.Lock()
	s.live[ps.ID] = *ps
	s.liveMu.Unlock()
}

func (s *Service) forget(ps *model.PendingSend) {
	s.liveMu.Lock()
	delete(s.live, ps.ID)
	s.liveMu.Unlock()
}

// Retry resubmits a failed outbound message as a new PendingSend. It is
// refused while a send for the same lead and origin is still owned by the
// pool or once one has gone out after the failure.
func (s *Service) Retry(ctx context.Context, messageID string) (*model.PendingSend, error) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Direction != model.Outbound || msg.Delivery != model.DeliveryFailed {
		return nil, fmt.Errorf("%w: %s", ErrNotRetryable, messageID)
	}
	origin := model.Origin{CampaignID: msg.CampaignID, SequenceID: msg.SequenceID, Step: msg.Step}
	if s.Live(func(ps model.PendingSend) bool { return ps.LeadID == msg.LeadID && ps.Origin == origin }) > 0 {
		return nil, fmt.Errorf("%w: %s: send pending", ErrAlreadyRetried, messageID)
	}
	history, err := s.store.ListMessages(ctx, msg.LeadID)
	if err != nil {
		return nil, err
	}
	for _, m := range history {
		if m.ID != msg.ID && m.Direction == model.Outbound && m.Delivery == model.DeliverySent &&
			m.CampaignID == msg.CampaignID && m.SequenceID == msg.SequenceID && m.Step == msg.Step &&
			!m.CreatedAt.Before(msg.CreatedAt) {
			return nil, fmt.Errorf("%w: %s: delivered as %s", ErrAlreadyRetried, messageID, m.ID)
		}
	}
	accounts, err := s.hooks().Accounts(ctx, origin)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 && msg.AccountID != "" {
		accounts = []string{msg.AccountID}
	}
	ps := &model.PendingSend{
		LeadID:            msg.LeadID,
		Content:           msg.Content,
		CandidateAccounts: accounts,
		AccountID:         msg.AccountID,
		NotBefore:         s.now(),
		Origin:            origin,
	}
	if err := s.Submit(ps); err != nil {
		return nil, err
	}
	s.log.Info("failed send resubmitted", logx.String("message", messageID), logx.String("send", ps.ID), logx.String("lead", ps.LeadID))
	return ps, nil
}

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	running := s.running()

	s.enqMu.Lock()
	ql, qc := 0, 0
	if s.q != nil {
		ql, qc = len(s.q), cap(s.q)
	}
	s.enqMu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	ct, co := s.circuits.snapshot(s.now())
	next, _ := s.deferred.Next()
	return Snapshot{
		Running:  running,
		Workers:  cfg.Workers,
		QueueLen: ql,
		QueueCap: qc,
		Deferred: s.deferred.Len(),
		InFlight: int(s.inFlight.Load()),
		Live:     s.Live(nil),
		Counters: Counters{
			Submitted: s.submitted.Load(),
			Succeeded: s.succeeded.Load(),
			Failed:    s.failed.Load(),
			Deferred:  s.deferrals.Load(),
			Retried:   s.retried.Load(),
			Dropped:   s.dropped.Load(),
		},
		CircuitTotal: ct,
		CircuitOpen:  co,
		NextDeferred: next,
		History:      h,
	}
}

func (s *Service) updateDepth() {
	s.enqMu.Lock()
	s.updateDepthLocked()
	s.enqMu.Unlock()
}

func (s *Service) updateDepthLocked() {
	ql := 0
	if s.q != nil {
		ql = len(s.q)
	}
	metrics.QueueDepth.WithLabelValues("ready").Set(float64(ql))
	metrics.QueueDepth.WithLabelValues("deferred").Set(float64(s.deferred.Len()))
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

// onQueueFull is called with enqMu held.
func (s *Service) onQueueFull(ps *model.PendingSend) {
	if s.shouldWarn(&s.lastQueueFullWarnAt, time.Now()) {
		s.log.Warn("ready queue full, send deferred",
			logx.String("send", ps.ID),
			logx.Int("queue_len", len(s.q)),
			logx.Int("queue_cap", cap(s.q)),
		)
	}
}

func (s *Service) record(item HistoryItem) {
	size := s.config().HistorySize
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
