package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outreach/internal/eventbus"
	"outreach/internal/model"
	"outreach/internal/pacing"
	"outreach/internal/session"
	"outreach/internal/storage"
	"outreach/internal/transport/loopback"
	logx "outreach/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) Publish(e eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ string) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeHooks struct {
	mu        sync.Mutex
	decision  Decision
	succeeded []model.Message
	failed    []error
	accounts  []string
}

func (h *fakeHooks) Proceed(context.Context, *model.PendingSend) (Decision, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decision, nil
}

func (h *fakeHooks) OnSendSucceeded(_ context.Context, _ model.PendingSend, msg model.Message) {
	h.mu.Lock()
	h.succeeded = append(h.succeeded, msg)
	h.mu.Unlock()
}

func (h *fakeHooks) OnSendFailed(_ context.Context, _ model.PendingSend, reason error) {
	h.mu.Lock()
	h.failed = append(h.failed, reason)
	h.mu.Unlock()
}

func (h *fakeHooks) OnSendDropped(context.Context, model.PendingSend, string) {}

func (h *fakeHooks) Accounts(context.Context, model.Origin) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accounts, nil
}

func (h *fakeHooks) set(d Decision) {
	h.mu.Lock()
	h.decision = d
	h.mu.Unlock()
}

type harness struct {
	svc   *Service
	net   *loopback.Network
	store *storage.Memory
	pacer *pacing.Policy
	pool  *session.Pool
	pub   *recorder
	hooks *fakeHooks
	clk   *clock
}

func newHarness(t *testing.T, cfg Config, accounts ...string) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		net:   loopback.NewNetwork(),
		store: storage.NewMemory(),
		pub:   &recorder{},
		hooks: &fakeHooks{},
		clk:   &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	}
	for _, id := range accounts {
		require.NoError(t, h.store.UpsertAccount(ctx, model.Account{ID: id, Status: model.AccountActive, DailyLimit: 50}))
	}
	h.pacer = pacing.New(pacing.Config{Location: time.UTC}, pacing.WithClock(h.clk.Now))
	h.pool = session.New(session.Config{SendTimeout: time.Second}, h.net, h.store, h.pub, logx.Nop(), session.WithClock(h.clk.Now))
	require.NoError(t, h.pool.Load(ctx))

	if cfg.RetryJitter == 0 {
		cfg.RetryJitter = -1
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	h.svc = New(cfg, h.pool, h.pacer, h.store, h.pub, logx.Nop(), WithClock(h.clk.Now), WithHooks(h.hooks))
	h.svc.Start(ctx)
	t.Cleanup(func() {
		h.svc.Stop(context.Background())
		_ = h.pool.Stop(context.Background())
	})
	return h
}

func (h *harness) lead(t *testing.T, id string, tg int64) {
	t.Helper()
	require.NoError(t, h.store.UpsertLead(context.Background(), model.Lead{ID: id, TgUserID: tg, Status: model.LeadNew}))
}

// settle waits until n sends are parked in the deferred heap and no worker
// is busy.
func (h *harness) settle(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.svc.Snapshot()
		return s.Deferred == n && s.QueueLen == 0 && s.InFlight == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendSucceeds(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	h.lead(t, "l1", 100)
	ctx := context.Background()

	ps := &model.PendingSend{LeadID: "l1", Content: "hello", CandidateAccounts: []string{"a1"}, Origin: model.Origin{CampaignID: "c1"}}
	require.NoError(t, h.svc.Submit(ps))
	require.NotEmpty(t, ps.ID)

	require.Eventually(t, func() bool { return h.svc.Snapshot().Counters.Succeeded == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, h.svc.Live(nil))

	msgs, err := h.store.ListMessages(ctx, "l1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, model.DeliverySent, msgs[0].Delivery)
	require.Equal(t, "c1", msgs[0].CampaignID)
	require.Equal(t, "a1", msgs[0].AccountID)

	lead, err := h.store.GetLead(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, model.LeadContacted, lead.Status)
	require.Equal(t, 1, lead.SentCount)

	acc, err := h.store.GetAccount(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 1, acc.SentToday)
	require.Equal(t, 49, h.pacer.Remaining("a1"))

	ev := h.pub.ofType(eventbus.TypeSendSucceeded)
	require.Len(t, ev, 1)
	require.Equal(t, eventbus.SendSucceeded{LeadID: "l1", AccountID: "a1", MessageID: msgs[0].ID}, ev[0].Data)
	require.Len(t, h.hooks.succeeded, 1)
	require.Len(t, h.net.Sent(), 1)
}

func TestTransientRetriesWithBackoffThenFails(t *testing.T) {
	h := newHarness(t, Config{RetryMax: 2, RetryBase: time.Second, RetryMaxDelay: time.Minute}, "a1")
	h.lead(t, "l1", 100)
	h.net.FailAlways("a1", model.Transient(errors.New("connection reset")))

	require.NoError(t, h.svc.Submit(&model.PendingSend{LeadID: "l1", Content: "x", CandidateAccounts: []string{"a1"}}))
	h.settle(t, 1)

	snap := h.svc.Snapshot()
	require.Equal(t, 1, snap.Deferred)
	require.Equal(t, h.clk.Now().Add(2*time.Second), snap.NextDeferred)

	h.clk.Advance(time.Second)
	require.Zero(t, h.svc.Tick(context.Background()))
	h.clk.Advance(time.Second)
	require.Equal(t, 1, h.svc.Tick(context.Background()))
	h.settle(t, 1)
	require.Equal(t, h.clk.Now().Add(4*time.Second), h.svc.Snapshot().NextDeferred)

	h.clk.Advance(4 * time.Second)
	require.Equal(t, 1, h.svc.Tick(context.Background()))
	require.Eventually(t, func() bool { return h.svc.Snapshot().Counters.Failed == 1 }, 2*time.Second, 5*time.Millisecond)

	failed := h.pub.ofType(eventbus.TypeSendFailed)
	require.Len(t, failed, 1)
	require.Equal(t, "transient", failed[0].Data.(eventbus.SendFailed).Reason)

	msgs, err := h.store.ListMessages(context.Background(), "l1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, model.DeliveryFailed, msgs[0].Delivery)
	require.Equal(t, uint64(2), h.svc.Snapshot().Counters.Retried)
	// The reservation was handed back each time.
	require.Equal(t, 50, h.pacer.Remaining("a1"))
}

func TestFloodWaitDefersWithoutAttempt(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	h.lead(t, "l1", 100)
	h.net.FailNext("a1", model.FloodWait(300*time.Second, nil))
	start := h.clk.Now()

	ps := &model.PendingSend{LeadID: "l1", Content: "x", CandidateAccounts: []string{"a1"}}
	require.NoError(t, h.svc.Submit(ps))
	h.settle(t, 1)

	snap := h.svc.Snapshot()
	require.Equal(t, 1, snap.Deferred)
	require.Equal(t, start.Add(300*time.Second), snap.NextDeferred)
	st, err := h.pool.Status(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, model.AccountFloodLimited, st)

	h.clk.Advance(299 * time.Second)
	require.Zero(t, h.svc.Tick(context.Background()))

	h.clk.Advance(time.Second)
	require.Equal(t, 1, h.svc.Tick(context.Background()))
	require.Eventually(t, func() bool { return h.svc.Snapshot().Counters.Succeeded == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, h.svc.Snapshot().Counters.Retried)
	require.Zero(t, ps.Attempt)
}

func TestBannedAccountReassigns(t *testing.T) {
	h := newHarness(t, Config{}, "a1", "a2")
	h.lead(t, "l1", 100)
	h.net.FailAlways("a1", model.ErrAccountBanned)

	require.NoError(t, h.svc.Submit(&model.PendingSend{LeadID: "l1", Content: "x", CandidateAccounts: []string{"a1", "a2"}, AccountID: "a1"}))
	h.settle(t, 1)
	require.Equal(t, 1, h.svc.Tick(context.Background()))
	require.Eventually(t, func() bool { return h.svc.Snapshot().Counters.Succeeded == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Len(t, h.net.SentBy("a2"), 1)
	st, err := h.pool.Status(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, model.AccountBanned, st)
	changes := h.pub.ofType(eventbus.TypeAccountStatusChanged)
	require.Len(t, changes, 1)
	require.Equal(t, eventbus.AccountStatusChanged{AccountID: "a1", Status: "banned"}, changes[0].Data)
}

func TestOnlyAccountBannedFails(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	h.lead(t, "l1", 100)
	h.net.FailAlways("a1", model.ErrAccountBanned)

	require.NoError(t, h.svc.Submit(&model.PendingSend{LeadID: "l1", Content: "x", CandidateAccounts: []string{"a1"}}))
	require.Eventually(t, func() bool { return h.svc.Snapshot().Counters.Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	failed := h.pub.ofType(eventbus.TypeSendFailed)
	require.Len(t, failed, 1)
	require.Equal(t, "account_banned", failed[0].Data.(eventbus.SendFailed).Reason)

	// Later sends never touch the banned account.
	h.lead(t, "l2", 200)
	require.NoError(t, h.svc.Submit(&model.PendingSend{LeadID: "l2", Content: "x", CandidateAccounts: []string{"a1"}}))
	require.Eventually(t, func() bool { return h.svc.Snapshot().Counters.Failed == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, h.net.Sent())
}

func TestPeerBlockedMarksLead(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	h.lead(t, "l1", 100)
	h.net.Block(100)

	require.NoError(t, h.svc.Submit(&model.PendingSend{LeadID: "l1", Content: "x", CandidateAccounts: []string{"a1"}}))
	require.Eventually(t, func() bool { return h.svc.Snapshot().Counters.Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	lead, err := h.store.GetLead(context.Background(), "l1")
	require.NoError(t, err)
	require.Equal(t, model.LeadBlocked, lead.Status)
	st, _ := h.pool.Status(context.Background(), "a1")
	require.Equal(t, model.AccountActive, st)
}

func TestProceedHoldAndDrop(t *testing.T) {
	h := newHarness(t, Config{HoldDelay: time.Minute}, "a1")
	h.lead(t, "l1", 100)
	h.hooks.set(Decision{Verdict: Hold, Reason: "campaign_paused"})

	require.NoError(t, h.svc.Submit(&model.PendingSend{LeadID: "l1", Content: "x", CandidateAccounts: []string{"a1"}, Origin: model.Origin{CampaignID: "c1"}}))
	h.settle(t, 1)
	require.Equal(t, h.clk.Now().Add(time.Minute), h.svc.Snapshot().NextDeferred)
	require.Equal(t, 1, h.svc.Live(func(ps model.PendingSend) bool { return ps.Origin.CampaignID == "c1" }))

	// Resume: expedite and let it through.
	h.hooks.set(Decision{Verdict: Proceed})
	require.Equal(t, 1, h.svc.Expedite(func(ps *model.PendingSend) bool { return ps.Origin.CampaignID == "c1" }))
	require.Equal(t, 1, h.svc.Tick(context.Background()))
	require.Eventually(t, func() bool { return h.svc.Snapshot().Counters.Succeeded == 1 }, 2*time.Second, 5*time.Millisecond)

	h.lead(t, "l2", 200)
	h.hooks.set(Decision{Verdict: Drop, Reason: "enrollment_cancelled"})
	require.NoError(t, h.svc.Submit(&model.PendingSend{LeadID: "l2", Content: "x", CandidateAccounts: []string{"a1"}}))
	require.Eventually(t, func() bool { return h.svc.Snapshot().Counters.Dropped == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, h.pub.ofType(eventbus.TypeSendFailed))
	require.Len(t, h.net.Sent(), 1)
}

func TestCancelRemovesDeferred(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	h.lead(t, "l1", 100)
	later := h.clk.Now().Add(time.Hour)
	require.NoError(t, h.svc.Submit(&model.PendingSend{LeadID: "l1", Content: "x", CandidateAccounts: []string{"a1"}, NotBefore: later, Origin: model.Origin{SequenceID: "s1", Step: 1}}))
	require.Equal(t, 1, h.svc.Snapshot().Deferred)

	n := h.svc.Cancel(func(ps *model.PendingSend) bool { return ps.LeadID == "l1" && ps.Origin.SequenceID == "s1" })
	require.Equal(t, 1, n)
	require.Zero(t, h.svc.Live(nil))
	h.clk.Advance(2 * time.Hour)
	require.Zero(t, h.svc.Tick(context.Background()))
}

func TestLeadTerminalStatusDrops(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	require.NoError(t, h.store.UpsertLead(context.Background(), model.Lead{ID: "l1", TgUserID: 1, Status: model.LeadConverted}))
	require.NoError(t, h.svc.Submit(&model.PendingSend{LeadID: "l1", Content: "x", CandidateAccounts: []string{"a1"}}))
	require.Eventually(t, func() bool { return h.svc.Snapshot().Counters.Dropped == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, h.net.Sent())
}

func TestRetryFailedMessage(t *testing.T) {
	h := newHarness(t, Config{RetryMax: 1}, "a1")
	h.lead(t, "l1", 100)
	h.net.FailNext("a1", errors.New("bad request"))

	require.NoError(t, h.svc.Submit(&model.PendingSend{LeadID: "l1", Content: "x", CandidateAccounts: []string{"a1"}}))
	require.Eventually(t, func() bool { return h.svc.Snapshot().Counters.Failed == 1 }, 2*time.Second, 5*time.Millisecond)

	msgs, err := h.store.ListMessages(context.Background(), "l1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	ps, err := h.svc.Retry(context.Background(), msgs[0].ID)
	require.NoError(t, err)
	require.Equal(t, []string{"a1"}, ps.CandidateAccounts)

	// A second retry of the same failure is refused whether the first is
	// still pending or already delivered.
	_, err = h.svc.Retry(context.Background(), msgs[0].ID)
	require.ErrorIs(t, err, ErrAlreadyRetried)
	require.Eventually(t, func() bool { return h.svc.Snapshot().Counters.Succeeded == 1 }, 2*time.Second, 5*time.Millisecond)
	_, err = h.svc.Retry(context.Background(), msgs[0].ID)
	require.ErrorIs(t, err, ErrAlreadyRetried)
	require.Eventually(t, func() bool { return h.svc.Live(nil) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, h.net.Sent(), 1)

	msgs, err = h.store.ListMessages(context.Background(), "l1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		if m.Delivery == model.DeliverySent {
			_, err = h.svc.Retry(context.Background(), m.ID)
			require.ErrorIs(t, err, ErrNotRetryable)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, Config{}, "a1")
	require.ErrorIs(t, h.svc.Submit(&model.PendingSend{Content: "x", CandidateAccounts: []string{"a1"}}), ErrInvalidSend)
	require.ErrorIs(t, h.svc.Submit(&model.PendingSend{LeadID: "l1"}), model.ErrNoAssignedAccounts)
	require.ErrorIs(t, h.svc.Submit(&model.PendingSend{LeadID: "l1", CandidateAccounts: []string{"a1"}, State: model.SendQueued}), ErrInvalidSend)
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second, RetryJitter: -1}
	require.Equal(t, 2*time.Second, backoffDelay(cfg, 1, nil))
	require.Equal(t, 4*time.Second, backoffDelay(cfg, 2, nil))
	require.Equal(t, 5*time.Second, backoffDelay(cfg, 3, nil))
}

func TestCircuitBreaker(t *testing.T) {
	var cs circuitStore
	cc := effectiveCircuitCfg(Config{CircuitTripFailures: 2, CircuitBaseDelay: time.Second, CircuitMaxDelay: 3 * time.Second, CircuitResetAfter: time.Hour})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cs.record(now, "a1", cc, true)
	open, _ := cs.isOpen(now, "a1", cc)
	require.False(t, open)

	cs.record(now, "a1", cc, true)
	open, until := cs.isOpen(now, "a1", cc)
	require.True(t, open)
	require.Equal(t, now.Add(time.Second), until)

	cs.record(now, "a1", cc, true)
	cs.record(now, "a1", cc, true)
	_, until = cs.isOpen(now, "a1", cc)
	require.Equal(t, now.Add(3*time.Second), until)

	cs.record(now, "a1", cc, false)
	open, _ = cs.isOpen(now, "a1", cc)
	require.False(t, open)

	disabled := effectiveCircuitCfg(Config{CircuitTripFailures: -1})
	cs.record(now, "a2", disabled, true)
	total, _ := cs.snapshot(now)
	require.Equal(t, 1, total)
}

type span struct {
	content    string
	start, end time.Time
}

// timedSessions records when each send runs and whether two sends for one
// lead were ever in flight together.
type timedSessions struct {
	Sessions

	mu      sync.Mutex
	active  map[string]int
	overlap bool
	spans   []span
}

func (ts *timedSessions) Send(ctx context.Context, h *session.Handle, lead model.Lead, content string) (session.SendResult, error) {
	ts.mu.Lock()
	ts.active[lead.ID]++
	if ts.active[lead.ID] > 1 {
		ts.overlap = true
	}
	ts.mu.Unlock()

	start := time.Now()
	res, err := ts.Sessions.Send(ctx, h, lead, content)
	end := time.Now()

	ts.mu.Lock()
	ts.active[lead.ID]--
	if err == nil {
		ts.spans = append(ts.spans, span{content: content, start: start, end: end})
	}
	ts.mu.Unlock()
	return res, err
}

func TestLeadSendsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	net := loopback.NewNetwork(loopback.WithLatency(20 * time.Millisecond))
	store := storage.NewMemory()
	accounts := []string{"a1", "a2", "a3", "a4"}
	for _, id := range accounts {
		require.NoError(t, store.UpsertAccount(ctx, model.Account{ID: id, Status: model.AccountActive, DailyLimit: 50}))
	}
	require.NoError(t, store.UpsertLead(ctx, model.Lead{ID: "l1", TgUserID: 100, Status: model.LeadNew}))

	pacer := pacing.New(pacing.Config{Location: time.UTC}, pacing.WithClock(clk.Now))
	pool := session.New(session.Config{SendTimeout: time.Second}, net, store, &recorder{}, logx.Nop(), session.WithClock(clk.Now))
	require.NoError(t, pool.Load(ctx))
	timed := &timedSessions{Sessions: pool, active: map[string]int{}}

	// Four workers and four accounts: only the lead token keeps the sends apart.
	svc := New(Config{Workers: 4, RetryJitter: -1, LeadBusyDelay: time.Second}, timed, pacer, store, &recorder{}, logx.Nop(), WithClock(clk.Now))
	svc.Start(ctx)
	t.Cleanup(func() {
		svc.Stop(context.Background())
		_ = pool.Stop(context.Background())
	})

	const n = 5
	for i := 1; i <= n; i++ {
		require.NoError(t, svc.Submit(&model.PendingSend{LeadID: "l1", Content: fmt.Sprintf("m%d", i), CandidateAccounts: accounts}))
	}
	require.Eventually(t, func() bool {
		clk.Advance(time.Second)
		svc.Tick(ctx)
		return svc.Snapshot().Counters.Succeeded == n
	}, 5*time.Second, 10*time.Millisecond)

	timed.mu.Lock()
	defer timed.mu.Unlock()
	require.False(t, timed.overlap)
	spans := slices.Clone(timed.spans)
	require.Len(t, spans, n)
	slices.SortFunc(spans, func(a, b span) int { return a.start.Compare(b.start) })
	for i := 1; i < len(spans); i++ {
		require.False(t, spans[i].start.Before(spans[i-1].end), "send %q started before %q finished", spans[i].content, spans[i-1].content)
	}

	// Deliveries land in the order the sends ran, each exactly once.
	sent := net.Sent()
	require.Len(t, sent, n)
	seen := map[string]bool{}
	for i, m := range sent {
		require.Equal(t, spans[i].content, m.Text)
		require.False(t, seen[m.Text], "duplicate delivery %q", m.Text)
		seen[m.Text] = true
	}
}

func TestLeadLocks(t *testing.T) {
	var l leadLocks
	rel := l.tryAcquire("l1")
	require.NotNil(t, rel)
	require.Nil(t, l.tryAcquire("l1"))
	require.NotNil(t, l.tryAcquire("l2"))
	rel()
	rel()
	require.NotNil(t, l.tryAcquire("l1"))
	require.Equal(t, 2, l.busy())
}

func TestCandidatesPreferredFirst(t *testing.T) {
	require.Equal(t, []string{"b", "a", "c"}, candidates(&model.PendingSend{CandidateAccounts: []string{"a", "b", "c"}, AccountID: "b"}))
	require.Equal(t, []string{"a", "b"}, candidates(&model.PendingSend{CandidateAccounts: []string{"a", "b"}, AccountID: "z"}))
	require.Equal(t, []string{"a", "b"}, candidates(&model.PendingSend{CandidateAccounts: []string{"a", "b"}}))
}
