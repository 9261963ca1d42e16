package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outreach/internal/eventbus"
	"outreach/internal/model"
	"outreach/internal/storage"
	"outreach/internal/transport/loopback"
	logx "outreach/pkg/logx"
)

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

type fixture struct {
	pool  *Pool
	net   *loopback.Network
	store *storage.Memory
	pub   *recorder
	now   time.Time
	mu    sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T, accounts ...model.Account) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		net:   loopback.NewNetwork(),
		store: storage.NewMemory(),
		pub:   &recorder{},
		now:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	for _, a := range accounts {
		require.NoError(t, f.store.UpsertAccount(ctx, a))
	}
	f.pool = New(Config{SendTimeout: time.Second}, f.net, f.store, f.pub, logx.Nop(), WithClock(f.clock))
	require.NoError(t, f.pool.Load(ctx))
	t.Cleanup(func() { _ = f.pool.Stop(context.Background()) })
	return f
}

func TestAcquireIsExclusive(t *testing.T) {
	f := newFixture(t, model.Account{ID: "a1", Status: model.AccountActive})
	ctx := context.Background()

	h, err := f.pool.Acquire(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "a1", h.AccountID())

	_, err = f.pool.Acquire(ctx, "a1")
	require.ErrorIs(t, err, model.ErrUnavailable)

	f.pool.Release(h)
	f.pool.Release(h)
	h2, err := f.pool.Acquire(ctx, "a1")
	require.NoError(t, err)
	f.pool.Release(h2)

	// One client per account, reused across holders.
	require.Equal(t, 1, f.net.Dials("a1"))
	acc, ok := f.pool.Account("a1")
	require.True(t, ok)
	require.True(t, acc.Connected)
}

func TestAcquireUnknownOrDisabled(t *testing.T) {
	f := newFixture(t,
		model.Account{ID: "off", Status: model.AccountInactive},
		model.Account{ID: "gone", Status: model.AccountBanned},
	)
	ctx := context.Background()
	for _, id := range []string{"off", "gone", "missing"} {
		_, err := f.pool.Acquire(ctx, id)
		require.ErrorIs(t, err, model.ErrUnavailable, id)
	}
	require.Zero(t, f.net.Dials("off"))
}

func TestDialFailureReleasesClaim(t *testing.T) {
	f := newFixture(t, model.Account{ID: "a1", Status: model.AccountActive})
	ctx := context.Background()
	f.net.FailDial("a1", errors.New("auth key unregistered"))

	_, err := f.pool.Acquire(ctx, "a1")
	require.ErrorIs(t, err, model.ErrUnavailable)

	f.net.FailDial("a1", nil)
	h, err := f.pool.Acquire(ctx, "a1")
	require.NoError(t, err)
	f.pool.Release(h)
}

func TestSendFloodWaitLimitsThenThaws(t *testing.T) {
	f := newFixture(t, model.Account{ID: "a1", Status: model.AccountActive})
	ctx := context.Background()
	lead := model.Lead{ID: "l1", TgUserID: 100}

	h, err := f.pool.Acquire(ctx, "a1")
	require.NoError(t, err)
	f.net.FailNext("a1", model.FloodWait(300*time.Second, nil))
	_, err = f.pool.Send(ctx, h, lead, "hi")
	require.ErrorIs(t, err, model.ErrFloodWait)
	f.pool.Release(h)

	st, err := f.pool.Status(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, model.AccountFloodLimited, st)
	stored, err := f.store.GetAccount(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, model.AccountFloodLimited, stored.Status)
	require.Equal(t, f.clock().Add(300*time.Second), stored.FloodUntil)

	_, err = f.pool.Acquire(ctx, "a1")
	require.ErrorIs(t, err, model.ErrUnavailable)

	f.advance(300 * time.Second)
	st, err = f.pool.Status(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, model.AccountActive, st)

	h, err = f.pool.Acquire(ctx, "a1")
	require.NoError(t, err)
	res, err := f.pool.Send(ctx, h, lead, "hi again")
	require.NoError(t, err)
	require.Equal(t, "a1", res.AccountID)
	require.NotEmpty(t, res.ExternalID)
	f.pool.Release(h)

	changes := f.pub.ofType(eventbus.TypeAccountStatusChanged)
	require.Len(t, changes, 2)
	require.Equal(t, "flood_limited", changes[0].Data.(eventbus.AccountStatusChanged).Status)
	require.Equal(t, "active", changes[1].Data.(eventbus.AccountStatusChanged).Status)
}

func TestSendBannedIsFinal(t *testing.T) {
	f := newFixture(t, model.Account{ID: "a1", Status: model.AccountActive})
	ctx := context.Background()

	h, err := f.pool.Acquire(ctx, "a1")
	require.NoError(t, err)
	f.net.FailNext("a1", model.ErrAccountBanned)
	_, err = f.pool.Send(ctx, h, model.Lead{ID: "l1", TgUserID: 1}, "hi")
	require.ErrorIs(t, err, model.ErrAccountBanned)
	f.pool.Release(h)

	st, err := f.pool.Status(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, model.AccountBanned, st)

	// A later flood mark cannot resurrect a banned account.
	f.pool.MarkFloodLimited(ctx, "a1", f.clock().Add(time.Minute))
	st, _ = f.pool.Status(ctx, "a1")
	require.Equal(t, model.AccountBanned, st)

	stored, err := f.store.GetAccount(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, model.AccountBanned, stored.Status)
	require.Len(t, f.pub.ofType(eventbus.TypeAccountStatusChanged), 1)

	_, err = f.pool.Acquire(ctx, "a1")
	require.ErrorIs(t, err, model.ErrUnavailable)
}

func TestSendAfterReleaseFails(t *testing.T) {
	f := newFixture(t, model.Account{ID: "a1", Status: model.AccountActive})
	ctx := context.Background()
	h, err := f.pool.Acquire(ctx, "a1")
	require.NoError(t, err)
	f.pool.Release(h)
	_, err = f.pool.Send(ctx, h, model.Lead{ID: "l1", TgUserID: 1}, "x")
	require.ErrorIs(t, err, model.ErrUnavailable)
}

func TestLeaseBlocksSecondProcess(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.UpsertAccount(ctx, model.Account{ID: "a1", Status: model.AccountActive}))
	shared := NewMemoryLease()

	p1 := New(Config{}, loopback.NewNetwork(), store, nil, logx.Nop(), WithLease(shared.As("p1")))
	p2 := New(Config{}, loopback.NewNetwork(), store, nil, logx.Nop(), WithLease(shared.As("p2")))

	h, err := p1.Acquire(ctx, "a1")
	require.NoError(t, err)
	p1.Release(h)

	_, err = p2.Acquire(ctx, "a1")
	require.ErrorIs(t, err, model.ErrUnavailable)

	require.NoError(t, p1.Stop(ctx))
	h, err = p2.Acquire(ctx, "a1")
	require.NoError(t, err)
	p2.Release(h)
	require.NoError(t, p2.Stop(ctx))
}

func TestInboundPersistedAndPublished(t *testing.T) {
	f := newFixture(t, model.Account{ID: "a1", Status: model.AccountActive})
	ctx := context.Background()
	require.NoError(t, f.store.UpsertLead(ctx, model.Lead{ID: "l1", TgUserID: 42, Status: model.LeadContacted}))
	require.NoError(t, f.pool.Start(ctx))

	h, err := f.pool.Acquire(ctx, "a1")
	require.NoError(t, err)
	f.pool.Release(h)

	require.True(t, f.net.Reply("a1", 42, "who is this?"))
	require.True(t, f.net.Reply("a1", 7, "stranger"))

	require.Eventually(t, func() bool {
		return len(f.pub.ofType(eventbus.TypeMessageReceived)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := f.store.ListMessages(ctx, "l1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, model.Inbound, msgs[0].Direction)
	require.Equal(t, model.DeliveryReceived, msgs[0].Delivery)
	require.Equal(t, "who is this?", msgs[0].Content)

	lead, err := f.store.GetLead(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, model.LeadReplied, lead.Status)
}

func TestDisable(t *testing.T) {
	f := newFixture(t, model.Account{ID: "a1", Status: model.AccountActive})
	ctx := context.Background()
	require.NoError(t, f.pool.Disable(ctx, "a1"))
	st, err := f.pool.Status(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, model.AccountInactive, st)
	require.Error(t, f.pool.Disable(ctx, "nope"))

	snap := f.pool.Snapshot(ctx)
	require.Len(t, snap, 1)
	require.Equal(t, model.AccountInactive, snap[0].Status)
}
