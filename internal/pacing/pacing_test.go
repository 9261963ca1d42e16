package pacing

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outreach/internal/model"
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

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newPolicy(t *testing.T, start time.Time, minDelay, maxDelay time.Duration) (*Policy, *clock) {
	t.Helper()
	clk := &clock{t: start}
	p := New(Config{Location: time.UTC, MinDelay: minDelay, MaxDelay: maxDelay}, WithClock(clk.Now))
	return p, clk
}

func TestDailyCapBlocksUntilBoundary(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	p, clk := newPolicy(t, start, 0, 0)
	p.Track(model.Account{ID: "a", DailyLimit: 5, SentToday: 5, SentDay: "2026-03-10"})

	require.Equal(t, 0, p.Remaining("a"))
	ok, next := p.Reserve("a", start)
	require.False(t, ok)
	require.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), next)
	require.ErrorIs(t, p.RecordSend("a", start), model.ErrDailyCapReached)

	clk.Set(next)
	require.Equal(t, 5, p.Remaining("a"))
	ok, _ = p.Reserve("a", next)
	require.True(t, ok)
}

func TestDailyBoundaryUsesTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	// 22:30 UTC is already the next day in UTC+3.
	now := time.Date(2026, 3, 10, 22, 30, 0, 0, time.UTC)
	p := New(Config{Location: loc}, WithClock(func() time.Time { return now }))
	p.Track(model.Account{ID: "a", DailyLimit: 1, SentToday: 1, SentDay: "2026-03-10"})
	require.Equal(t, 1, p.Remaining("a"))
	require.Equal(t, "2026-03-11", p.Today())
}

func TestJitterDrawnPerSendWithinWindow(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	var draws []int64
	clk := &clock{t: start}
	p := New(Config{MinDelay: 10 * time.Second, MaxDelay: 20 * time.Second, DefaultDailyLimit: 100},
		WithClock(clk.Now),
		WithJitter(func(n int64) int64 {
			v := int64(len(draws)) * int64(time.Second) % n
			draws = append(draws, v)
			return v
		}))

	at := start
	for i := 0; i < 4; i++ {
		require.NoError(t, p.RecordSend("a", at))
		gap := p.NextEligibleTime("a").Sub(at)
		require.GreaterOrEqual(t, gap, 10*time.Second)
		require.LessOrEqual(t, gap, 20*time.Second)
		require.Equal(t, 10*time.Second+time.Duration(draws[i]), gap)
		at = at.Add(gap)
		clk.Set(at)
	}
	require.Len(t, draws, 4)
}

func TestNextEligibleMonotonicBetweenSends(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	p, clk := newPolicy(t, start, time.Minute, 2*time.Minute)
	p.Track(model.Account{ID: "a", DailyLimit: 10})
	require.NoError(t, p.RecordSend("a", start))

	prev := p.NextEligibleTime("a")
	for i := 1; i <= 5; i++ {
		clk.Set(start.Add(time.Duration(i) * 10 * time.Second))
		cur := p.NextEligibleTime("a")
		require.False(t, cur.Before(prev))
		prev = cur
	}
}

func TestFloodCooldown(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	p, _ := newPolicy(t, start, 0, 0)
	p.SetFloodUntil("a", start.Add(300*time.Second))
	require.Equal(t, start.Add(300*time.Second), p.NextEligibleTime("a"))

	// Shorter cooldown never shortens the active one.
	p.SetFloodUntil("a", start.Add(time.Second))
	require.Equal(t, start.Add(300*time.Second), p.NextEligibleTime("a"))
	require.False(t, p.Eligible("a", start.Add(299*time.Second)))
	require.True(t, p.Eligible("a", start.Add(300*time.Second)))
}

func TestReserveReleaseSingleSlot(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	p, _ := newPolicy(t, start, 0, 0)
	p.Track(model.Account{ID: "a", DailyLimit: 1})

	ok, _ := p.Reserve("a", start)
	require.True(t, ok)
	require.Equal(t, 0, p.Remaining("a"))
	ok, _ = p.Reserve("a", start)
	require.False(t, ok)

	p.Release("a")
	require.Equal(t, 1, p.Remaining("a"))
}

func TestConcurrentSendsNeverExceedCap(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	p, _ := newPolicy(t, start, 0, 0)
	p.Track(model.Account{ID: "a", DailyLimit: 7})

	var sent atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if ok, _ := p.Reserve("a", start); ok {
					if p.RecordSend("a", start) == nil {
						sent.Add(1)
					}
				}
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 7, sent.Load())
	require.Equal(t, 0, p.Remaining("a"))
}

func TestAllowCampaignHourlyCap(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	p, _ := newPolicy(t, start, 0, 0)

	ok, _ := p.AllowCampaign("c1", 60, start)
	require.True(t, ok)
	ok, next := p.AllowCampaign("c1", 60, start)
	require.False(t, ok)
	require.WithinDuration(t, start.Add(time.Minute), next, time.Millisecond)

	ok, _ = p.AllowCampaign("c1", 60, start.Add(time.Minute+time.Second))
	require.True(t, ok)

	ok, _ = p.AllowCampaign("c2", 0, start)
	require.True(t, ok)
}
