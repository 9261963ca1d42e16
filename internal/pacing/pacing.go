// Package pacing decides when each account may send next.
//
// Three limits apply at once: the daily cap, a jittered gap after every send
// and any flood cooldown reported by the transport. NextEligibleTime is the
// latest of the three. All mutation of an account's counters happens under
// that account's lock.
package pacing

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"outreach/internal/model"
)

type Config struct {
	Location          *time.Location
	MinDelay          time.Duration
	MaxDelay          time.Duration
	DefaultDailyLimit int
}

func (c Config) normalize() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.DefaultDailyLimit <= 0 {
		c.DefaultDailyLimit = 50
	}
	return c
}

type Option func(*Policy)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// WithJitter replaces the random draw; fn returns a value in [0, n).
func WithJitter(fn func(n int64) int64) Option {
	return func(p *Policy) { p.randN = fn }
}

type account struct {
	mu         sync.Mutex
	limit      int
	sent       int
	day        string
	inflight   bool
	lastSend   time.Time
	gap        time.Duration
	floodUntil time.Time
}

type Policy struct {
	mu       sync.RWMutex
	cfg      Config
	accounts map[string]*account
	hourly   map[string]*rate.Limiter

	now   func() time.Time
	randN func(n int64) int64
}

func New(cfg Config, opts ...Option) *Policy {
	p := &Policy{
		cfg:      cfg.normalize(),
		accounts: map[string]*account{},
		hourly:   map[string]*rate.Limiter{},
		now:      time.Now,
		randN:    rand.Int63n,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Apply swaps pacing knobs. Counters are kept.
func (p *Policy) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.normalize()
	p.mu.Unlock()
}

func (p *Policy) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Track loads or refreshes an account's persisted state. The stored counter
// only counts if it belongs to the current day.
func (p *Policy) Track(a model.Account) {
	st := p.state(a.ID)
	cfg := p.config()
	st.mu.Lock()
	defer st.mu.Unlock()

	st.limit = a.DailyLimit
	if st.limit <= 0 {
		st.limit = cfg.DefaultDailyLimit
	}
	today := p.dayKey(p.now(), cfg)
	if st.day != today {
		st.day = today
		st.sent = 0
	}
	if a.SentDay == today && a.SentToday > st.sent {
		st.sent = a.SentToday
	}
	if a.FloodUntil.After(st.floodUntil) {
		st.floodUntil = a.FloodUntil
	}
	if a.LastActiveAt.After(st.lastSend) {
		st.lastSend = a.LastActiveAt
	}
}

func (p *Policy) state(id string) *account {
	p.mu.RLock()
	st := p.accounts[id]
	p.mu.RUnlock()
	if st != nil {
		return st
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if st = p.accounts[id]; st == nil {
		st = &account{limit: p.cfg.DefaultDailyLimit}
		p.accounts[id] = st
	}
	return st
}

func (p *Policy) dayKey(t time.Time, cfg Config) string {
	return t.In(cfg.Location).Format("2006-01-02")
}

// nextDay returns the next daily boundary after t.
func nextDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// rollover resets the counter when the day changed. Caller holds st.mu.
func (p *Policy) rollover(st *account, now time.Time, cfg Config) {
	if k := p.dayKey(now, cfg); st.day != k {
		st.day = k
		st.sent = 0
	}
}

// next computes the eligibility time. Caller holds st.mu.
func (p *Policy) next(st *account, now time.Time, cfg Config) time.Time {
	t := st.lastSend.Add(st.gap)
	if st.floodUntil.After(t) {
		t = st.floodUntil
	}
	used := st.sent
	if st.inflight {
		used++
	}
	if used >= st.limit {
		if b := nextDay(now, cfg.Location); b.After(t) {
			t = b
		}
	}
	return t
}

// NextEligibleTime returns the earliest instant the account may send.
func (p *Policy) NextEligibleTime(accountID string) time.Time {
	st := p.state(accountID)
	cfg := p.config()
	now := p.now()
	st.mu.Lock()
	defer st.mu.Unlock()
	p.rollover(st, now, cfg)
	return p.next(st, now, cfg)
}

// Eligible reports whether the account may send at now.
func (p *Policy) Eligible(accountID string, now time.Time) bool {
	return !now.Before(p.NextEligibleTime(accountID))
}

// Reserve claims the account's next slot if it is eligible at now. A claimed
// slot counts against the daily cap until RecordSend or Release. Only one
// slot per account can be outstanding.
func (p *Policy) Reserve(accountID string, now time.Time) (bool, time.Time) {
	st := p.state(accountID)
	cfg := p.config()
	st.mu.Lock()
	defer st.mu.Unlock()
	p.rollover(st, now, cfg)
	if st.inflight {
		return false, now.Add(cfg.MinDelay)
	}
	next := p.next(st, now, cfg)
	if now.Before(next) {
		return false, next
	}
	st.inflight = true
	return true, now
}

// Release gives back a reservation whose send did not happen.
func (p *Policy) Release(accountID string) {
	st := p.state(accountID)
	st.mu.Lock()
	st.inflight = false
	st.mu.Unlock()
}

// RecordSend counts a completed send at `at` and draws a fresh gap before
// the next one.
func (p *Policy) RecordSend(accountID string, at time.Time) error {
	st := p.state(accountID)
	cfg := p.config()
	st.mu.Lock()
	defer st.mu.Unlock()
	p.rollover(st, at, cfg)
	st.inflight = false
	if st.sent >= st.limit {
		return fmt.Errorf("account %s: %w", accountID, model.ErrDailyCapReached)
	}
	st.sent++
	if at.After(st.lastSend) {
		st.lastSend = at
	}
	st.gap = p.jitter(cfg)
	return nil
}

func (p *Policy) jitter(cfg Config) time.Duration {
	span := int64(cfg.MaxDelay - cfg.MinDelay)
	if span <= 0 {
		return cfg.MinDelay
	}
	return cfg.MinDelay + time.Duration(p.randN(span+1))
}

// SetFloodUntil applies a transport cooldown. Earlier values never shorten
// an active one.
func (p *Policy) SetFloodUntil(accountID string, until time.Time) {
	st := p.state(accountID)
	st.mu.Lock()
	if until.After(st.floodUntil) {
		st.floodUntil = until
	}
	st.mu.Unlock()
}

// Remaining returns today's unused quota, counting an outstanding reservation.
func (p *Policy) Remaining(accountID string) int {
	st := p.state(accountID)
	cfg := p.config()
	now := p.now()
	st.mu.Lock()
	defer st.mu.Unlock()
	p.rollover(st, now, cfg)
	r := st.limit - st.sent
	if st.inflight {
		r--
	}
	if r < 0 {
		return 0
	}
	return r
}

// ResetDay zeroes every counter for the current day.
func (p *Policy) ResetDay() {
	cfg := p.config()
	today := p.dayKey(p.now(), cfg)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, st := range p.accounts {
		st.mu.Lock()
		st.day = today
		st.sent = 0
		st.mu.Unlock()
	}
}

// Today is the current day key in the pacing timezone.
func (p *Policy) Today() string { return p.dayKey(p.now(), p.config()) }

// Location is the pacing timezone.
func (p *Policy) Location() *time.Location { return p.config().Location }

// AllowCampaign applies a campaign's messages-per-hour cap. perHour <= 0
// disables it. When the cap is hit the returned time is when a token frees up.
func (p *Policy) AllowCampaign(campaignID string, perHour int, now time.Time) (bool, time.Time) {
	if perHour <= 0 || campaignID == "" {
		return true, now
	}
	every := rate.Every(time.Hour / time.Duration(perHour))

	p.mu.Lock()
	lim := p.hourly[campaignID]
	if lim == nil {
		lim = rate.NewLimiter(every, 1)
		p.hourly[campaignID] = lim
	} else if lim.Limit() != every {
		lim.SetLimitAt(now, every)
	}
	p.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, now.Add(time.Hour)
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, now.Add(d)
	}
	return true, now
}

// Usage is a point-in-time view of one account.
type Usage struct {
	AccountID  string    `json:"account_id"`
	Sent       int       `json:"sent"`
	Limit      int       `json:"limit"`
	Inflight   bool      `json:"inflight"`
	Next       time.Time `json:"next"`
	FloodUntil time.Time `json:"flood_until,omitempty"`
}

func (p *Policy) Snapshot() []Usage {
	cfg := p.config()
	now := p.now()
	p.mu.RLock()
	ids := make([]string, 0, len(p.accounts))
	for id := range p.accounts {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Usage, 0, len(ids))
	for _, id := range ids {
		st := p.state(id)
		st.mu.Lock()
		p.rollover(st, now, cfg)
		out = append(out, Usage{
			AccountID:  id,
			Sent:       st.sent,
			Limit:      st.limit,
			Inflight:   st.inflight,
			Next:       p.next(st, now, cfg),
			FloodUntil: st.floodUntil,
		})
		st.mu.Unlock()
	}
	return out
}
