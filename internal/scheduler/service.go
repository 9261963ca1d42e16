package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"outreach/internal/eventbus"
	"outreach/internal/metrics"
	"outreach/internal/model"
	"outreach/internal/pacing"
	"outreach/internal/storage"
	logx "outreach/pkg/logx"
)

const (
	jobTick       = "tick"
	jobDailyReset = "daily_reset"

	// reexpandEvery throttles re-running activation for campaigns that still
	// have unassigned leads or no eligible accounts.
	reexpandEvery = 30 * time.Second
)

var (
	ErrNoSteps    = errors.New("sequence has no steps")
	ErrLeadClosed = errors.New("lead is in a terminal status")
)

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	pub eventbus.Publisher
	now func() time.Time

	store    storage.Store
	dispatch Dispatcher
	accounts Accounts
	pacer    *pacing.Policy
	trig     *triggers
	parent   context.Context

	// actMu serializes campaign expansion; seqMu serializes enrollment
	// check-and-set.
	actMu sync.Mutex
	seqMu sync.Mutex

	runs      map[string]*campaignRun
	lastTick  time.Time
	lastReset time.Time
}

// campaignRun is the in-process state of an expanded campaign. It is rebuilt
// by re-expansion after a restart.
type campaignRun struct {
	activated  time.Time
	unassigned int
	retryAt    time.Time
	reported   map[string]bool // leads already reported for template errors

	lastSent      int
	lastRemaining int
	published     bool
}

func New(cfg Config, store storage.Store, dispatch Dispatcher, accounts Accounts, pacer *pacing.Policy, pub eventbus.Publisher, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if pub == nil {
		pub = eventbus.Nop{}
	}
	log = log.With(logx.String("comp", "scheduler"))
	s := &Service{
		cfg:      cfg.normalize(),
		log:      log,
		pub:      pub,
		now:      time.Now,
		store:    store,
		dispatch: dispatch,
		accounts: accounts,
		pacer:    pacer,
		trig:     newTriggers(log),
		runs:     map[string]*campaignRun{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the configuration. Changed schedules are re-registered and a
// pacing timezone change restarts the cron instance.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.normalize()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	parent := s.parent
	s.mu.Unlock()

	if !s.trig.running() {
		return nil
	}
	if prev.Tick != cfg.Tick || prev.DailyReset != cfg.DailyReset {
		if err := s.register(cfg); err != nil {
			return err
		}
	}
	if loc := s.pacer.Location(); loc.String() != s.trig.location().String() {
		s.trig.stop(context.Background())
		s.trig.start(parent, loc)
		s.log.Info("scheduler restarted", logx.String("tz", loc.String()))
	}
	return nil
}

func (s *Service) register(cfg Config) error {
	if err := s.trig.add(jobTick, cfg.Tick, cfg.JobTimeout, func(ctx context.Context) error {
		_, err := s.Tick(ctx)
		return err
	}); err != nil {
		return err
	}
	reset, err := dailySpec(cfg.DailyReset)
	if err != nil {
		return err
	}
	return s.trig.add(jobDailyReset, "cron:"+reset, cfg.JobTimeout, s.DailyReset)
}

// Start registers the tick and daily reset on cron and reschedules active
// enrollments. Campaigns are re-expanded by the first tick.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := s.config()
	if err := s.register(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.parent = ctx
	s.mu.Unlock()

	loc := s.pacer.Location()
	s.trig.start(ctx, loc)
	n, err := s.Recover(ctx)
	if err != nil {
		s.log.Warn("enrollment recovery failed", logx.Err(err))
	}
	s.log.Info("scheduler started", logx.String("tick", cfg.Tick), logx.String("daily_reset", cfg.DailyReset), logx.String("tz", loc.String()), logx.Int("recovered", n))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.trig.stop(ctx)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Tick moves due deferred sends back to dispatch, re-expands campaigns that
// still have work, completes campaigns with nothing left and publishes
// progress. It returns how many deferred sends were moved.
func (s *Service) Tick(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	moved := s.dispatch.Tick(ctx)

	s.actMu.Lock()
	defer s.actMu.Unlock()
	campaigns, err := s.store.ListCampaigns(ctx, model.CampaignActive, model.CampaignPaused)
	if err != nil {
		return moved, err
	}
	now := s.now()
	for i := range campaigns {
		c := campaigns[i]
		if c.Status == model.CampaignActive {
			if done := s.tickCampaign(ctx, &c, now); done {
				continue
			}
		}
		s.progress(ctx, c.ID)
	}

	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()
	return moved, nil
}

// tickCampaign reports true when the campaign left the active state.
func (s *Service) tickCampaign(ctx context.Context, c *model.Campaign, now time.Time) bool {
	if _, _, ended := sendWindow(c.Schedule, now, s.pacer.Location()); ended {
		s.endCampaign(ctx, c, "ended")
		return true
	}
	// Accounts banned by sends since activation count toward the threshold.
	if _, banned := s.accountPool(ctx, c.AccountIDs); banned > 0 {
		failed, err := s.failOnBans(ctx, c, banned)
		if err != nil {
			s.log.Warn("fail campaign failed", logx.String("campaign", c.ID), logx.Err(err))
			return false
		}
		if failed {
			return true
		}
	}
	run := s.run(c.ID)
	if run == nil || (run.unassigned > 0 || !c.FailedSince.IsZero()) && !now.Before(run.retryAt) {
		_, err := s.activateCampaign(ctx, c.ID)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrNoEligibleAccounts):
			s.log.Debug("campaign still without eligible accounts", logx.String("campaign", c.ID))
		default:
			s.log.Warn("campaign re-expansion failed", logx.String("campaign", c.ID), logx.Err(err))
		}
		cur, gerr := s.store.GetCampaign(ctx, c.ID)
		return gerr != nil || cur.Status != model.CampaignActive
	}
	if run.unassigned == 0 && c.FailedSince.IsZero() && s.liveFor(c.ID) == 0 {
		s.progress(ctx, c.ID)
		if err := s.setCampaignStatus(ctx, c, model.CampaignCompleted); err != nil {
			s.log.Warn("complete campaign failed", logx.String("campaign", c.ID), logx.Err(err))
			return false
		}
		return true
	}
	return false
}

// DailyReset zeroes per-account daily counters in pacing and storage.
func (s *Service) DailyReset(ctx context.Context) error {
	s.pacer.ResetDay()
	day := s.pacer.Today()
	if err := s.store.ResetDailyCounters(ctx, day); err != nil {
		return err
	}
	now := s.now()
	s.mu.Lock()
	s.lastReset = now
	for _, r := range s.runs {
		r.retryAt = time.Time{}
	}
	s.mu.Unlock()
	s.log.Info("daily counters reset", logx.String("day", day))
	return nil
}

func (s *Service) run(id string) *campaignRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Service) liveFor(campaignID string) int {
	return s.dispatch.Live(func(ps model.PendingSend) bool { return ps.Origin.CampaignID == campaignID })
}

// progress publishes campaign_progress when the counts moved.
func (s *Service) progress(ctx context.Context, id string) {
	sent, err := s.store.CountCampaignMessages(ctx, id)
	if err != nil {
		s.log.Warn("count campaign messages failed", logx.String("campaign", id), logx.Err(err))
		return
	}
	remaining := s.liveFor(id)
	s.mu.Lock()
	r := s.runs[id]
	if r == nil {
		s.mu.Unlock()
		return
	}
	remaining += r.unassigned
	changed := !r.published || r.lastSent != sent || r.lastRemaining != remaining
	r.lastSent, r.lastRemaining, r.published = sent, remaining, true
	s.mu.Unlock()

	metrics.CampaignSent.WithLabelValues(id).Set(float64(sent))
	metrics.CampaignRemaining.WithLabelValues(id).Set(float64(remaining))
	if !changed {
		return
	}
	s.pub.Publish(eventbus.Event{
		Type: eventbus.TypeCampaignProgress,
		Time: s.now(),
		Data: eventbus.CampaignProgress{CampaignID: id, Sent: sent, Remaining: remaining},
	})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	campaigns := make([]CampaignInfo, 0, len(s.runs))
	for id, r := range s.runs {
		campaigns = append(campaigns, CampaignInfo{
			ID:         id,
			Sent:       r.lastSent,
			Remaining:  r.lastRemaining,
			Unassigned: r.unassigned,
			Activated:  r.activated,
		})
	}
	lastTick, lastReset := s.lastTick, s.lastReset
	s.mu.Unlock()
	sort.Slice(campaigns, func(i, j int) bool { return campaigns[i].ID < campaigns[j].ID })

	return Snapshot{
		Running:   s.trig.running(),
		Timezone:  s.pacer.Location().String(),
		Schedules: s.trig.snapshot(),
		Campaigns: campaigns,
		LastTick:  lastTick,
		LastReset: lastReset,
	}
}
