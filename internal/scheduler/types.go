package scheduler

import (
	"context"
	"fmt"
	"time"

	"outreach/internal/model"
)

// Config controls the scheduler.
type Config struct {
	// Tick is how often deferred sends are re-evaluated: a duration ("2s"),
	// HH:MM interval or a cron expression.
	Tick string
	// DailyReset is the HH:MM (pacing timezone) at which daily counters reset.
	DailyReset string
	// SchedulingWindow is how long a campaign may stay without eligible
	// accounts before it is marked failed.
	SchedulingWindow time.Duration
	// BanThreshold fails a campaign once this many of its assigned accounts
	// are banned. 0 means all of them.
	BanThreshold int
	// JobTimeout bounds one tick or reset run.
	JobTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.Tick == "" {
		c.Tick = "2s"
	}
	if c.DailyReset == "" {
		c.DailyReset = "00:00"
	}
	if c.SchedulingWindow <= 0 {
		c.SchedulingWindow = time.Hour
	}
	if c.BanThreshold < 0 {
		c.BanThreshold = 0
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	return c
}

// Validate checks the schedules without registering them.
func (c Config) Validate() error {
	c = c.normalize()
	if _, err := ParseSchedule(c.Tick); err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	if _, err := dailySpec(c.DailyReset); err != nil {
		return fmt.Errorf("daily_reset: %w", err)
	}
	return nil
}

// Dispatcher is the part of the dispatch pool the scheduler drives.
type Dispatcher interface {
	Submit(ps *model.PendingSend) error
	Tick(ctx context.Context) int
	Expedite(match func(*model.PendingSend) bool) int
	Cancel(match func(*model.PendingSend) bool) int
	Live(match func(model.PendingSend) bool) int
}

// Accounts reports live account status.
type Accounts interface {
	Status(ctx context.Context, accountID string) (model.AccountStatus, error)
}

// Result summarizes one activation.
type Result struct {
	CampaignID string `json:"campaign_id,omitempty"`
	SequenceID string `json:"sequence_id,omitempty"`
	LeadID     string `json:"lead_id,omitempty"`

	// Queued is the number of PendingSends handed to dispatch.
	Queued int `json:"queued"`
	// Excluded leads were already messaged, in flight or terminal.
	Excluded int `json:"excluded"`
	// Skipped leads failed template resolution.
	Skipped int `json:"skipped"`
	// Unassigned leads found no account quota today; the tick retries them.
	Unassigned int `json:"unassigned"`

	Eligible int `json:"eligible_accounts"`
	Banned   int `json:"banned_accounts"`
}

type ScheduleInfo struct {
	Name string `json:"name"`
	Spec string `json:"spec"`
	// Phase is the offset of an interval trigger from the clock grid.
	Phase time.Duration `json:"phase,omitempty"`
	Next  time.Time     `json:"next,omitempty"`
	Prev  time.Time     `json:"prev,omitempty"`
}

type CampaignInfo struct {
	ID         string    `json:"id"`
	Sent       int       `json:"sent"`
	Remaining  int       `json:"remaining"`
	Unassigned int       `json:"unassigned"`
	Activated  time.Time `json:"activated"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
	Campaigns []CampaignInfo `json:"campaigns"`
	LastTick  time.Time      `json:"last_tick,omitempty"`
	LastReset time.Time      `json:"last_reset,omitempty"`
}
