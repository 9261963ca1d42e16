package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "outreach/pkg/logx"
)

// triggers owns the cron instance and the named jobs registered on it.
// Definitions survive Stop so a later start re-registers them.
type triggers struct {
	mu     sync.Mutex
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	parent context.Context
	defs   []*triggerDef
}

type triggerDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	phase   time.Duration
}

func newTriggers(log logx.Logger) *triggers {
	return &triggers{
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug("cron: "+msg, kvFields(kv)...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

// add registers or replaces the job called name.
func (t *triggers) add(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := t.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("%s: invalid cron %q: %w", name, ps.Cron, err)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(name)
	d := &triggerDef{name: name, spec: ps, timeout: timeout, job: job}
	t.defs = append(t.defs, d)
	if t.c != nil {
		if err := t.registerLocked(d); err != nil {
			return err
		}
		t.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", ps.CronSpec()), logx.Duration("phase", d.phase))
	}
	return nil
}

func (t *triggers) removeLocked(name string) {
	n := 0
	for _, d := range t.defs {
		if d.name == name {
			if t.c != nil && d.entryID != 0 {
				t.c.Remove(d.entryID)
			}
			continue
		}
		t.defs[n] = d
		n++
	}
	t.defs = t.defs[:n]
}

func (t *triggers) registerLocked(d *triggerDef) error {
	job := cron.FuncJob(func() {
		t.mu.Lock()
		parent := t.parent
		t.mu.Unlock()
		if parent == nil {
			parent = context.Background()
		}
		ctx := parent
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parent, d.timeout)
			defer cancel()
		}
		if err := d.job(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.log.Warn("scheduled job failed", logx.String("name", d.name), logx.Err(err))
		}
	})

	var sched cron.Schedule
	if d.spec.Kind == SpecInterval {
		pi := newPhasedInterval(d.spec.Every, fmt.Sprintf("%s/%d", d.name, os.Getpid()))
		sched, d.phase = pi, pi.phase
	} else {
		s, err := t.parser.Parse(d.spec.Cron)
		if err != nil {
			return err
		}
		sched, d.phase = s, 0
	}
	d.entryID = t.c.Schedule(sched, job)
	return nil
}

// maxPhase caps how far an interval trigger is shifted off the clock grid.
const maxPhase = 30 * time.Second

// phasedInterval fires on the wall-clock grid of every, shifted by phase.
// The phase comes from a hash of the trigger name and process, so
// orchestrators sharing a lease store tick at steady but distinct instants.
type phasedInterval struct {
	every time.Duration
	phase time.Duration
}

func newPhasedInterval(every time.Duration, tag string) phasedInterval {
	if every < time.Second {
		every = time.Second
	}
	span := min(every, maxPhase)
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	return phasedInterval{every: every, phase: time.Duration(h.Sum64() % uint64(span))}
}

func (p phasedInterval) Next(t time.Time) time.Time {
	next := t.Truncate(p.every).Add(p.phase)
	for !next.After(t) {
		next = next.Add(p.every)
	}
	return next
}

// start creates the cron instance in loc and registers every definition.
func (t *triggers) start(ctx context.Context, loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return
	}
	t.parent = ctx
	t.loc = loc
	cl := cronLogger{log: t.log}
	t.c = cron.New(
		cron.WithParser(t.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range t.defs {
		if err := t.registerLocked(d); err != nil {
			t.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	t.c.Start()
}

// stop halts triggering and waits for running jobs until ctx is done.
func (t *triggers) stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	t.c = nil
	for _, d := range t.defs {
		d.entryID = 0
	}
	t.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (t *triggers) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c != nil
}

func (t *triggers) location() *time.Location {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loc == nil {
		return time.Local
	}
	return t.loc
}

func (t *triggers) snapshot() []ScheduleInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(t.defs))
	for _, d := range t.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec.CronSpec(), Phase: d.phase}
		if t.c != nil && d.entryID != 0 {
			e := t.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		out = append(out, it)
	}
	return out
}
