// Package app wires the orchestrator: storage, account sessions, pacing,
// dispatch, scheduler, event hub and its transports, under one supervisor
// with config hot reload and staged shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"outreach/internal/admin"
	"outreach/internal/config"
	"outreach/internal/dispatch"
	"outreach/internal/eventbus"
	"outreach/internal/eventbus/amqpsink"
	"outreach/internal/httpapi"
	"outreach/internal/pacing"
	rtsup "outreach/internal/runtime/supervisor"
	"outreach/internal/scheduler"
	"outreach/internal/session"
	"outreach/internal/storage"
	"outreach/internal/transport"
	"outreach/internal/transport/loopback"
	"outreach/internal/transport/telegram"
	"outreach/internal/transport/ws"
	logx "outreach/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	redis  *redis.Client
	dialer transport.Dialer
	hub    *eventbus.Hub
	pacer  *pacing.Policy
	pool   *session.Pool
	disp   *dispatch.Service
	sched  *scheduler.Service
	admin  *admin.Service
	ws     *ws.Server
	http   *httpapi.Server
	sink   *amqpsink.Sink

	httpOff bool
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfgm, cfg)
}

// NewWithConfig builds the app from an already loaded config. cfgm may be
// nil, in which case hot reload is off.
func NewWithConfig(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	st, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(st.log)
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), httpOff: st.httpOff}

	store, err := storage.Open(st.storage, log)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", st.storage.Driver))

	var lease session.Lease
	if st.lease.driver == "redis" {
		a.redis = redis.NewClient(&redis.Options{Addr: st.lease.addr, Password: st.lease.password, DB: st.lease.db})
		lease = session.NewRedisLease(a.redis, st.lease.ttl, "")
	} else {
		lease = session.NewMemoryLease()
	}

	if st.loopback {
		a.dialer = loopback.NewNetwork(loopback.WithLogger(log.With(logx.String("comp", "loopback"))))
		a.log.Warn("telegram driver is loopback; nothing leaves this process")
	} else {
		a.dialer = telegram.NewDialer(st.telegram, log)
	}

	a.hub = eventbus.New(st.hubBuffer, log)
	a.pacer = pacing.New(st.pacing)
	a.pool = session.New(st.session, a.dialer, store, a.hub, log, session.WithLease(lease))
	a.disp = dispatch.New(st.dispatch, a.pool, a.pacer, store, a.hub, log)
	a.sched = scheduler.New(st.scheduler, store, a.disp, a.pool, a.pacer, a.hub, log)
	a.disp.SetHooks(a.sched)

	a.admin = admin.New(a.sched, a.disp, a.pool, store, log)
	if st.cmdTO > 0 {
		a.admin.SetTimeout(st.cmdTO)
	}
	a.admin.Register(a.hub)

	a.ws = ws.New(a.hub, st.ws, log)
	a.http = httpapi.New(st.http, log,
		httpapi.WithReadiness(store),
		httpapi.WithWebsocket(a.ws),
		httpapi.WithStatus("dispatch", func(context.Context) any { return a.disp.Snapshot() }),
		httpapi.WithStatus("scheduler", func(context.Context) any { return a.sched.Snapshot() }),
		httpapi.WithStatus("pacing", func(context.Context) any { return a.pacer.Snapshot() }),
		httpapi.WithStatus("accounts", func(ctx context.Context) any { return a.pool.Snapshot(ctx) }),
		httpapi.WithStatus("hub", func(context.Context) any { return a.hub.Stats() }),
		httpapi.WithStatus("runtime", func(context.Context) any { return a.supCounters() }),
	)
	if st.amqpOn {
		a.sink = amqpsink.New(a.hub, st.amqp, log)
	}
	return a, nil
}

func (a *App) supCounters() rtsup.Counters {
	if a.sup == nil {
		return rtsup.Counters{}
	}
	return a.sup.Counters()
}

// Hub exposes the event hub for in-process subscribers.
func (a *App) Hub() *eventbus.Hub { return a.hub }

func (a *App) Store() storage.Store { return a.store }

// HTTPAddr is the bound operational address, empty when HTTP is off.
func (a *App) HTTPAddr() string {
	if a.httpOff {
		return ""
	}
	return a.http.Addr()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.redis != nil {
		pctx, cancel := context.WithTimeout(run, 3*time.Second)
		err := a.redis.Ping(pctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis lease: %w", err)
		}
	}
	if err := a.pool.Load(run); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	if err := a.pool.Start(run); err != nil {
		return err
	}
	a.disp.Start(run)
	if err := a.sched.Start(run); err != nil {
		return err
	}
	if a.sink != nil {
		a.sink.Start(run)
	}
	if !a.httpOff {
		if err := a.http.Start(run); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log)
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			_, err := resolve(cfg)
			return err
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("orchestrator started", logx.String("http", a.HTTPAddr()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, cfg)
			last = cfg
		}
	}
}

// applyConfig pushes the live-tunable sections to their components.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	st, err := resolve(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(st.log)
		case "pacing":
			a.pacer.Apply(st.pacing)
		case "dispatch":
			a.disp.Apply(st.dispatch)
			a.pool.Apply(st.session)
		case "scheduler":
			if err := a.sched.Apply(st.scheduler); err != nil {
				a.log.Warn("scheduler config not applied", logx.Err(err))
			}
		}
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts down in dependency order: clients and generation first, then
// in-flight sends, then sessions, then storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("websocket", 2*time.Second, a.ws.Shutdown)
	if !a.httpOff {
		step("http", 2*time.Second, a.http.Shutdown)
	}
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("dispatch", 5*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	if a.sink != nil {
		step("amqp", 2*time.Second, a.sink.Stop)
	}
	step("sessions", 3*time.Second, a.pool.Stop)

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.hub.Close()
	if a.redis != nil {
		step("redis", time.Second, func(context.Context) error { return a.redis.Close() })
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// stopStep bounds one shutdown step so a stuck component cannot stall the
// rest. A step that outlives its budget is logged when it finally returns.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline passed)", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return stepCtx.Err()
	}
}
