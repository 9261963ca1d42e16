package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"outreach/internal/config"
	"outreach/internal/dispatch"
	"outreach/internal/eventbus/amqpsink"
	"outreach/internal/httpapi"
	"outreach/internal/pacing"
	"outreach/internal/scheduler"
	"outreach/internal/session"
	"outreach/internal/storage"
	"outreach/internal/transport/telegram"
	"outreach/internal/transport/ws"
	logx "outreach/pkg/logx"
)

// settings is the config resolved into component configs. Building it is
// also the validation run before a reload is committed.
type settings struct {
	log       logx.Config
	storage   storage.Config
	telegram  telegram.Config
	loopback  bool
	session   session.Config
	lease     leaseSettings
	pacing    pacing.Config
	dispatch  dispatch.Config
	scheduler scheduler.Config
	hubBuffer int
	cmdTO     time.Duration
	ws        ws.Config
	http      httpapi.Config
	httpOff   bool
	amqp      amqpsink.Config
	amqpOn    bool
}

type leaseSettings struct {
	driver   string
	addr     string
	password string
	db       int
	ttl      time.Duration
}

func resolve(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, errors.New("config is nil")
	}
	var (
		s    settings
		errs []error
	)
	dur := func(path, raw string) time.Duration {
		d, err := config.ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	nonNeg := func(path string, v int) int {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", path))
			return 0
		}
		return v
	}

	s.log = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}

	sc, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		errs = append(errs, err)
	}
	s.storage = sc

	switch strings.ToLower(strings.TrimSpace(cfg.Telegram.Driver)) {
	case "", "telegram":
		s.telegram = telegram.Config{
			Tokens:      cfg.Telegram.Tokens,
			PollTimeout: dur("telegram.poll_timeout", cfg.Telegram.PollTimeout),
			Offline:     cfg.Telegram.Offline,
			APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
		}
	case "loopback":
		s.loopback = true
	default:
		errs = append(errs, fmt.Errorf("unknown telegram.driver: %s", cfg.Telegram.Driver))
	}

	s.session = session.Config{
		SendTimeout:   dur("dispatch.send_timeout", cfg.Dispatch.SendTimeout),
		InboundBuffer: nonNeg("session.inbound_buffer", cfg.Session.InboundBuffer),
		LeaseRefresh:  dur("session.lease_refresh", cfg.Session.LeaseRefresh),
	}
	s.lease = leaseSettings{
		driver:   strings.ToLower(strings.TrimSpace(cfg.Session.Lease)),
		addr:     strings.TrimSpace(cfg.Session.RedisAddr),
		password: cfg.Session.RedisPassword,
		db:       nonNeg("session.redis_db", cfg.Session.RedisDB),
		ttl:      dur("session.lease_ttl", cfg.Session.LeaseTTL),
	}
	switch s.lease.driver {
	case "", "memory":
		s.lease.driver = "memory"
	case "redis":
		if s.lease.addr == "" {
			errs = append(errs, errors.New("session.redis_addr is required when session.lease=redis"))
		}
		if s.lease.ttl > 0 && s.session.LeaseRefresh >= s.lease.ttl {
			errs = append(errs, errors.New("session.lease_refresh must be shorter than session.lease_ttl"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session.lease: %s", cfg.Session.Lease))
	}

	loc, err := config.ParseLocation("pacing.timezone", cfg.Pacing.Timezone)
	if err != nil {
		errs = append(errs, err)
	}
	s.pacing = pacing.Config{
		Location:          loc,
		MinDelay:          dur("pacing.min_delay", cfg.Pacing.MinDelay),
		MaxDelay:          dur("pacing.max_delay", cfg.Pacing.MaxDelay),
		DefaultDailyLimit: nonNeg("pacing.default_daily_limit", cfg.Pacing.DefaultDailyLimit),
	}
	if s.pacing.MaxDelay > 0 && s.pacing.MaxDelay < s.pacing.MinDelay {
		errs = append(errs, errors.New("pacing.max_delay must be >= pacing.min_delay"))
	}

	d := cfg.Dispatch
	s.dispatch = dispatch.Config{
		Workers:             nonNeg("dispatch.workers", d.Workers),
		QueueSize:           nonNeg("dispatch.queue_size", d.QueueSize),
		RetryMax:            nonNeg("dispatch.retry_max", d.RetryMax),
		RetryBase:           dur("dispatch.retry_base", d.RetryBase),
		RetryMaxDelay:       dur("dispatch.retry_max_delay", d.RetryMaxDelay),
		LeadBusyDelay:       dur("dispatch.lead_busy_delay", d.LeadBusyDelay),
		HoldDelay:           dur("dispatch.hold_delay", d.HoldDelay),
		HistorySize:         nonNeg("dispatch.history_size", d.HistorySize),
		CircuitTripFailures: d.CircuitTripFailures,
	}
	if d.RetryJitter != nil {
		switch j := *d.RetryJitter; {
		case j < 0 || j > 1:
			errs = append(errs, errors.New("dispatch.retry_jitter must be within [0,1]"))
		case j == 0:
			s.dispatch.RetryJitter = -1
		default:
			s.dispatch.RetryJitter = j
		}
	}

	sch := cfg.Scheduler
	s.scheduler = scheduler.Config{
		Tick:             strings.TrimSpace(sch.Tick),
		DailyReset:       strings.TrimSpace(sch.DailyReset),
		SchedulingWindow: dur("scheduler.scheduling_window", sch.SchedulingWindow),
		BanThreshold:     nonNeg("scheduler.ban_threshold", sch.BanThreshold),
		JobTimeout:       dur("scheduler.job_timeout", sch.JobTimeout),
	}
	if err := s.scheduler.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.%w", err))
	}

	s.hubBuffer = nonNeg("hub.subscriber_buffer", cfg.Hub.SubscriberBuffer)
	s.cmdTO = dur("hub.command_timeout", cfg.Hub.CommandTimeout)
	s.ws = ws.Config{
		WriteWait:      dur("hub.write_wait", cfg.Hub.WriteWait),
		PongWait:       dur("hub.pong_wait", cfg.Hub.PongWait),
		AllowedOrigins: cfg.Hub.AllowedOrigins,
	}

	s.httpOff = cfg.HTTP.Disabled
	s.http = httpapi.Config{
		Addr:          cfg.HTTP.Addr,
		Token:         cfg.HTTP.Token,
		AllowInsecure: cfg.HTTP.AllowInsecure,
		Pprof:         cfg.HTTP.Pprof,
	}

	s.amqpOn = cfg.Events.AMQP.Enabled
	s.amqp = amqpsink.Config{URL: strings.TrimSpace(cfg.Events.AMQP.URL), Exchange: strings.TrimSpace(cfg.Events.AMQP.Exchange)}
	if s.amqpOn && s.amqp.URL == "" {
		errs = append(errs, errors.New("events.amqp.url is required when events.amqp.enabled"))
	}

	return s, errors.Join(errs...)
}

func mapStorageConfig(sc config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, errors.New("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, errors.New("storage.max_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
