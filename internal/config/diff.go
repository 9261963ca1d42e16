package config

import (
	"reflect"
	"strings"

	logx "outreach/pkg/logx"
)

// SummarizeChange lists the sections that differ and safe attrs for logging.
// Tokens, DSNs, passwords and broker URLs are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.driver", newCfg.Telegram.Driver),
			logx.Int("telegram.accounts", len(newCfg.Telegram.Tokens)),
			logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs, logx.String("session.lease", newCfg.Session.Lease))
	}
	if !reflect.DeepEqual(oldCfg.Pacing, newCfg.Pacing) {
		changed = append(changed, "pacing")
		attrs = append(attrs,
			logx.String("pacing.timezone", newCfg.Pacing.Timezone),
			logx.String("pacing.min_delay", newCfg.Pacing.MinDelay),
			logx.String("pacing.max_delay", newCfg.Pacing.MaxDelay),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick", newCfg.Scheduler.Tick),
			logx.String("scheduler.daily_reset", newCfg.Scheduler.DailyReset),
			logx.Int("scheduler.ban_threshold", newCfg.Scheduler.BanThreshold),
		)
	}
	if !reflect.DeepEqual(oldCfg.Hub, newCfg.Hub) {
		changed = append(changed, "hub")
		attrs = append(attrs, logx.Int("hub.subscriber_buffer", newCfg.Hub.SubscriberBuffer))
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.amqp.enabled", newCfg.Events.AMQP.Enabled),
			logx.String("events.amqp.exchange", newCfg.Events.AMQP.Exchange),
		)
	}
	return changed, attrs
}

// RestartRequired names changed sections that only take effect on restart.
// Logging, pacing, dispatch and scheduler apply live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "pacing", "dispatch", "scheduler":
		default:
			out = append(out, s)
		}
	}
	return out
}
