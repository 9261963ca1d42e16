package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		cron  string
		src   string
	}{
		{in: "2s", kind: SpecInterval, every: 2 * time.Second, src: "duration"},
		{in: "@every 1m30s", kind: SpecInterval, every: 90 * time.Second, src: "duration"},
		{in: "every:00:05", kind: SpecInterval, every: 5 * time.Minute, src: "hhmm"},
		{in: "00:05", kind: SpecInterval, every: 5 * time.Minute, src: "hhmm"},
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *", src: "cron"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly", src: "cron"},
		{in: "cron:0 0 * * *", kind: SpecCron, cron: "0 0 * * *", src: "cron"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ps, err := ParseSchedule(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.kind, ps.Kind)
			require.Equal(t, tt.every, ps.Every)
			require.Equal(t, tt.cron, ps.Cron)
			require.Equal(t, tt.src, ps.Source)
		})
	}

	for _, bad := range []string{"", "soon", "0s", "-1m", "cron:", "every:", "01:75"} {
		_, err := ParseSchedule(bad)
		require.Error(t, err, bad)
	}
}

func TestCronSpec(t *testing.T) {
	ps, err := ParseSchedule("2s")
	require.NoError(t, err)
	require.Equal(t, "@every 2s", ps.CronSpec())

	spec, err := dailySpec("07:30")
	require.NoError(t, err)
	require.Equal(t, "30 7 * * *", spec)

	_, err = dailySpec("24:00")
	require.Error(t, err)
}
