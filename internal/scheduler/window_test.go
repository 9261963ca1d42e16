package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outreach/internal/model"
)

func TestSendWindow(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }
	tests := []struct {
		name  string
		sc    model.ScheduleConfig
		now   time.Time
		open  bool
		next  time.Time
		ended bool
	}{
		{name: "no window", now: at(3, 0), open: true, next: at(3, 0)},
		{name: "inside", sc: model.ScheduleConfig{WindowStart: "09:00", WindowEnd: "18:00"}, now: at(12, 0), open: true, next: at(12, 0)},
		{name: "before", sc: model.ScheduleConfig{WindowStart: "09:00", WindowEnd: "18:00"}, now: at(7, 0), next: at(9, 0)},
		{name: "after", sc: model.ScheduleConfig{WindowStart: "09:00", WindowEnd: "18:00"}, now: at(18, 0), next: at(9, 0).AddDate(0, 0, 1)},
		{name: "overnight late", sc: model.ScheduleConfig{WindowStart: "22:00", WindowEnd: "06:00"}, now: at(23, 0), open: true, next: at(23, 0)},
		{name: "overnight early", sc: model.ScheduleConfig{WindowStart: "22:00", WindowEnd: "06:00"}, now: at(5, 0), open: true, next: at(5, 0)},
		{name: "overnight closed", sc: model.ScheduleConfig{WindowStart: "22:00", WindowEnd: "06:00"}, now: at(12, 0), next: at(22, 0)},
		{name: "not started", sc: model.ScheduleConfig{StartAt: at(15, 0)}, now: at(12, 0), next: at(15, 0)},
		{name: "start outside window", sc: model.ScheduleConfig{StartAt: at(20, 0), WindowStart: "09:00", WindowEnd: "18:00"}, now: at(12, 0), next: at(9, 0).AddDate(0, 0, 1)},
		{name: "ended", sc: model.ScheduleConfig{EndAt: at(12, 0)}, now: at(12, 0), ended: true},
		{name: "bad window ignored", sc: model.ScheduleConfig{WindowStart: "9am", WindowEnd: "18:00"}, now: at(3, 0), open: true, next: at(3, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open, next, ended := sendWindow(tt.sc, tt.now, time.UTC)
			require.Equal(t, tt.open, open)
			require.Equal(t, tt.ended, ended)
			if !tt.ended {
				require.True(t, tt.next.Equal(next), "next = %s", next)
			}
		})
	}
}

func TestSendWindowTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	sc := model.ScheduleConfig{WindowStart: "09:00", WindowEnd: "18:00"}
	// 01:00 UTC is 08:00 local: one hour before opening.
	now := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	open, next, _ := sendWindow(sc, now, loc)
	require.False(t, open)
	require.True(t, next.Equal(now.Add(time.Hour)))
}
