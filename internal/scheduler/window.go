package scheduler

import (
	"time"

	"outreach/internal/model"
)

// sendWindow reports whether a campaign may send at now and, if not, when it
// may next. ended is true once the campaign's EndAt has passed.
func sendWindow(sc model.ScheduleConfig, now time.Time, loc *time.Location) (open bool, next time.Time, ended bool) {
	if !sc.EndAt.IsZero() && !now.Before(sc.EndAt) {
		return false, time.Time{}, true
	}
	if !sc.StartAt.IsZero() && now.Before(sc.StartAt) {
		// The start may itself fall outside the daily window.
		if ok, at, _ := sendWindow(model.ScheduleConfig{WindowStart: sc.WindowStart, WindowEnd: sc.WindowEnd}, sc.StartAt, loc); !ok {
			return false, at, false
		}
		return false, sc.StartAt, false
	}
	if sc.WindowStart == "" || sc.WindowEnd == "" {
		return true, now, false
	}
	sh, sm, err1 := parseClock(sc.WindowStart)
	eh, em, err2 := parseClock(sc.WindowEnd)
	if err1 != nil || err2 != nil || (sh == eh && sm == em) {
		return true, now, false
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	day := func(offset, h, m int) time.Time {
		return time.Date(local.Year(), local.Month(), local.Day()+offset, h, m, 0, 0, loc)
	}
	start, end := day(0, sh, sm), day(0, eh, em)

	if start.Before(end) {
		switch {
		case local.Before(start):
			return false, start, false
		case local.Before(end):
			return true, now, false
		default:
			return false, day(1, sh, sm), false
		}
	}
	// Overnight window such as 22:00-06:00.
	if local.Before(end) || !local.Before(start) {
		return true, now, false
	}
	return false, start, false
}
