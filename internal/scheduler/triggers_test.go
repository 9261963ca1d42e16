package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPhasedIntervalNext(t *testing.T) {
	p := phasedInterval{every: 10 * time.Second, phase: 3 * time.Second}
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		at   time.Duration
		want time.Duration
	}{
		{at: 0, want: 3 * time.Second},
		{at: 2 * time.Second, want: 3 * time.Second},
		{at: 3 * time.Second, want: 13 * time.Second},
		{at: 9*time.Second + 500*time.Millisecond, want: 13 * time.Second},
		{at: 13*time.Second + time.Nanosecond, want: 23 * time.Second},
	}
	for _, tt := range tests {
		got := p.Next(base.Add(tt.at))
		require.Equal(t, base.Add(tt.want), got, "at +%s", tt.at)
	}
}

func TestPhasedIntervalIsStablePerTag(t *testing.T) {
	a := newPhasedInterval(time.Minute, "tick/100")
	require.Equal(t, a, newPhasedInterval(time.Minute, "tick/100"))
	require.Less(t, a.phase, maxPhase)

	short := newPhasedInterval(2*time.Second, "tick/100")
	require.Less(t, short.phase, 2*time.Second)

	// Sub-second intervals are raised to one second.
	require.Equal(t, time.Second, newPhasedInterval(time.Millisecond, "x").every)
}
