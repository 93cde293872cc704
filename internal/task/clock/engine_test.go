package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"warden/internal/task/trigger"
)

func at(h, m, s int) time.Time {
	return time.Date(2026, 3, 10, h, m, s, 0, time.UTC)
}

func TestNextDaily(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before today's time", at(6, 44, 59), at(6, 45, 0)},
		{"exactly at the time", at(6, 45, 0), at(6, 45, 0).AddDate(0, 0, 1)},
		{"after today's time", at(6, 45, 1), at(6, 45, 0).AddDate(0, 0, 1)},
		{"sub-second before", at(6, 44, 59).Add(500 * time.Millisecond), at(6, 45, 0)},
		{"midnight", at(0, 0, 0), at(6, 45, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextDaily(tt.now, 6, 45, 0)
			assert.True(t, tt.want.Equal(got), "NextDaily(%v) = %v, want %v", tt.now, got, tt.want)
		})
	}
}

func TestNextDailyCrossesMonthEnd(t *testing.T) {
	now := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	got := NextDaily(now, 1, 0, 0)
	assert.True(t, time.Date(2026, 2, 1, 1, 0, 0, 0, time.UTC).Equal(got), got)
}

func TestNextPeriodicAnchored(t *testing.T) {
	t.Parallel()
	due := at(10, 0, 0)
	// Dispatch latency does not shift the anchor.
	got := NextPeriodic(due, due.Add(300*time.Millisecond), time.Second)
	assert.Equal(t, due.Add(time.Second), got)
}

func TestNextPeriodicBoundsCatchUp(t *testing.T) {
	t.Parallel()
	due := at(10, 0, 0)
	now := due.Add(10 * time.Second) // ten intervals behind

	first := NextPeriodic(due, now, time.Second)
	assert.Equal(t, now, first, "fell behind: due immediately once")

	// The catch-up firing re-anchors on its own time, not the stale one.
	later := now.Add(100 * time.Millisecond)
	second := NextPeriodic(first, later, time.Second)
	assert.Equal(t, now.Add(time.Second), second)
	assert.True(t, second.After(later))
}

func TestEngineFirstAndNext(t *testing.T) {
	e := NewEngine(time.UTC)
	reg := at(12, 0, 0)

	got, ok := e.First(trigger.Periodic(time.Minute), reg)
	assert.True(t, ok)
	assert.Equal(t, reg.Add(time.Minute), got)

	got, ok = e.First(trigger.Delay(5*time.Second), reg)
	assert.True(t, ok)
	assert.Equal(t, reg.Add(5*time.Second), got)
	_, ok = e.Next(trigger.Delay(5*time.Second), got, got)
	assert.False(t, ok, "delay fires once")

	got, ok = e.First(trigger.DailyAt(6, 45, 0), reg)
	assert.True(t, ok)
	assert.True(t, time.Date(2026, 3, 11, 6, 45, 0, 0, time.UTC).Equal(got), got)

	got, ok = e.First(trigger.Cron("0 30 * * * *"), reg)
	assert.True(t, ok)
	assert.True(t, at(12, 30, 0).Equal(got), got)
	got, ok = e.Next(trigger.Cron("0 30 * * * *"), got, got.Add(time.Second))
	assert.True(t, ok)
	assert.True(t, at(13, 30, 0).Equal(got), got)

	for _, s := range []trigger.Spec{trigger.Startup(), trigger.Shutdown(), trigger.Event("x")} {
		_, ok := e.First(s, reg)
		assert.False(t, ok, s.Kind)
		_, ok = e.Next(s, reg, reg)
		assert.False(t, ok, s.Kind)
	}
}

func TestEngineUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	e := NewEngine(loc)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) // 07:00 local
	got, ok := e.Next(trigger.DailyAt(6, 45, 0), now, now)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 11, 6, 45, 0, 0, loc).Unix(), got.Unix())
}

func TestStackedEntriesAreIndependent(t *testing.T) {
	e := NewEngine(time.UTC)
	reg := at(8, 0, 0)
	specs := []trigger.Spec{trigger.Periodic(time.Second), trigger.Periodic(3 * time.Second), trigger.DailyAt(9, 0, 0)}
	dues := make([]time.Time, len(specs))
	for i, s := range specs {
		dues[i], _ = e.First(s, reg)
	}
	before := append([]time.Time(nil), dues...)

	now := dues[0]
	dues[0], _ = e.Next(specs[0], dues[0], now)

	assert.Equal(t, reg.Add(2*time.Second), dues[0])
	assert.Equal(t, before[1], dues[1])
	assert.Equal(t, before[2], dues[2])
	assert.True(t, at(9, 0, 0).Equal(dues[2]))
}

func TestNextDailyInDaylightSavingGap(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	// 2026-03-08 02:30 does not exist in New York.
	now := time.Date(2026, 3, 8, 1, 0, 0, 0, ny)
	got := NextDaily(now, 2, 30, 0)
	assert.True(t, time.Date(2026, 3, 8, 7, 30, 0, 0, time.UTC).Equal(got), "fires on the gap day: %v", got)

	after := NextDaily(got.Add(time.Second), 2, 30, 0)
	assert.True(t, time.Date(2026, 3, 9, 2, 30, 0, 0, ny).Equal(after), "back to 02:30 next day: %v", after)
}
