package clock

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"warden/internal/task/trigger"
)

// Engine computes due times. It holds no per-entry state; callers keep the
// current due time and pass it back in.
type Engine struct {
	loc *time.Location

	mu    sync.Mutex
	crons map[string]cron.Schedule
}

// NewEngine returns an engine evaluating wall-clock specs in loc (nil means time.Local).
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{loc: loc, crons: map[string]cron.Schedule{}}
}

func (e *Engine) Location() *time.Location { return e.loc }

// First returns the initial due time of a time-driven spec registered at
// registeredAt. ok is false for specs that are not polled (startup, shutdown, event).
func (e *Engine) First(spec trigger.Spec, registeredAt time.Time) (time.Time, bool) {
	switch spec.Kind {
	case trigger.KindPeriodic:
		return registeredAt.Add(spec.Interval), true
	case trigger.KindDelay:
		return registeredAt.Add(spec.After), true
	case trigger.KindDaily:
		return NextDaily(registeredAt.In(e.loc), spec.Hour, spec.Minute, spec.Second), true
	case trigger.KindCron:
		sched, ok := e.schedule(spec.Expr)
		if !ok {
			return time.Time{}, false
		}
		return sched.Next(registeredAt.In(e.loc)), true
	default:
		return time.Time{}, false
	}
}

// Next returns the due time following a firing that was due at due and
// observed at now. ok is false when the entry never fires again.
func (e *Engine) Next(spec trigger.Spec, due, now time.Time) (time.Time, bool) {
	switch spec.Kind {
	case trigger.KindPeriodic:
		return NextPeriodic(due, now, spec.Interval), true
	case trigger.KindDaily:
		return NextDaily(now.In(e.loc), spec.Hour, spec.Minute, spec.Second), true
	case trigger.KindCron:
		sched, ok := e.schedule(spec.Expr)
		if !ok {
			return time.Time{}, false
		}
		return sched.Next(now.In(e.loc)), true
	default:
		return time.Time{}, false
	}
}

func (e *Engine) schedule(expr string) (cron.Schedule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.crons[expr]; ok {
		return s, true
	}
	s, err := trigger.ParseCron(expr)
	if err != nil {
		return nil, false
	}
	e.crons[expr] = s
	return s, true
}

// NextPeriodic advances an anchored interval. Firings are anchored on the
// previous due time so dispatch latency does not accumulate. When the entry
// fell a full interval behind, the result is now: one immediate catch-up
// firing, after which the anchor is that catch-up time instead of the stale one.
func NextPeriodic(due, now time.Time, interval time.Duration) time.Time {
	next := due.Add(interval)
	if next.After(now) {
		return next
	}
	return now
}

// NextDaily returns today's h:m:s in now's location if it is strictly after
// now, otherwise tomorrow's. On a day where h:m:s falls in a daylight-saving
// gap it fires at the shifted instant (02:30 becomes 03:30) instead of
// skipping the day.
func NextDaily(now time.Time, hour, minute, second int) time.Time {
	sched := &cron.SpecSchedule{
		Second:   1 << uint(second),
		Minute:   1 << uint(minute),
		Hour:     1 << uint(hour),
		Dom:      allBits(1, 31),
		Month:    allBits(1, 12),
		Dow:      allBits(0, 6),
		Location: now.Location(),
	}
	next := sched.Next(now)
	y, m, d := now.Date()
	for i := 0; i < 2; i++ {
		day := wallInstant(y, m, d+i, hour, minute, second, now.Location())
		if day.After(now) && day.Before(next) {
			return day
		}
	}
	return next
}

// wallInstant returns the instant of h:m:s on y-m-d in loc. A wall time
// inside a daylight-saving gap is read with the offset in force before the
// gap, which moves it forward by the gap length.
func wallInstant(y int, m time.Month, d, hour, minute, second int, loc *time.Location) time.Time {
	t := time.Date(y, m, d, hour, minute, second, 0, loc)
	if t.Hour() == hour && t.Minute() == minute && t.Second() == second {
		return t
	}
	_, off := time.Date(y, m, d-1, 12, 0, 0, 0, loc).Zone()
	return time.Date(y, m, d, hour, minute, second, 0, time.UTC).Add(-time.Duration(off) * time.Second).In(loc)
}

func allBits(min, max uint) uint64 {
	var bits uint64
	for i := min; i <= max; i++ {
		bits |= 1 << i
	}
	return bits
}
