package clock

import "github.com/jonboulle/clockwork"

// Clock is the time source of the scheduler: Now for due times, NewTimer for
// the poll loop. Tests drive it with clockwork.NewFakeClockAt.
type Clock = clockwork.Clock

// System returns the wall clock.
func System() Clock { return clockwork.NewRealClock() }
