package scheduler

import (
	"context"
	"time"

	"warden/internal/task/engine"
	logx "warden/pkg/logx"
)

const lateWarnThrottle = 30 * time.Second

// loop polls on a timer re-armed after each tick, so a burst of missed
// polls collapses into one.
func (s *Service) loop(ctx context.Context) error {
	t := s.clock.NewTimer(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			s.guard(s.tick)
			s.polls.Add(1)
			t.Reset(s.cfg.PollInterval)
		}
	}
}

// onViolation handles a *LifecycleViolation raised in the tick loop. It
// re-panics on a fresh goroutine, out of reach of the supervisor's recover,
// so the process dies instead of ticking on a broken state machine.
var onViolation = func(lv *LifecycleViolation) {
	go func() { panic(lv) }()
	select {}
}

func (s *Service) guard(fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if lv, ok := r.(*LifecycleViolation); ok {
			onViolation(lv)
			return
		}
		panic(r)
	}()
	fn()
}

// tick issues one batch of due time-driven entries. The batch runs on a
// tracked goroutine so a slow unit never holds back the next tick.
func (s *Service) tick() {
	units := s.collectTick()
	if len(units) == 0 {
		return
	}
	go func() {
		defer s.inflight.Done()
		s.runBatch(s.runCtx, "tick", units)
	}()
}

// collectTick returns the due units and registers them as in flight.
func (s *Service) collectTick() []engine.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTicking {
		// Stop began after the timer fired.
		return nil
	}
	units := s.collectDueLocked(s.clock.Now())
	if len(units) > 0 {
		s.inflight.Add(1)
	}
	return units
}

// collectDueLocked marks due entries and recomputes their next due time
// before anything is handed to the dispatcher.
func (s *Service) collectDueLocked(now time.Time) []engine.Unit {
	s.assertLocked("dispatch tick", StateTicking)
	var units []engine.Unit
	for _, e := range s.entries {
		if !e.scheduled || !e.Spec.Kind.TimeDriven() || e.next.After(now) {
			continue
		}
		if s.isCancelledLocked(e) {
			e.scheduled = false
			continue
		}
		due := e.next
		e.next, e.scheduled = s.calc.Next(e.Spec, due, now)
		e.fired++
		e.lastFired = now
		s.metrics.ObserveLag(now.Sub(due))
		s.warnLateLocked(e, due, now)
		units = append(units, e.unit(due))
	}
	return units
}

// warnLateLocked logs entries fired well past their due time, throttled per
// entry. Lateness means the process was suspended or the clock jumped.
func (s *Service) warnLateLocked(e *entry, due, now time.Time) {
	lag := now.Sub(due)
	if lag <= 2*s.cfg.PollInterval+time.Second {
		return
	}
	if !e.lastWarn.IsZero() && now.Sub(e.lastWarn) < lateWarnThrottle {
		return
	}
	e.lastWarn = now
	s.log.Warn("schedule entry fired late", logx.String("entry", e.ID), logx.Duration("lag", lag), logx.Time("due", due))
}
