package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"warden/internal/eventbus"
	logx "warden/pkg/logx"
)

func (s *Service) run(ctx context.Context, cfg Config, batch string, u Unit) Outcome {
	start := time.Now()
	o := Outcome{EntryID: u.EntryID, BindingID: u.BindingID, Kind: u.Kind, Due: u.Due, Started: start}
	s.units.Add(1)

	if cfg.Overlap == OverlapSkipIfRunning {
		if !s.running.tryAcquire(u.EntryID) {
			o.Skipped = true
			o.Err = ErrOverlapSkip
			s.skipped.Add(1)
			s.metrics.ObserveDispatch(string(u.Kind), "skipped", 0)
			s.log.Debug("unit.skipped", logx.String("entry", u.EntryID), logx.String("batch", batch))
			s.bus.Publish(eventbus.Event{Type: eventbus.DispatchSkipped, Time: start, Data: s.event(batch, u, start, 0, nil)})
			s.record(cfg, HistoryItem{Batch: batch, EntryID: u.EntryID, Started: start, Skipped: true})
			return o
		}
		defer s.running.release(u.EntryID)
	}

	s.inFlight.Add(1)
	s.metrics.AddInflight(1)
	defer func() {
		s.inFlight.Add(-1)
		s.metrics.AddInflight(-1)
	}()

	s.log.Debug("unit.started", logx.String("entry", u.EntryID), logx.String("batch", batch))
	s.bus.Publish(eventbus.Event{Type: eventbus.DispatchStarted, Time: start, Data: s.event(batch, u, start, 0, nil)})

	ctx = context.WithValue(ctx, unitKey{}, u)
	var err error
	maxAttempts := 1 + max(cfg.RetryMax, 0)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		o.Attempts = attempt
		err = s.attempt(ctx, cfg, u)
		if err == nil || IsNoRetry(err) || attempt == maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt, err)
		s.log.Debug("unit retry scheduled", logx.String("entry", u.EntryID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			attempt = maxAttempts
		case <-t.C:
		}
	}

	o.Duration = time.Since(start)
	item := HistoryItem{Batch: batch, EntryID: u.EntryID, Started: start, Duration: o.Duration}
	if err != nil {
		o.Err = &ExecutionError{EntryID: u.EntryID, BindingID: u.BindingID, Err: err}
		item.Error = err.Error()
		s.failures.Add(1)
		s.metrics.ObserveDispatch(string(u.Kind), "failed", o.Duration)

		fields := []logx.Field{
			logx.String("entry", u.EntryID),
			logx.String("batch", batch),
			logx.Err(err),
			logx.Duration("dur", o.Duration),
			logx.Int("attempts", o.Attempts),
		}
		var pe *PanicError
		if errors.As(err, &pe) {
			fields = append(fields, logx.Stack(pe.Stack))
		}
		s.log.Warn("unit.failed", fields...)
		s.bus.Publish(eventbus.Event{Type: eventbus.DispatchFailed, Data: s.event(batch, u, start, o.Duration, err)})
		s.reporter.ReportError(u.BindingID, o.Err)
	} else {
		s.metrics.ObserveDispatch(string(u.Kind), "ok", o.Duration)
		if o.Duration >= 750*time.Millisecond {
			s.log.Info("unit.completed", logx.String("entry", u.EntryID), logx.Duration("dur", o.Duration))
		} else {
			s.log.Debug("unit.completed", logx.String("entry", u.EntryID), logx.Duration("dur", o.Duration))
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.DispatchFinished, Data: s.event(batch, u, start, o.Duration, nil)})
	}
	s.record(cfg, item)
	return o
}

// attempt runs the unit once, converting a panic into a *PanicError.
func (s *Service) attempt(ctx context.Context, cfg Config, u Unit) (err error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	if u.Run == nil {
		return errors.New("unit has no callable")
	}
	return u.Run(ctx)
}

func (s *Service) event(batch string, u Unit, start time.Time, dur time.Duration, err error) UnitEvent {
	ev := UnitEvent{Batch: batch, EntryID: u.EntryID, BindingID: u.BindingID, Kind: u.Kind, Due: u.Due, Started: start, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func retryDelay(cfg Config, attempt int, err error) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	var d time.Duration
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = base << min(attempt-1, 16)
	}
	// 20% jitter either way.
	d = time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	return min(max(d, 0), maxD)
}
