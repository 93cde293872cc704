package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"warden/internal/task/scheduler"
	logx "warden/pkg/logx"
	"warden/pkg/systemdmanager"
)

// Stop runs the shutdown sequence: scheduler (shutdown hooks), plugins,
// http, writer drain, background loops, storage. Each step is bounded so a
// stuck component cannot stall the rest. Stop on an app that never started
// only releases storage and logging.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if a.sup != nil {
		if _, err := systemdmanager.NotifyStopping(); err != nil {
			a.log.Warn("sd_notify stopping failed", logx.Err(err))
		}
		a.log.Info("stopping")

		// Reload and watch loops go first so nothing reconfigures mid-stop.
		a.sup.Cancel()

		errs = append(errs,
			a.step(ctx, "scheduler", 0, func(c context.Context) error {
				err := a.sched.Stop(c)
				if errors.Is(err, scheduler.ErrNotStarted) {
					return nil
				}
				return err
			}),
			a.step(ctx, "plugins", 5*time.Second, a.pm.Close),
			a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil }),
			a.step(ctx, "writer", 3*time.Second, a.writer.Stop),
			a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
				if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}),
		)
	}

	a.closeOnce.Do(func() {
		errs = append(errs, a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() }))
		a.log.Info("stopped")
		_ = a.logs.Close()
	})
	return errors.Join(errs...)
}

// step runs fn with an upper bound of max (0 means the caller's deadline
// only). The caller's deadline is never extended. A step that misses its
// deadline is logged and left running.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			return fmt.Errorf("%s: %w", name, err)
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)),
			)
		}()
		return fmt.Errorf("%s: %w", name, stepCtx.Err())
	}
}
