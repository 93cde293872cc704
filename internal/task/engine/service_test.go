package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/eventbus"
	"warden/internal/task/trigger"
)

type recordingReporter struct {
	mu    sync.Mutex
	calls map[string][]error
}

func newRecorder() *recordingReporter { return &recordingReporter{calls: map[string][]error{}} }

func (r *recordingReporter) ReportError(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id] = append(r.calls[id], err)
}

func (r *recordingReporter) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls[id])
}

func unit(id string, fn trigger.Func) Unit {
	return Unit{EntryID: id + "#0", BindingID: id, Plugin: "p", Kind: trigger.KindPeriodic, Run: fn}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	rep := newRecorder()
	s := New(Config{}, Deps{Reporter: rep})

	var okRuns atomic.Int32
	out := s.Dispatch(context.Background(), "tick", []Unit{
		unit("p.fails", func(context.Context) error { return errors.New("disk full") }),
		unit("p.panics", func(context.Context) error { panic("nil map") }),
		unit("p.ok1", func(context.Context) error { okRuns.Add(1); return nil }),
		unit("p.ok2", func(context.Context) error { okRuns.Add(1); return nil }),
	})

	require.Len(t, out, 4)
	assert.Equal(t, int32(2), okRuns.Load())
	assert.True(t, out[0].Failed())
	assert.True(t, out[1].Failed())
	assert.False(t, out[2].Failed())
	assert.False(t, out[3].Failed())

	var pe *PanicError
	require.ErrorAs(t, out[1].Err, &pe)
	assert.Equal(t, "nil map", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	var ee *ExecutionError
	require.ErrorAs(t, out[0].Err, &ee)
	assert.Equal(t, "p.fails", ee.BindingID)

	assert.Equal(t, 1, rep.count("p.fails"))
	assert.Equal(t, 1, rep.count("p.panics"))
	assert.Equal(t, 0, rep.count("p.ok1"))
	assert.Equal(t, uint64(2), s.Snapshot(0).Failures)
}

func TestSlowUnitDoesNotDelaySibling(t *testing.T) {
	s := New(Config{}, Deps{})
	release := make(chan struct{})
	fastDone := make(chan time.Time, 1)

	start := time.Now()
	done := make(chan []Outcome)
	go func() {
		done <- s.Dispatch(context.Background(), "tick", []Unit{
			unit("p.slow", func(context.Context) error { <-release; return nil }),
			unit("p.fast", func(context.Context) error { fastDone <- time.Now(); return nil }),
		})
	}()

	select {
	case at := <-fastDone:
		assert.Less(t, at.Sub(start), 500*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("fast unit was blocked by the suspended one")
	}

	select {
	case <-done:
		t.Fatal("batch returned before the slow unit completed")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	out := <-done
	assert.Len(t, out, 2)
}

func TestSameBindingEntriesRunConcurrently(t *testing.T) {
	s := New(Config{}, Deps{})
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(context.Context) error {
		wg.Done()
		wg.Wait()
		return nil
	}
	u0 := Unit{EntryID: "p.m#0", BindingID: "p.m", Run: barrier}
	u1 := Unit{EntryID: "p.m#1", BindingID: "p.m", Run: barrier}

	finished := make(chan struct{})
	go func() {
		s.Dispatch(context.Background(), "tick", []Unit{u0, u1})
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("stacked entries were serialized")
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	s := New(Config{Overlap: OverlapSkipIfRunning}, Deps{})
	release := make(chan struct{})
	started := make(chan struct{})
	go s.Dispatch(context.Background(), "tick", []Unit{unit("p.long", func(context.Context) error {
		close(started)
		<-release
		return nil
	})})
	<-started

	out := s.Dispatch(context.Background(), "tick", []Unit{unit("p.long", func(context.Context) error { return nil })})
	close(release)
	require.Len(t, out, 1)
	assert.True(t, out[0].Skipped)
	assert.False(t, out[0].Failed())
	assert.ErrorIs(t, out[0].Err, ErrOverlapSkip)
}

func TestRetryReportsFinalFailureOnce(t *testing.T) {
	rep := newRecorder()
	s := New(Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, Deps{Reporter: rep})
	var calls atomic.Int32
	out := s.Dispatch(context.Background(), "tick", []Unit{unit("p.flaky", func(context.Context) error {
		calls.Add(1)
		return errors.New("nope")
	})})
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, out[0].Attempts)
	assert.Equal(t, 1, rep.count("p.flaky"))

	calls.Store(0)
	s.Dispatch(context.Background(), "tick", []Unit{unit("p.perm", func(context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("bad input"))
	})})
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	cfg := Config{RetryBase: time.Millisecond, RetryMaxDelay: time.Minute}
	for range 20 {
		d := retryDelay(cfg, 1, RetryAfter(errors.New("busy"), time.Second))
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
	capped := retryDelay(Config{RetryMaxDelay: 50 * time.Millisecond}, 1, RetryAfter(errors.New("busy"), time.Hour))
	assert.Equal(t, 50*time.Millisecond, capped)

	s := New(Config{RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: time.Second}, Deps{})
	var calls atomic.Int32
	start := time.Now()
	out := s.Dispatch(context.Background(), "tick", []Unit{unit("p.busy", func(context.Context) error {
		if calls.Add(1) == 1 {
			return RetryAfter(errors.New("busy"), 50*time.Millisecond)
		}
		return nil
	})})
	assert.False(t, out[0].Failed())
	assert.Equal(t, 2, out[0].Attempts)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestTimeoutIsCooperative(t *testing.T) {
	s := New(Config{Timeout: 20 * time.Millisecond}, Deps{})
	out := s.Dispatch(context.Background(), "tick", []Unit{unit("p.wait", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})})
	assert.ErrorIs(t, out[0].Err, context.DeadlineExceeded)
}

func TestUnitFromContextAndEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "dispatch.")
	defer unsub()
	s := New(Config{}, Deps{Bus: bus})

	var seen Unit
	s.Dispatch(context.Background(), "startup", []Unit{unit("p.hook", func(ctx context.Context) error {
		seen, _ = UnitFromContext(ctx)
		return nil
	})})
	assert.Equal(t, "p.hook#0", seen.EntryID)

	require.Len(t, ch, 2)
	assert.Equal(t, eventbus.DispatchStarted, (<-ch).Type)
	ev := <-ch
	assert.Equal(t, eventbus.DispatchFinished, ev.Type)
	assert.Equal(t, "startup", ev.Data.(UnitEvent).Batch)

	h := s.Snapshot(10).History
	require.Len(t, h, 1)
	assert.Equal(t, "p.hook#0", h[0].EntryID)
}

func TestDispatchEmptyBatch(t *testing.T) {
	s := New(Config{}, Deps{})
	assert.Empty(t, s.Dispatch(context.Background(), "tick", nil))
}
