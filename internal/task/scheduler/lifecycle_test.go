package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/task/trigger"
)

func TestStartupTickShutdownOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("real clock")
	}
	var (
		mu        sync.Mutex
		value     string
		seenA     = true
		ticks     atomic.Int32
		stoppedAt atomic.Int32
	)
	bindings, err := trigger.Build("demo", []trigger.Declaration{
		trigger.On("begin", func(context.Context) error {
			mu.Lock()
			value = "A"
			mu.Unlock()
			return nil
		}).AtStartup(),
		trigger.On("count", func(context.Context) error {
			mu.Lock()
			if value != "A" {
				seenA = false
			}
			mu.Unlock()
			ticks.Add(1)
			return nil
		}).Every(time.Second),
		trigger.On("end", func(context.Context) error {
			mu.Lock()
			value = "B"
			mu.Unlock()
			stoppedAt.Store(ticks.Load())
			return nil
		}).AtShutdown(),
	})
	require.NoError(t, err)

	s := New(Config{PollInterval: 50 * time.Millisecond}, Deps{})
	require.NoError(t, s.Start(context.Background(), bindings))
	mu.Lock()
	assert.Equal(t, "A", value)
	mu.Unlock()
	assert.Zero(t, ticks.Load())

	time.Sleep(3500 * time.Millisecond)
	assert.GreaterOrEqual(t, ticks.Load(), int32(3))

	require.NoError(t, s.Stop(context.Background()))
	mu.Lock()
	assert.Equal(t, "B", value)
	assert.True(t, seenA, "counter ran before startup finished")
	mu.Unlock()

	final := ticks.Load()
	assert.Equal(t, final, stoppedAt.Load(), "no tick after the shutdown batch began")
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, final, ticks.Load())
}

func TestSlowUnitDoesNotDelayOthers(t *testing.T) {
	if testing.Short() {
		t.Skip("real clock")
	}
	release := make(chan struct{})
	var fast atomic.Int32
	bindings, err := trigger.Build("p", []trigger.Declaration{
		trigger.On("slow", func(context.Context) error { <-release; return nil }).Every(40 * time.Millisecond),
		trigger.On("fast", func(context.Context) error { fast.Add(1); return nil }).Every(40 * time.Millisecond),
	})
	require.NoError(t, err)

	s := New(Config{PollInterval: 10 * time.Millisecond}, Deps{})
	require.NoError(t, s.Start(context.Background(), bindings))

	assert.Eventually(t, func() bool { return fast.Load() >= 5 }, 2*time.Second, 10*time.Millisecond)
	close(release)
	require.NoError(t, s.Stop(context.Background()))
}

func TestStartupRunsBeforeAnyTimeDrivenFiring(t *testing.T) {
	var startupDone, violated atomic.Bool
	bindings, err := trigger.Build("p", []trigger.Declaration{
		trigger.On("warm", func(context.Context) error {
			time.Sleep(150 * time.Millisecond)
			startupDone.Store(true)
			return nil
		}).AtStartup(),
		trigger.On("poll", func(context.Context) error {
			if !startupDone.Load() {
				violated.Store(true)
			}
			return nil
		}).Every(10 * time.Millisecond),
	})
	require.NoError(t, err)

	s := New(Config{PollInterval: 5 * time.Millisecond}, Deps{})
	require.NoError(t, s.Start(context.Background(), bindings))
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, violated.Load())
}
