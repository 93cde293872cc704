package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/config"
	"warden/internal/plugin"
	"warden/internal/task/engine"
	"warden/internal/task/scheduler"
	"warden/internal/task/trigger"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type sample struct {
	plugin.Base
	hello, bye, ticks atomic.Int32
}

func (p *sample) Name() string { return "sample" }

func (p *sample) Init(_ context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	return nil
}

func (p *sample) Triggers() []trigger.Declaration {
	return []trigger.Declaration{
		trigger.On("hello", func(context.Context) error { p.hello.Add(1); return nil }).AtStartup(),
		trigger.On("tick", func(context.Context) error { p.ticks.Add(1); return nil }).Every(50 * time.Millisecond),
		trigger.On("bye", func(context.Context) error { p.bye.Add(1); return nil }).AtShutdown(),
	}
}

const baseConfig = `
logging:
  level: debug
scheduler:
  poll_interval: 10ms
storage:
  driver: memory
plugins:
  sample:
    enabled: true
`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func newApp(t *testing.T, body string) (*App, *syncBuffer, string) {
	t.Helper()
	t.Setenv("NOTIFY_SOCKET", "")
	path := filepath.Join(t.TempDir(), "warden.yaml")
	writeConfig(t, path, body)
	logs := &syncBuffer{}
	a, err := New(path, Options{Version: "test", LogWriter: logs})
	require.NoError(t, err)
	return a, logs, path
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
}

func TestStartRunsPluginLifecycle(t *testing.T) {
	a, _, _ := newApp(t, baseConfig)
	p := &sample{}
	require.NoError(t, a.Plugins().Register(p))

	require.Error(t, a.Health())
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, int32(1), p.hello.Load())
	assert.NoError(t, a.Health())
	assert.Equal(t, scheduler.StateTicking, a.Scheduler().State())

	require.Eventually(t, func() bool { return p.ticks.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	stopApp(t, a)
	assert.Equal(t, int32(1), p.bye.Load())
	assert.Equal(t, scheduler.StateStopped, a.Scheduler().State())
	<-a.Done()

	st, ok := a.Plugins().Get("sample")
	require.True(t, ok)
	assert.Equal(t, plugin.StateClosed, st.State)

	// A second Stop is harmless.
	stopApp(t, a)
}

func TestStartTwiceFails(t *testing.T) {
	a, _, _ := newApp(t, baseConfig)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { stopApp(t, a) })
	assert.Error(t, a.Start(context.Background()))
}

func TestStopWithoutStartReleasesResources(t *testing.T) {
	a, _, _ := newApp(t, baseConfig)
	stopApp(t, a)
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed for an app that never started")
	}
}

func TestCheckReturnsBindingsWithoutStarting(t *testing.T) {
	a, _, _ := newApp(t, baseConfig)
	t.Cleanup(func() { stopApp(t, a) })
	p := &sample{}
	require.NoError(t, a.Plugins().Register(p))

	bindings, err := a.Check(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(bindings))
	for _, b := range bindings {
		ids = append(ids, b.ID)
	}
	assert.ElementsMatch(t, []string{"sample.hello", "sample.tick", "sample.bye"}, ids)
	assert.Equal(t, scheduler.StateInit, a.Scheduler().State())
	assert.Zero(t, p.hello.Load())
}

func TestNewRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	writeConfig(t, path, "scheduler:\n  poll_interval: soon\n")
	_, err := New(path, Options{})
	require.Error(t, err)

	_, err = New(filepath.Join(t.TempDir(), "missing.yaml"), Options{})
	require.Error(t, err)
}

func TestHotReloadEnablesHTTP(t *testing.T) {
	old := config.DebounceDelay
	config.DebounceDelay = 20 * time.Millisecond
	t.Cleanup(func() { config.DebounceDelay = old })

	a, logs, path := newApp(t, baseConfig)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { stopApp(t, a) })
	assert.Empty(t, a.http.Addr())

	// Rewrite until the watcher, which starts asynchronously, picks it up.
	enableHTTP := baseConfig + `
http:
  enabled: true
  addr: 127.0.0.1:0
dispatcher:
  overlap: skip
`
	require.Eventually(t, func() bool {
		writeConfig(t, path, enableHTTP)
		return a.http.Addr() != ""
	}, 5*time.Second, 100*time.Millisecond)
	assert.Equal(t, engine.OverlapSkipIfRunning.String(), a.engine.Snapshot(0).Overlap)

	// Scheduler settings are read once.
	require.Eventually(t, func() bool {
		writeConfig(t, path, strings.Replace(enableHTTP, "10ms", "20ms", 1))
		return strings.Contains(logs.String(), "restart required")
	}, 5*time.Second, 100*time.Millisecond)
	assert.Equal(t, scheduler.StateTicking, a.Scheduler().State())
}

func TestMappingDefaults(t *testing.T) {
	var cfg config.Config

	ec, err := mapEngine(&cfg)
	require.NoError(t, err)
	assert.Equal(t, defaultHistorySize, ec.HistorySize)
	assert.Equal(t, engine.OverlapAllow, ec.Overlap)
	assert.Zero(t, ec.Timeout)

	sc, err := mapScheduler(&cfg)
	require.NoError(t, err)
	assert.Equal(t, scheduler.DefaultPollInterval, sc.PollInterval)
	assert.Equal(t, time.Local, sc.Location)

	st, err := mapStorage(&cfg)
	require.NoError(t, err)
	assert.Equal(t, defaultBusyTimeout, st.BusyTimeout)
	assert.Equal(t, "memory", storageName(st.Driver))

	hc, err := mapHTTP(&cfg)
	require.NoError(t, err)
	assert.False(t, hc.Enabled)

	cfg.Dispatcher.Timeout = "forever"
	assert.Error(t, validateReload(context.Background(), &cfg))
}
