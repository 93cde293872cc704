package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/config"
	"warden/internal/plugin"
	"warden/internal/storage"
	"warden/internal/task/engine"
	"warden/internal/task/trigger"
	sm "warden/pkg/systemdmanager"
)

type recorder struct {
	mu     sync.Mutex
	alerts []string
	infos  []string
}

func (r *recorder) Alert(_, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, msg)
	return nil
}

func (r *recorder) Info(_, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, msg)
	return nil
}

func (r *recorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.alerts...), append([]string(nil), r.infos...)
}

type fakeUnits struct {
	mu     sync.Mutex
	states map[string]sm.UnitStatus
	closed bool
}

func (f *fakeUnits) set(name, active, sub string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	load := "loaded"
	if sub == "not-found" {
		load = "not-found"
	}
	f.states[name] = sm.UnitStatus{Name: name, Active: active, SubState: sub, LoadState: load}
}

func (f *fakeUnits) Status(_ context.Context, unit string) (*sm.UnitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[unit]
	if !ok {
		return nil, errors.New("bus unavailable")
	}
	return &st, nil
}

func (f *fakeUnits) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type move struct {
	id   string
	spec trigger.Spec
}

type fakeScheduler struct {
	mu    sync.Mutex
	moved []move
	fail  error
}

func (s *fakeScheduler) Cancel(string) bool   { return false }
func (s *fakeScheduler) FireEvent(string) int { return 0 }
func (s *fakeScheduler) Reschedule(id string, spec trigger.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.moved = append(s.moved, move{id: id, spec: spec})
	return nil
}

func (s *fakeScheduler) moves() []move {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]move(nil), s.moved...)
}

type fixture struct {
	p     *Plugin
	store storage.Store
	out   *recorder
	units *fakeUnits
	sched *fakeScheduler
	pings int
}

func setup(t *testing.T, user string) *fixture {
	t.Helper()
	t.Setenv("WATCHDOG_USEC", "")
	f := &fixture{
		p:     New(),
		store: storage.NewMemory(),
		out:   &recorder{},
		units: &fakeUnits{states: map[string]sm.UnitStatus{}},
		sched: &fakeScheduler{},
	}
	f.p.dial = func(context.Context) (UnitQuerier, error) { return f.units, nil }
	f.p.pingWatchdog = func() (bool, error) { f.pings++; return true, nil }

	merged, err := config.DeepMerge(f.p.DefaultConfig(), json.RawMessage(user))
	require.NoError(t, err)
	require.NoError(t, f.p.Init(context.Background(), plugin.Deps{Config: merged, Store: f.store, Writer: f.out, Scheduler: f.sched}))
	return f
}

func (f *fixture) beat(t *testing.T, key string) Beat {
	t.Helper()
	raw, ok, err := f.store.Get(context.Background(), bucket, key)
	require.NoError(t, err)
	require.True(t, ok)
	var b Beat
	require.NoError(t, json.Unmarshal(raw, &b))
	return b
}

func TestTriggers(t *testing.T) {
	f := setup(t, `{"interval":"10s","units":["sshd"]}`)
	bindings, err := trigger.Build(f.p.Name(), f.p.Triggers())
	require.NoError(t, err)

	kinds := map[string][]trigger.Kind{}
	for _, b := range bindings {
		for _, e := range b.Entries {
			kinds[b.ID] = append(kinds[b.ID], e.Spec.Kind)
		}
	}
	assert.Equal(t, map[string][]trigger.Kind{
		"heartbeat.start": {trigger.KindStartup},
		"heartbeat.beat":  {trigger.KindPeriodic},
		"heartbeat.stop":  {trigger.KindShutdown},
		"heartbeat.units": {trigger.KindStartup, trigger.KindPeriodic},
	}, kinds)
	assert.Equal(t, 10*time.Second, f.p.interval)
}

func TestBeatRecordsLiveness(t *testing.T) {
	f := setup(t, `{}`)
	ctx := context.Background()

	require.NoError(t, f.p.start(ctx))
	first := f.beat(t, "last")
	assert.Equal(t, uint64(1), first.Seq)
	assert.False(t, first.Started.IsZero())

	require.NoError(t, f.p.beat(ctx))
	second := f.beat(t, "last")
	assert.Equal(t, uint64(2), second.Seq)
	assert.True(t, second.Started.Equal(first.Started))
	assert.Equal(t, 2, f.pings)

	require.NoError(t, f.p.stop(ctx))
	_, ok, err := f.store.Get(ctx, bucket, "stopped")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWatchdogOffSkipsPing(t *testing.T) {
	f := setup(t, `{"watchdog":false}`)
	require.NoError(t, f.p.beat(context.Background()))
	assert.Zero(t, f.pings)
}

func TestWatchdogClampsInterval(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "10000000")
	p := New()
	raw, err := config.DeepMerge(p.DefaultConfig(), json.RawMessage(`{"interval":"1m"}`))
	require.NoError(t, err)
	require.NoError(t, p.Init(context.Background(), plugin.Deps{Config: raw, Store: storage.NewMemory()}))
	assert.Equal(t, 5*time.Second, p.interval)
}

func TestUnitTransitionsAlertOnce(t *testing.T) {
	f := setup(t, `{"units":["sshd","ghost"]}`)
	ctx := context.Background()
	f.units.set("sshd.service", "inactive", "dead")
	f.units.set("ghost.service", "unknown", "not-found")

	require.NoError(t, f.p.checkUnits(ctx))
	require.NoError(t, f.p.checkUnits(ctx))
	alerts, infos := f.out.snapshot()
	assert.ElementsMatch(t, []string{"unit sshd.service is inactive/dead", "unit ghost.service not found"}, alerts)
	assert.Empty(t, infos)

	f.units.set("sshd.service", "active", "running")
	require.NoError(t, f.p.checkUnits(ctx))
	_, infos = f.out.snapshot()
	assert.Equal(t, []string{"unit sshd.service is active again (was inactive/dead)"}, infos)

	require.NoError(t, f.p.Close(ctx))
	assert.True(t, f.units.closed)
}

func TestDownUnitsSpeedUpChecks(t *testing.T) {
	f := setup(t, `{"units":["sshd"],"unit_interval":"1m","down_interval":"10s"}`)
	ctx := context.Background()

	bindings, err := trigger.Build(f.p.Name(), f.p.Triggers())
	require.NoError(t, err)
	for _, b := range bindings {
		if b.Method == "units" {
			assert.Equal(t, "heartbeat.units#1", b.Entries[unitsEvery].ID)
			assert.Equal(t, trigger.Periodic(time.Minute), b.Entries[unitsEvery].Spec)
		}
	}

	f.units.set("sshd.service", "active", "running")
	require.NoError(t, f.p.checkUnits(ctx))
	assert.Empty(t, f.sched.moves())

	f.units.set("sshd.service", "failed", "failed")
	f.sched.fail = errors.New("scheduler is not running")
	require.NoError(t, f.p.checkUnits(ctx))
	assert.Empty(t, f.sched.moves(), "a refused move is tried again")

	f.sched.fail = nil
	require.NoError(t, f.p.checkUnits(ctx))
	require.NoError(t, f.p.checkUnits(ctx))
	f.units.set("sshd.service", "active", "running")
	require.NoError(t, f.p.checkUnits(ctx))

	assert.Equal(t, []move{
		{id: "heartbeat.units#1", spec: trigger.Periodic(10 * time.Second)},
		{id: "heartbeat.units#1", spec: trigger.Periodic(time.Minute)},
	}, f.sched.moves())
}

func TestUnitQueryErrorsAreReturned(t *testing.T) {
	f := setup(t, `{"units":["sshd"]}`)
	err := f.p.checkUnits(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sshd.service")
	var ra engine.RetryAfterError
	require.ErrorAs(t, err, &ra)
	assert.Equal(t, unitRetryDelay, ra.RetryAfter())
}

func TestUnitChecksOptional(t *testing.T) {
	p := New()
	p.dial = func(context.Context) (UnitQuerier, error) { return nil, sm.ErrUnsupported }
	raw, err := config.DeepMerge(p.DefaultConfig(), json.RawMessage(`{"units":["sshd"]}`))
	require.NoError(t, err)
	require.NoError(t, p.Init(context.Background(), plugin.Deps{Config: raw, Store: storage.NewMemory()}))
	for _, d := range p.Triggers() {
		assert.NotEqual(t, "units", d.Method)
	}
}

func TestInitRejectsBadConfig(t *testing.T) {
	for _, raw := range []string{
		`{"interval":"0s"}`,
		`{"interval":"soon"}`,
		`{"unit_interval":"-1s"}`,
		`{"bogus":true}`,
		`{"timeouts":{"task":"x"}}`,
		`{"unit_interval":"1m","down_interval":"1m"}`,
	} {
		p := New()
		err := p.Init(context.Background(), plugin.Deps{Config: json.RawMessage(raw), Store: storage.NewMemory()})
		assert.Error(t, err, raw)
	}

	p := New()
	assert.Error(t, p.Init(context.Background(), plugin.Deps{}), "store is required")
}
