// Package heartbeat records process liveness in storage, feeds the systemd
// watchdog from a scheduled unit and alerts when watched units go down.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"warden/internal/plugin"
	"warden/internal/task/engine"
	"warden/internal/task/trigger"
	logx "warden/pkg/logx"
	sm "warden/pkg/systemdmanager"
)

const bucket = "heartbeat"

// unitRetryDelay is the retry hint for failed unit queries when the
// dispatcher has retries enabled.
const unitRetryDelay = 2 * time.Second

type Config struct {
	// Interval is the beat cadence. With the watchdog on it is clamped to the
	// ping interval systemd asks for.
	Interval string `json:"interval"`
	Watchdog bool   `json:"watchdog"`

	// Units are systemd units checked every UnitInterval ("sshd" means sshd.service).
	Units        []string `json:"units,omitempty"`
	UnitInterval string   `json:"unit_interval,omitempty"`
	// DownInterval replaces UnitInterval while any unit is down. Empty
	// keeps one cadence.
	DownInterval string `json:"down_interval,omitempty"`

	Timeouts plugin.Timeouts `json:"timeouts,omitempty"`
}

// Beat is the liveness record stored under heartbeat/last.
type Beat struct {
	At      time.Time `json:"at"`
	Seq     uint64    `json:"seq"`
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
}

// UnitQuerier looks up unit state; *systemdmanager.Manager implements it.
type UnitQuerier interface {
	Status(ctx context.Context, unit string) (*sm.UnitStatus, error)
	Close() error
}

type Plugin struct {
	plugin.Base

	cfg          Config
	interval     time.Duration
	unitInterval time.Duration
	downInterval time.Duration
	opTimeout    time.Duration
	taskTimeout  time.Duration

	// Overridable in tests.
	now          func() time.Time
	dial         func(ctx context.Context) (UnitQuerier, error)
	pingWatchdog func() (bool, error)

	mu      sync.Mutex
	seq     uint64
	started time.Time
	units   UnitQuerier
	down    map[string]string // unit -> last non-active state
	fast    bool              // units entry runs at downInterval
}

// unitsEvery is the index of the periodic spec of the units binding.
const unitsEvery = 1

func New() *Plugin {
	return &Plugin{
		now:          time.Now,
		dial:         func(ctx context.Context) (UnitQuerier, error) { return sm.New(ctx) },
		pingWatchdog: sm.NotifyWatchdog,
	}
}

func (p *Plugin) Name() string { return "heartbeat" }

func (p *Plugin) Describe() plugin.Meta {
	return plugin.Meta{
		Name:        p.Name(),
		Description: "Liveness record, systemd watchdog and unit checks",
		Version:     "1.0.0",
	}
}

func (p *Plugin) DefaultConfig() json.RawMessage {
	return json.RawMessage(`{"interval":"30s","watchdog":true,"unit_interval":"1m","timeouts":{"task":"20s","operation":"5s"}}`)
}

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	cfg, err := plugin.DecodeConfig[Config](deps.Config)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Timeouts.Validate("heartbeat.timeouts"); err != nil {
		return err
	}
	if p.interval, err = positiveDuration("interval", cfg.Interval, 30*time.Second); err != nil {
		return err
	}
	if p.unitInterval, err = positiveDuration("unit_interval", cfg.UnitInterval, time.Minute); err != nil {
		return err
	}
	if cfg.DownInterval != "" {
		if p.downInterval, err = positiveDuration("down_interval", cfg.DownInterval, 0); err != nil {
			return err
		}
		if p.downInterval >= p.unitInterval {
			return fmt.Errorf("down_interval %s must be shorter than unit_interval %s", p.downInterval, p.unitInterval)
		}
	}
	if deps.Store == nil {
		return errors.New("storage is required")
	}
	p.cfg = cfg
	p.taskTimeout = cfg.Timeouts.TaskOr(20 * time.Second)
	p.opTimeout = cfg.Timeouts.OperationOr(5 * time.Second)

	if cfg.Watchdog {
		if every, ok, err := sm.WatchdogInterval(); err != nil {
			p.Log.Warn("systemd watchdog config invalid", logx.Err(err))
		} else if ok && every < p.interval {
			p.Log.Info("beat interval clamped to watchdog", logx.Duration("interval", every))
			p.interval = every
		}
	}

	p.down = map[string]string{}
	if len(cfg.Units) > 0 {
		q, err := p.dial(ctx)
		if err != nil {
			// Unit checks are optional; the liveness record still works.
			p.Log.Warn("unit checks disabled", logx.Err(err))
		} else {
			p.units = q
		}
	}
	return nil
}

func (p *Plugin) Triggers() []trigger.Declaration {
	decls := []trigger.Declaration{
		trigger.On("start", plugin.WithTimeout(p.taskTimeout, p.start)).AtStartup(),
		trigger.On("beat", plugin.WithTimeout(p.taskTimeout, p.beat)).Every(p.interval),
		trigger.On("stop", plugin.WithTimeout(p.taskTimeout, p.stop)).AtShutdown(),
	}
	if p.units != nil {
		decls = append(decls, trigger.On("units", plugin.WithTimeout(p.taskTimeout, p.checkUnits)).
			AtStartup().
			Every(p.unitInterval))
	}
	return decls
}

func (p *Plugin) Close(ctx context.Context) error {
	p.mu.Lock()
	q := p.units
	p.units = nil
	p.mu.Unlock()
	if q != nil {
		_ = q.Close()
	}
	return p.CloseBase(ctx)
}

func (p *Plugin) start(ctx context.Context) error {
	p.mu.Lock()
	p.started = p.now()
	p.mu.Unlock()
	if err := p.write(ctx, "started", p.started); err != nil {
		return err
	}
	return p.beat(ctx)
}

func (p *Plugin) beat(ctx context.Context) error {
	p.mu.Lock()
	p.seq++
	b := Beat{At: p.now(), Seq: p.seq, PID: os.Getpid(), Started: p.started}
	p.mu.Unlock()

	if err := p.write(ctx, "last", b); err != nil {
		return err
	}
	if p.cfg.Watchdog {
		if _, err := p.pingWatchdog(); err != nil {
			return fmt.Errorf("watchdog ping: %w", err)
		}
	}
	p.Publish("beat", b)
	return nil
}

func (p *Plugin) stop(ctx context.Context) error {
	return p.write(ctx, "stopped", p.now())
}

func (p *Plugin) write(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()
	return p.Deps.Store.Put(ctx, bucket, key, raw)
}

// checkUnits alerts once when a unit leaves the active state and once when it
// comes back.
func (p *Plugin) checkUnits(ctx context.Context) error {
	p.mu.Lock()
	q := p.units
	p.mu.Unlock()
	if q == nil {
		return nil
	}

	var errs []error
	for _, u := range p.cfg.Units {
		name := sm.UnitName(u)
		if name == "" {
			continue
		}
		octx, cancel := context.WithTimeout(ctx, p.opTimeout)
		st, err := q.Status(octx, name)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		p.mu.Lock()
		prev, wasDown := p.down[name]
		switch {
		case st.Running() && wasDown:
			delete(p.down, name)
		case !st.Running():
			p.down[name] = st.Active + "/" + st.SubState
		}
		p.mu.Unlock()

		switch {
		case st.Running() && wasDown:
			_ = p.Info(fmt.Sprintf("unit %s is active again (was %s)", name, prev))
		case st.Missing() && !wasDown:
			_ = p.Alert(fmt.Sprintf("unit %s not found", name))
		case !st.Running() && !wasDown:
			_ = p.Alert(fmt.Sprintf("unit %s is %s/%s", name, st.Active, st.SubState))
		}
	}
	p.adjustUnitCadence()
	if len(errs) > 0 {
		// Query failures are usually a busy or restarting D-Bus.
		return engine.RetryAfter(errors.Join(errs...), unitRetryDelay)
	}
	return nil
}

// adjustUnitCadence moves the periodic units check to downInterval while a
// unit is down and back to unitInterval once all are active again.
func (p *Plugin) adjustUnitCadence() {
	sched := p.Deps.Scheduler
	if sched == nil || p.downInterval <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fast := len(p.down) > 0
	if fast == p.fast {
		return
	}
	every := p.unitInterval
	if fast {
		every = p.downInterval
	}
	id := trigger.EntryID(trigger.BindingID(p.Name(), "units"), unitsEvery)
	if err := sched.Reschedule(id, trigger.Periodic(every)); err != nil {
		p.Log.Warn("unit check cadence unchanged", logx.String("entry", id), logx.Err(err))
		return
	}
	p.fast = fast
	p.Log.Info("unit check cadence changed", logx.Duration("every", every))
}

func positiveDuration(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be > 0", field)
	}
	return d, nil
}
