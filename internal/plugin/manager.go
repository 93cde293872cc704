package plugin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"warden/internal/config"
	"warden/internal/eventbus"
	"warden/internal/metrics"
	"warden/internal/task/trigger"
	logx "warden/pkg/logx"
)

var (
	ErrInvalidName = errors.New("invalid plugin name")
	ErrDuplicate   = errors.New("plugin already registered")
	ErrUnknown     = errors.New("unknown plugin")

	validName = regexp.MustCompile(`^[a-z0-9._+-]+$`)
)

// Plugin states.
const (
	StateRegistered = "registered"
	StateDisabled   = "disabled"
	StateLoaded     = "loaded"
	StateFailed     = "failed"
	StateClosed     = "closed"
)

var allStates = []string{StateRegistered, StateDisabled, StateLoaded, StateFailed, StateClosed}

// InitTimeout bounds one plugin's Init.
var InitTimeout = 30 * time.Second

type pluginEvent struct {
	Plugin   string `json:"plugin"`
	Bindings int    `json:"bindings,omitempty"`
	Err      string `json:"err,omitempty"`
	TookMS   int64  `json:"took_ms,omitempty"`
}

// Manager owns plugin registration and the one-shot load that turns enabled
// plugins into scheduler bindings.
type Manager struct {
	mu      sync.Mutex
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	reg    map[string]Plugin
	status map[string]*Status
	loaded []string // load order, for Close
}

func NewManager(log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Manager{
		log:     log.With(logx.String("comp", "plugins")),
		bus:     bus,
		metrics: m,
		reg:     map[string]Plugin{},
		status:  map[string]*Status{},
	}
}

// Register adds p. Names are lowercase [a-z0-9._+-] and unique.
func (m *Manager) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrInvalidName)
	}
	name := p.Name()
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reg[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	m.reg[name] = p
	st := &Status{Name: name, State: StateRegistered}
	if d, ok := p.(Describer); ok {
		meta := d.Describe()
		st.Meta = &meta
	}
	m.status[name] = st
	m.updateMetricsLocked()
	return nil
}

// Names returns registered plugin names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.reg))
	for n := range m.reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Load initializes every enabled plugin with its merged config and collects
// their bindings. A plugin whose config, Init or declarations fail is marked
// failed and skipped; the others still load. The returned error joins every
// per-plugin problem and is informational.
func (m *Manager) Load(ctx context.Context, cfgs map[string]config.PluginConfigRaw, deps Deps) ([]trigger.Binding, error) {
	var (
		all  []trigger.Binding
		errs []error
	)
	names := m.Names()
	for n := range cfgs {
		if _, ok := m.lookup(n); !ok {
			errs = append(errs, fmt.Errorf("%w: %s (configured but not registered)", ErrUnknown, n))
			m.log.Warn("config for unknown plugin ignored", logx.String("plugin", n))
		}
	}

	for _, name := range names {
		p, _ := m.lookup(name)
		raw, ok := cfgs[name]
		if !ok || !raw.Enabled {
			m.setState(name, func(st *Status) { st.State = StateDisabled })
			continue
		}
		bindings, err := m.loadOne(ctx, name, p, raw, deps)
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", name, err))
		}
		all = append(all, bindings...)
	}
	return all, errors.Join(errs...)
}

func (m *Manager) loadOne(ctx context.Context, name string, p Plugin, raw config.PluginConfigRaw, deps Deps) ([]trigger.Binding, error) {
	start := time.Now()
	fail := func(stage string, err error) ([]trigger.Binding, error) {
		err = fmt.Errorf("%s: %w", stage, err)
		m.setState(name, func(st *Status) {
			st.State = StateFailed
			st.Enabled = true
			st.Error = err.Error()
		})
		m.log.Error("plugin failed to load", logx.String("plugin", name), logx.Err(err))
		m.bus.Publish(eventbus.Event{Type: eventbus.PluginFailed, Data: pluginEvent{Plugin: name, Err: err.Error()}})
		return nil, err
	}

	merged := raw.Config
	if d, ok := p.(Defaulter); ok {
		var err error
		merged, err = config.DeepMerge(d.DefaultConfig(), raw.Config)
		if err != nil {
			return fail("config", err)
		}
	}

	pd := deps
	pd.Config = merged
	if pd.Log.IsZero() {
		pd.Log = m.log
	}
	pd.Log = pd.Log.With(logx.String("plugin", name))
	if pd.Bus == nil {
		pd.Bus = m.bus
	}

	ictx, cancel := context.WithTimeout(ctx, InitTimeout)
	err := safeInit(ictx, p, pd)
	cancel()
	if err != nil {
		return fail("init", err)
	}
	m.mu.Lock()
	m.loaded = append(m.loaded, name)
	m.mu.Unlock()

	decls, err := safeTriggers(p)
	if err != nil {
		return fail("triggers", err)
	}
	bindings, berr := trigger.Build(name, decls)
	var warnings []string
	if berr != nil {
		for _, e := range unjoin(berr) {
			warnings = append(warnings, e.Error())
		}
		m.log.Warn("plugin declared malformed triggers", logx.String("plugin", name), logx.Strings("errors", warnings))
	}

	ids := make([]string, 0, len(bindings))
	for _, b := range bindings {
		ids = append(ids, b.ID)
	}
	took := time.Since(start)
	m.setState(name, func(st *Status) {
		st.State = StateLoaded
		st.Enabled = true
		st.Error = ""
		st.Bindings = ids
		st.Warnings = warnings
		st.LoadedAt = time.Now()
	})
	m.log.Info("plugin loaded", logx.String("plugin", name), logx.Int("bindings", len(ids)), logx.Duration("took", took))
	m.bus.Publish(eventbus.Event{Type: eventbus.PluginLoaded, Data: pluginEvent{Plugin: name, Bindings: len(ids), TookMS: took.Milliseconds()}})
	if berr != nil {
		return bindings, berr
	}
	return bindings, nil
}

// Close calls Closer on loaded plugins in reverse load order.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	names := append([]string(nil), m.loaded...)
	m.loaded = nil
	m.mu.Unlock()

	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		p, _ := m.lookup(name)
		if c, ok := p.(Closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("plugin %s: %w", name, err))
				m.log.Warn("plugin close failed", logx.String("plugin", name), logx.Err(err))
			}
		}
		m.setState(name, func(st *Status) {
			if st.State == StateLoaded {
				st.State = StateClosed
			}
		})
	}
	return errors.Join(errs...)
}

// Status returns every registered plugin, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.status))
	for _, st := range m.status {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) Get(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Status{}, false
	}
	return st.clone(), true
}

func (m *Manager) lookup(name string) (Plugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.reg[name]
	return p, ok
}

func (m *Manager) setState(name string, fn func(st *Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.status[name]; st != nil {
		fn(st)
	}
	m.updateMetricsLocked()
}

func (m *Manager) updateMetricsLocked() {
	if m.metrics == nil {
		return
	}
	counts := map[string]int{}
	for _, st := range m.status {
		counts[st.State]++
	}
	for _, s := range allStates {
		m.metrics.SetPlugins(s, counts[s])
	}
}

func safeInit(ctx context.Context, p Plugin, deps Deps) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return p.Init(ctx, deps)
}

func safeTriggers(p Plugin) (decls []trigger.Declaration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Triggers(), nil
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
