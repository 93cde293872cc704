package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"warden/internal/eventbus"
	rtsup "warden/internal/runtime/supervisor"
	"warden/internal/task/trigger"
	logx "warden/pkg/logx"
)

var ErrNoWriter = errors.New("writer not available")

// Base is embedded by plugins to get a scoped logger, reporting helpers and
// a supervisor for background loops. Typical usage:
//
//	type Plugin struct{ plugin.Base }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Name()); return nil }
//
// Base implements Closer; embedding plugins that override Close should call
// CloseBase.
type Base struct {
	Log  logx.Logger
	Deps Deps

	name string

	mu     sync.Mutex
	runner *rtsup.Supervisor
}

func (b *Base) InitBase(deps Deps, name string) {
	b.Deps = deps
	b.name = name
	// The manager already scopes deps.Log to the plugin.
	b.Log = deps.Log
	if b.Log.IsZero() {
		b.Log = logx.Nop().With(logx.String("plugin", name))
	}
	if b.Deps.Bus == nil {
		b.Deps.Bus = eventbus.Nop()
	}
}

func (b *Base) PluginName() string { return b.name }

// Go runs fn as a background loop owned by the plugin, restarted on failure
// until Close.
func (b *Base) Go(name string, fn func(ctx context.Context) error) {
	b.mu.Lock()
	if b.runner == nil {
		b.runner = rtsup.New(context.Background(), rtsup.WithLogger(b.Log), rtsup.WithCancelOnError(false))
	}
	r := b.runner
	b.mu.Unlock()
	r.GoRestart(b.name+"."+name, fn, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
}

func (b *Base) Close(ctx context.Context) error { return b.CloseBase(ctx) }

// CloseBase cancels background loops and waits for them, bounded by ctx.
func (b *Base) CloseBase(ctx context.Context) error {
	b.mu.Lock()
	r := b.runner
	b.runner = nil
	b.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Stop(ctx)
}

func (b *Base) Alert(msg string) error {
	if b.Deps.Writer == nil {
		return ErrNoWriter
	}
	return b.Deps.Writer.Alert(b.name, msg)
}

func (b *Base) Info(msg string) error {
	if b.Deps.Writer == nil {
		return ErrNoWriter
	}
	return b.Deps.Writer.Info(b.name, msg)
}

// Publish emits a plugin event on the bus. Type is prefixed with "plugin.<name>.".
func (b *Base) Publish(typ string, data any) {
	b.Deps.Bus.Publish(eventbus.Event{Type: "plugin." + b.name + "." + typ, Time: time.Now(), Data: data})
}

// WithTimeout bounds fn through its context. Zero d returns fn unchanged.
func WithTimeout(d time.Duration, fn trigger.Func) trigger.Func {
	if d <= 0 {
		return fn
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return fn(ctx)
	}
}

// DecodeConfig decodes raw strictly into T. Empty raw yields the zero T.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" for DailyAt triggers.
func ParseTimeOfDay(s string) (hour, minute, second int, err error) {
	s = strings.TrimSpace(s)
	layout := "15:04:05"
	if strings.Count(s, ":") == 1 {
		layout = "15:04"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour(), t.Minute(), t.Second(), nil
}
