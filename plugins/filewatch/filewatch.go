// Package filewatch alerts on changes to sensitive files and directories.
// Events are batched and flushed on an interval; a daily summary resets the
// changed-path set kept in storage.
package filewatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"warden/internal/plugin"
	"warden/internal/task/trigger"
	logx "warden/pkg/logx"
)

// ChangedSet is the storage set of paths changed since the last summary.
const ChangedSet = "filewatch.changed"

type Config struct {
	Paths         []string `json:"paths"`
	Ignore        []string `json:"ignore,omitempty"` // filepath.Match patterns on the base name
	FlushInterval string   `json:"flush_interval"`
	SummaryAt     string   `json:"summary_at"` // "HH:MM" or "HH:MM:SS"
	// MaxAlerts caps individual alerts per flush; the rest are summarized.
	MaxAlerts int `json:"max_alerts"`

	Timeouts plugin.Timeouts `json:"timeouts,omitempty"`
}

type Plugin struct {
	plugin.Base

	cfg      Config
	flushInt time.Duration
	summary  [3]int // h, m, s
	timeout  time.Duration

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	daily   int
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "filewatch" }

func (p *Plugin) Describe() plugin.Meta {
	return plugin.Meta{
		Name:        p.Name(),
		Description: "Alerts on changes to watched files and directories",
		Version:     "1.0.0",
	}
}

func (p *Plugin) DefaultConfig() json.RawMessage {
	return json.RawMessage(`{"paths":[],"ignore":["*.swp","*~",".#*"],"flush_interval":"30s","summary_at":"06:00","max_alerts":20,"timeouts":{"operation":"5s"}}`)
}

func (p *Plugin) Init(_ context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	cfg, err := plugin.DecodeConfig[Config](deps.Config)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(cfg.Paths) == 0 {
		return errors.New("paths: at least one path is required")
	}
	for _, pat := range cfg.Ignore {
		if _, err := filepath.Match(pat, ""); err != nil {
			return fmt.Errorf("ignore %q: %w", pat, err)
		}
	}
	if err := cfg.Timeouts.Validate("filewatch.timeouts"); err != nil {
		return err
	}
	if p.flushInt, err = time.ParseDuration(cfg.FlushInterval); err != nil || p.flushInt <= 0 {
		return fmt.Errorf("flush_interval: invalid %q", cfg.FlushInterval)
	}
	if p.summary[0], p.summary[1], p.summary[2], err = plugin.ParseTimeOfDay(cfg.SummaryAt); err != nil {
		return fmt.Errorf("summary_at: %w", err)
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = 20
	}
	if deps.Store == nil {
		return errors.New("storage is required")
	}
	p.cfg = cfg
	p.timeout = cfg.Timeouts.OperationOr(5 * time.Second)
	p.pending = map[string]fsnotify.Op{}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	added := 0
	for _, path := range cfg.Paths {
		if err := w.Add(filepath.Clean(path)); err != nil {
			p.Log.Warn("path not watched", logx.String("path", path), logx.Err(err))
			continue
		}
		added++
	}
	if added == 0 {
		_ = w.Close()
		return errors.New("none of the configured paths could be watched")
	}
	p.watcher = w
	p.Go("events", p.loop)
	return nil
}

func (p *Plugin) Triggers() []trigger.Declaration {
	return []trigger.Declaration{
		trigger.On("flush", p.flush).Every(p.flushInt).AtShutdown(),
		trigger.On("summary", p.dailySummary).DailyAt(p.summary[0], p.summary[1], p.summary[2]),
	}
}

func (p *Plugin) Close(ctx context.Context) error {
	var err error
	if p.watcher != nil {
		err = p.watcher.Close()
	}
	return errors.Join(err, p.CloseBase(ctx))
}

// loop collects events until the watcher is closed. A nil return ends the
// background loop for good.
func (p *Plugin) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return nil
			}
			p.record(ev)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				_ = p.Alert("event queue overflowed; some changes were not seen")
				continue
			}
			p.Log.Warn("watch error", logx.Err(err))
		}
	}
}

func (p *Plugin) record(ev fsnotify.Event) {
	if ev.Op == 0 || p.ignored(ev.Name) {
		return
	}
	p.mu.Lock()
	p.pending[ev.Name] |= ev.Op
	p.mu.Unlock()
}

func (p *Plugin) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pat := range p.cfg.Ignore {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// flush alerts on every path changed since the previous flush.
func (p *Plugin) flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.pending
	p.pending = map[string]fsnotify.Op{}
	p.daily += len(batch)
	p.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	paths := make([]string, 0, len(batch))
	for path := range batch {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var errs []error
	for i, path := range paths {
		if i < p.cfg.MaxAlerts {
			_ = p.Alert(fmt.Sprintf("changed: %s (%s)", path, opString(batch[path])))
		}
		sctx, cancel := context.WithTimeout(ctx, p.timeout)
		if _, err := p.Deps.Store.SetAdd(sctx, ChangedSet, path); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if extra := len(paths) - p.cfg.MaxAlerts; extra > 0 {
		_ = p.Alert(fmt.Sprintf("%d more paths changed", extra))
	}
	p.Publish("flush", map[string]any{"paths": paths})
	return errors.Join(errs...)
}

// dailySummary reports the day's change count and clears the changed set.
func (p *Plugin) dailySummary(ctx context.Context) error {
	p.mu.Lock()
	n := p.daily
	p.daily = 0
	p.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	paths, err := p.Deps.Store.SetMembers(sctx, ChangedSet)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		_ = p.Info("daily summary: no changes")
		return nil
	}
	_ = p.Info(fmt.Sprintf("daily summary: %d changes across %d paths: %s", n, len(paths), strings.Join(paths, ", ")))
	var errs []error
	for _, path := range paths {
		if _, err := p.Deps.Store.SetRemove(sctx, ChangedSet, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func opString(op fsnotify.Op) string {
	var parts []string
	for _, o := range []fsnotify.Op{fsnotify.Create, fsnotify.Write, fsnotify.Remove, fsnotify.Rename, fsnotify.Chmod} {
		if op.Has(o) {
			parts = append(parts, o.String())
		}
	}
	return strings.Join(parts, "|")
}
