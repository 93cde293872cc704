// Package authlog tails an authentication log, counts failed logins per
// source address and adds repeat offenders to a blocklist set in storage.
// Counters reset daily or on the "authlog.reset" event.
package authlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nxadm/tail"

	"warden/internal/plugin"
	"warden/internal/task/trigger"
	logx "warden/pkg/logx"
)

// ResetEvent clears the counters when fired through the scheduler.
const ResetEvent = "authlog.reset"

const bucket = "authlog"

var defaultPatterns = []string{
	`Failed password for (?:invalid user )?\S+ from (\S+)`,
	`Invalid user \S* from (\S+)`,
	`authentication failure;.*\brhost=(\S+)`,
	`maximum authentication attempts exceeded for .* from (\S+)`,
}

type Config struct {
	Path string `json:"path"`
	// Start is where reading begins: "end" (default), "start", or "offset"
	// to resume from the position saved at the last check.
	Start string `json:"start"`
	// Patterns replace the built-in ones. Each needs one capture group
	// matching the source address.
	Patterns []string `json:"patterns,omitempty"`
	// Allow lists addresses or CIDRs that are never blocklisted.
	Allow []string `json:"allow,omitempty"`

	Threshold     int    `json:"threshold"`
	CheckInterval string `json:"check_interval"`
	ResetAt       string `json:"reset_at"`
	BlocklistSet  string `json:"blocklist_set"`
	// Poll uses stat polling instead of inotify.
	Poll bool `json:"poll,omitempty"`

	Timeouts plugin.Timeouts `json:"timeouts,omitempty"`
}

type Plugin struct {
	plugin.Base

	cfg      Config
	patterns []*regexp.Regexp
	allow    []netip.Prefix
	interval time.Duration
	reset    [3]int // h, m, s
	timeout  time.Duration

	tail *tail.Tail
	// offset is the read position after the last consumed line, -1 when unknown.
	offset atomic.Int64

	mu     sync.Mutex
	counts map[netip.Addr]int
	failed uint64
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "authlog" }

func (p *Plugin) Describe() plugin.Meta {
	return plugin.Meta{
		Name:        p.Name(),
		Description: "Failed-login counting and blocklisting from an auth log",
		Version:     "1.0.0",
	}
}

func (p *Plugin) DefaultConfig() json.RawMessage {
	return json.RawMessage(`{"path":"/var/log/auth.log","start":"end","threshold":5,"check_interval":"1m","reset_at":"00:00","blocklist_set":"blocklist","timeouts":{"operation":"5s"}}`)
}

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	cfg, err := plugin.DecodeConfig[Config](deps.Config)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := p.configure(cfg); err != nil {
		return err
	}
	if deps.Store == nil {
		return errors.New("storage is required")
	}
	p.counts = map[netip.Addr]int{}

	loc, err := p.location(ctx)
	if err != nil {
		return err
	}
	p.offset.Store(initialOffset(cfg.Path, loc))
	t, err := tail.TailFile(cfg.Path, tail.Config{
		Location:  loc,
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      cfg.Poll,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", cfg.Path, err)
	}
	p.tail = t
	lines := t.Lines
	p.Go("tail", func(ctx context.Context) error { return p.follow(ctx, lines) })
	return nil
}

func (p *Plugin) configure(cfg Config) error {
	var errs []error
	if strings.TrimSpace(cfg.Path) == "" {
		errs = append(errs, errors.New("path is required"))
	}
	switch cfg.Start {
	case "", "end", "start", "offset":
	default:
		errs = append(errs, fmt.Errorf("start: unknown mode %q (end, start, offset)", cfg.Start))
	}
	if cfg.Threshold <= 0 {
		errs = append(errs, errors.New("threshold: must be > 0"))
	}
	if strings.TrimSpace(cfg.BlocklistSet) == "" {
		errs = append(errs, errors.New("blocklist_set is required"))
	}
	if d, err := time.ParseDuration(cfg.CheckInterval); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("check_interval: invalid %q", cfg.CheckInterval))
	} else {
		p.interval = d
	}
	var err error
	if p.reset[0], p.reset[1], p.reset[2], err = plugin.ParseTimeOfDay(cfg.ResetAt); err != nil {
		errs = append(errs, fmt.Errorf("reset_at: %w", err))
	}
	if err := cfg.Timeouts.Validate("authlog.timeouts"); err != nil {
		errs = append(errs, err)
	}

	pats := cfg.Patterns
	if len(pats) == 0 {
		pats = defaultPatterns
	}
	p.patterns = p.patterns[:0]
	for _, s := range pats {
		re, err := regexp.Compile(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern %q: %w", s, err))
			continue
		}
		if re.NumSubexp() < 1 {
			errs = append(errs, fmt.Errorf("pattern %q: needs a capture group for the address", s))
			continue
		}
		p.patterns = append(p.patterns, re)
	}

	p.allow = p.allow[:0]
	for _, s := range cfg.Allow {
		pfx, err := parsePrefix(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("allow %q: %w", s, err))
			continue
		}
		p.allow = append(p.allow, pfx)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	p.cfg = cfg
	p.timeout = cfg.Timeouts.OperationOr(5 * time.Second)
	return nil
}

func (p *Plugin) Triggers() []trigger.Declaration {
	return []trigger.Declaration{
		trigger.On("check", p.check).Every(p.interval).AtShutdown(),
		trigger.On("reset", p.resetCounters).DailyAt(p.reset[0], p.reset[1], p.reset[2]).OnEvent(ResetEvent),
	}
}

func (p *Plugin) Close(ctx context.Context) error {
	if p.tail != nil {
		_ = p.tail.Stop()
		p.tail.Cleanup()
		p.tail = nil
	}
	return p.CloseBase(ctx)
}

// location picks the start position. Offset mode resumes from the saved
// position unless the file shrank (rotated) since.
func (p *Plugin) location(ctx context.Context) (*tail.SeekInfo, error) {
	switch p.cfg.Start {
	case "start":
		return &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}, nil
	case "offset":
		sctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		raw, ok, err := p.Deps.Store.Get(sctx, bucket, p.offsetKey())
		if err != nil {
			return nil, fmt.Errorf("load offset: %w", err)
		}
		if ok {
			off, err := strconv.ParseInt(string(raw), 10, 64)
			if err == nil && off >= 0 {
				if fi, err := os.Stat(p.cfg.Path); err == nil && fi.Size() >= off {
					return &tail.SeekInfo{Offset: off, Whence: io.SeekStart}, nil
				}
				p.Log.Info("log rotated since last offset; reading from start", logx.String("path", p.cfg.Path))
				return &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}, nil
			}
		}
	}
	return &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}, nil
}

func initialOffset(path string, loc *tail.SeekInfo) int64 {
	if loc.Whence == io.SeekStart {
		return loc.Offset
	}
	fi, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return fi.Size()
}

func (p *Plugin) offsetKey() string { return "offset:" + p.cfg.Path }

func (p *Plugin) follow(ctx context.Context, lines <-chan *tail.Line) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				p.Log.Warn("tail error", logx.Err(line.Err))
				continue
			}
			p.observe(line.Text)
			p.offset.Store(line.SeekInfo.Offset)
		}
	}
}

// observe counts one log line. It reports whether the line was a failed login.
func (p *Plugin) observe(text string) bool {
	for _, re := range p.patterns {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		addr, err := netip.ParseAddr(strings.Trim(m[1], "[]"))
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		if p.allowed(addr) {
			return false
		}
		p.mu.Lock()
		p.counts[addr]++
		p.failed++
		p.mu.Unlock()
		return true
	}
	return false
}

func (p *Plugin) allowed(addr netip.Addr) bool {
	for _, pfx := range p.allow {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// check blocklists every source at or above the threshold and saves the
// read offset.
func (p *Plugin) check(ctx context.Context) error {
	type offender struct {
		addr  netip.Addr
		count int
	}
	var over []offender
	p.mu.Lock()
	for addr, n := range p.counts {
		if n >= p.cfg.Threshold {
			over = append(over, offender{addr, n})
		}
	}
	p.mu.Unlock()
	sort.Slice(over, func(i, j int) bool { return over[i].addr.Less(over[j].addr) })

	var errs []error
	for _, o := range over {
		sctx, cancel := context.WithTimeout(ctx, p.timeout)
		added, err := p.Deps.Store.SetAdd(sctx, p.cfg.BlocklistSet, o.addr.String())
		cancel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if added {
			_ = p.Alert(fmt.Sprintf("blocklisted %s after %d failed logins", o.addr, o.count))
			p.Publish("blocked", map[string]any{"addr": o.addr.String(), "count": o.count})
		}
	}
	if p.cfg.Start == "offset" {
		errs = append(errs, p.saveOffset(ctx))
	}
	return errors.Join(errs...)
}

func (p *Plugin) saveOffset(ctx context.Context) error {
	off := p.offset.Load()
	if off < 0 {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.Deps.Store.Put(sctx, bucket, p.offsetKey(), []byte(strconv.FormatInt(off, 10)))
}

func (p *Plugin) resetCounters(context.Context) error {
	p.mu.Lock()
	sources, failed := len(p.counts), p.failed
	p.counts = map[netip.Addr]int{}
	p.failed = 0
	p.mu.Unlock()
	_ = p.Info(fmt.Sprintf("counters reset: %d failed logins from %d sources", failed, sources))
	return nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		pfx, err := netip.ParsePrefix(s)
		return pfx.Masked(), err
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
