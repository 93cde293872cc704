package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"warden/internal/eventbus"
	"warden/internal/metrics"
	logx "warden/pkg/logx"
)

// Service dispatches batches of due units.
//
// Every unit of a batch runs on its own goroutine: a unit that blocks or
// sleeps never holds back its siblings, including other entries of the same
// binding. Failures are contained at the unit boundary and handed to the
// Reporter; they never cancel the batch.
type Service struct {
	log      logx.Logger
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	reporter Reporter

	mu  sync.Mutex
	cfg Config

	running runState

	inFlight atomic.Int64
	batches  atomic.Uint64
	units    atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type Deps struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Reporter Reporter
}

func New(cfg Config, deps Deps) *Service {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Reporter == nil {
		deps.Reporter = ReporterFunc(func(string, error) {})
	}
	return &Service{
		log:      deps.Log,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		reporter: deps.Reporter,
		cfg:      cfg,
		running:  runState{inflight: map[string]int{}},
	}
}

// Apply swaps the execution config for subsequent batches.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Dispatch runs units concurrently and returns once all of them completed.
// Outcomes are in the order of units. ctx is the parent of every unit context;
// cancelling it is only a cooperative signal to the units.
func (s *Service) Dispatch(ctx context.Context, batch string, units []Unit) []Outcome {
	out := make([]Outcome, len(units))
	if len(units) == 0 {
		return out
	}
	cfg := s.config()
	s.batches.Add(1)

	start := time.Now()
	var g errgroup.Group
	for i := range units {
		g.Go(func() error {
			out[i] = s.run(ctx, cfg, batch, units[i])
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range out {
		if o.Failed() {
			failed++
		}
	}
	s.log.Debug("batch completed",
		logx.String("batch", batch),
		logx.Int("units", len(units)),
		logx.Int("failed", failed),
		logx.Duration("dur", time.Since(start)),
	)
	return out
}

func (s *Service) Snapshot(historyLimit int) Snapshot {
	cfg := s.config()
	snap := Snapshot{
		Timeout:  cfg.Timeout,
		Overlap:  cfg.Overlap.String(),
		RetryMax: cfg.RetryMax,
		InFlight: s.inFlight.Load(),
		Batches:  s.batches.Load(),
		Units:    s.units.Load(),
		Failures: s.failures.Load(),
		Skipped:  s.skipped.Load(),
	}
	s.hmu.Lock()
	h := s.history
	if historyLimit > 0 && len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	snap.History = append([]HistoryItem(nil), h...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(cfg Config, item HistoryItem) {
	size := cfg.HistorySize
	if size <= 0 {
		size = 200
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
