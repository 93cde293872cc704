package writer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"warden/internal/eventbus"
	"warden/internal/metrics"
	rtsup "warden/internal/runtime/supervisor"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

type Deps struct {
	Log     logx.Logger
	Store   storage.Store
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

// Service queues records and fans them out to sinks. It is safe for
// concurrent use; enqueueing never blocks.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	store   storage.Store
	bus     eventbus.Bus
	metrics *metrics.Metrics

	cfg      Config
	sinks    []sink
	limiters map[string]*rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Record
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	statsMu   sync.Mutex
	accepted  uint64
	dropped   map[string]uint64
	sinkStats map[string]*SinkStatus
	lastError *Record
}

func New(cfg Config, deps Deps) *Service {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	s := &Service{
		log:       deps.Log,
		store:     deps.Store,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		dropped:   map[string]uint64{},
		sinkStats: map[string]*SinkStatus{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps sinks and rate limits. The queue size takes effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec < 0 {
		cfg.RatePerSec = 0
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RatePerSec))
	}
	if len(cfg.Sinks) == 0 {
		cfg.Sinks = []string{SinkLog}
	}
	s.cfg = cfg
	s.limiters = map[string]*rate.Limiter{}

	s.sinks = s.sinks[:0:0]
	seen := map[string]bool{}
	for _, name := range cfg.Sinks {
		name = strings.TrimSpace(name)
		if seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case SinkLog:
			s.sinks = append(s.sinks, logSink{log: s.log.With(logx.String("comp", "writer"))})
		case SinkStore:
			if s.store == nil {
				s.log.Warn("writer store sink configured without a store")
				continue
			}
			s.sinks = append(s.sinks, storeSink{store: s.store})
		case SinkBus:
			s.sinks = append(s.sinks, busSink{bus: s.bus})
		default:
			s.log.Warn("unknown writer sink ignored", logx.String("sink", name))
			continue
		}
		s.statsMu.Lock()
		if s.sinkStats[name] == nil {
			s.sinkStats[name] = &SinkStatus{Name: name}
		}
		s.statsMu.Unlock()
	}
}

// Start launches the delivery worker. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || s.stopDone != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Record, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "writer"))),
		rtsup.WithCancelOnError(false),
	)
	sup, q := s.sup, s.queue
	s.mu.Unlock()

	sup.GoRestart("writer.worker", func(c context.Context) error {
		if s.workerLoop(c, q) {
			return nil
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("writer worker exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))
}

// Stop refuses new records, drains the queue and waits for the worker until
// ctx is done. On timeout the worker is cancelled and the rest is lost.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.queue, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		sup.Cancel()
		return ctx.Err()
	}
}

// ReportError receives isolated unit failures from the dispatcher.
func (s *Service) ReportError(id string, err error) {
	if err == nil {
		return
	}
	_ = s.enqueue(id, LevelError, err.Error())
}

// Alert records a defensive finding. It returns why the record was dropped,
// if it was.
func (s *Service) Alert(source, msg string) error { return s.enqueue(source, LevelAlert, msg) }

func (s *Service) Info(source, msg string) error { return s.enqueue(source, LevelInfo, msg) }

func (s *Service) enqueue(source, level, msg string) error {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		s.drop("stopped")
		return ErrStopped
	}
	if !s.limiterLocked(source).Allow() {
		s.mu.Unlock()
		s.drop("rate")
		return ErrLimited
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- Record{At: time.Now(), Source: source, Level: level, Message: msg}:
		s.statsMu.Lock()
		s.accepted++
		s.statsMu.Unlock()
		return nil
	default:
		s.drop("queue_full")
		return ErrQueueFull
	}
}

func (s *Service) limiterLocked(source string) *rate.Limiter {
	l := s.limiters[source]
	if l == nil {
		limit := rate.Inf
		if s.cfg.RatePerSec > 0 {
			limit = rate.Limit(s.cfg.RatePerSec)
		}
		l = rate.NewLimiter(limit, s.cfg.Burst)
		s.limiters[source] = l
	}
	return l
}

func (s *Service) drop(reason string) {
	s.statsMu.Lock()
	s.dropped[reason]++
	s.statsMu.Unlock()
	s.metrics.WriterDropped(reason)
}

// workerLoop returns true when the queue was closed and drained.
func (s *Service) workerLoop(ctx context.Context, q <-chan Record) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case r, ok := <-q:
			if !ok {
				return true
			}
			s.deliver(ctx, r)
		}
	}
}

func (s *Service) deliver(ctx context.Context, r Record) {
	s.mu.Lock()
	sinks := s.sinks
	s.mu.Unlock()

	for _, sk := range sinks {
		err := sk.write(ctx, r)
		s.metrics.WriterRecord(sk.name(), err == nil)
		s.statsMu.Lock()
		st := s.sinkStats[sk.name()]
		if err != nil {
			st.Failed++
		} else {
			st.Written++
		}
		s.statsMu.Unlock()
		if err != nil {
			s.log.Warn("writer sink failed", logx.String("sink", sk.name()), logx.String("source", r.Source), logx.Err(err))
		}
	}
	if r.Level == LevelError {
		s.statsMu.Lock()
		rc := r
		s.lastError = &rc
		s.statsMu.Unlock()
	}
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.accepting}
	if s.queue != nil {
		st.Queued, st.QueueCap = len(s.queue), cap(s.queue)
	}
	s.mu.Unlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st.Accepted = s.accepted
	st.Dropped = make(map[string]uint64, len(s.dropped))
	for k, v := range s.dropped {
		st.Dropped[k] = v
	}
	for _, ss := range s.sinkStats {
		st.Sinks = append(st.Sinks, *ss)
	}
	sort.Slice(st.Sinks, func(i, j int) bool { return st.Sinks[i].Name < st.Sinks[j].Name })
	if s.lastError != nil {
		le := *s.lastError
		st.LastError = &le
	}
	return st
}
