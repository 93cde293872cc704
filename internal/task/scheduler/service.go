package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"warden/internal/eventbus"
	"warden/internal/metrics"
	"warden/internal/runtime/supervisor"
	"warden/internal/task/clock"
	"warden/internal/task/engine"
	"warden/internal/task/trigger"
	logx "warden/pkg/logx"
)

type Deps struct {
	Log        logx.Logger
	Bus        eventbus.Bus
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Dispatcher Dispatcher
}

// Service is the lifecycle orchestrator. It is the only writer of the phase,
// the entry table and the cancellation registry; all three are guarded by mu.
type Service struct {
	cfg        Config
	log        logx.Logger
	bus        eventbus.Bus
	metrics    *metrics.Metrics
	clock      clock.Clock
	calc       *clock.Engine
	dispatcher Dispatcher

	mu           sync.Mutex
	state        State
	entries      []*entry
	byID         map[string]*entry
	bindings     map[string][]*entry
	cancelled    map[string]struct{}
	registeredAt time.Time
	tickingAt    time.Time

	// runCtx is the parent of every unit context. It keeps the values of the
	// Start context but not its cancellation.
	runCtx context.Context
	sup    *supervisor.Supervisor

	inflight sync.WaitGroup
	polls    atomic.Uint64
	started  chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, deps Deps) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = engine.New(engine.Config{}, engine.Deps{Log: deps.Log, Bus: deps.Bus, Metrics: deps.Metrics})
	}
	s := &Service{
		cfg:        cfg,
		log:        deps.Log,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		calc:       clock.NewEngine(cfg.Location),
		dispatcher: deps.Dispatcher,
		byID:       map[string]*entry{},
		bindings:   map[string][]*entry{},
		cancelled:  map[string]struct{}{},
		runCtx:     context.Background(),
		started:    make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	s.metrics.SetPhase(StateInit.String(), stateNames)
	return s
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the scheduler reached STOPPED.
func (s *Service) Done() <-chan struct{} { return s.stopped }

// Start registers bindings, runs the startup batch to completion and enters
// TICKING. Failing startup units are reported, never fatal. Calling Start
// twice panics with a *LifecycleViolation.
func (s *Service) Start(ctx context.Context, bindings []trigger.Binding) error {
	s.mu.Lock()
	if s.state != StateInit {
		st := s.state
		s.mu.Unlock()
		panic(&LifecycleViolation{Op: "start", State: st, Want: StateInit})
	}
	seen := map[string]bool{}
	for _, b := range bindings {
		if seen[b.ID] {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateBinding, b.ID)
		}
		seen[b.ID] = true
	}

	s.runCtx = context.WithoutCancel(ctx)
	s.sup = supervisor.New(s.runCtx, supervisor.WithLogger(s.log))
	s.transitionLocked(StateStartup)
	now := s.clock.Now()
	s.registeredAt = now
	for _, b := range bindings {
		for _, te := range b.Entries {
			e := &entry{Entry: te, plugin: b.Plugin, method: b.Method, run: b.Run}
			if te.Spec.Kind != trigger.KindDelay {
				e.next, e.scheduled = s.calc.First(te.Spec, now)
			}
			s.entries = append(s.entries, e)
			s.byID[e.ID] = e
			s.bindings[b.ID] = append(s.bindings[b.ID], e)
		}
	}
	s.metrics.SetEntries(len(s.entries))
	units := s.collectPhaseLocked(trigger.KindStartup, StateStartup)
	s.mu.Unlock()

	s.log.Info("startup batch", logx.Int("bindings", len(bindings)), logx.Int("units", len(units)))
	s.runBatch(s.runCtx, "startup", units)

	s.mu.Lock()
	s.assertLocked("enter ticking", StateStartup)
	s.tickingAt = s.clock.Now()
	for _, e := range s.entries {
		if e.Spec.Kind == trigger.KindDelay {
			e.next, e.scheduled = s.calc.First(e.Spec, s.tickingAt)
		}
	}
	s.transitionLocked(StateTicking)
	s.mu.Unlock()
	close(s.started)

	s.sup.Go("scheduler.tick", s.loop)
	s.log.Info("ticking", logx.Duration("poll", s.cfg.PollInterval), logx.String("tz", s.cfg.Location.String()))
	return nil
}

// Stop ends ticking, waits for in-flight batches, runs the shutdown batch and
// enters STOPPED. It blocks until STOPPED or until ctx is done; in the latter
// case shutdown continues in the background and Done() reports completion.
// Stop before Start returns ErrNotStarted. Repeated calls are safe.
func (s *Service) Stop(ctx context.Context) error {
	if s.State() == StateInit {
		return ErrNotStarted
	}
	s.stopOnce.Do(func() { go s.shutdown() })
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) shutdown() {
	<-s.started
	start := time.Now()

	s.mu.Lock()
	s.assertLocked("stop", StateTicking)
	s.transitionLocked(StateShutdown)
	s.mu.Unlock()

	_ = s.sup.Stop(context.Background())
	s.inflight.Wait()

	s.mu.Lock()
	units := s.collectPhaseLocked(trigger.KindShutdown, StateShutdown)
	s.mu.Unlock()

	ctx := s.runCtx
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	s.log.Info("shutdown batch", logx.Int("units", len(units)))
	s.runBatch(ctx, "shutdown", units)

	s.mu.Lock()
	s.transitionLocked(StateStopped)
	s.mu.Unlock()
	close(s.stopped)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Cancel permanently suppresses future firings of a binding or entry identity.
// A run already dispatched is not interrupted. It reports whether id named a
// registered binding or entry.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, isEntry := s.byID[id]
	_, isBinding := s.bindings[id]
	known := isEntry || isBinding
	if _, ok := s.cancelled[id]; ok {
		return known
	}
	s.cancelled[id] = struct{}{}
	s.metrics.IncCancelled()
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerCancel, Data: CancelEvent{ID: id, Known: known}})
	s.log.Info("binding cancelled", logx.String("id", id), logx.Bool("known", known), logx.String("state", s.state.String()))
	return known
}

// FireEvent dispatches every non-cancelled entry bound to the named event as
// one batch, without waiting for it. It only fires while TICKING and returns
// the number of units dispatched.
func (s *Service) FireEvent(name string) int {
	s.mu.Lock()
	if s.state != StateTicking {
		s.mu.Unlock()
		return 0
	}
	now := s.clock.Now()
	var units []engine.Unit
	for _, e := range s.entries {
		if e.Spec.Kind != trigger.KindEvent || e.Spec.Event != name || s.isCancelledLocked(e) {
			continue
		}
		e.fired++
		e.lastFired = now
		units = append(units, e.unit(now))
	}
	if len(units) == 0 {
		s.mu.Unlock()
		return 0
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		s.runBatch(s.runCtx, "event:"+name, units)
	}()
	return len(units)
}

// Reschedule replaces the spec of a time-driven entry and computes its next
// due time from now. A delay fires After past now, or past the start of
// ticking when moved during STARTUP. Phase and event entries cannot be
// moved and a cancelled entry stays cancelled.
func (s *Service) Reschedule(id string, spec trigger.Spec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("reschedule %s: %w", id, err)
	}
	if !spec.Kind.TimeDriven() {
		return fmt.Errorf("%w: %s", ErrNotTimeDriven, spec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStartup && s.state != StateTicking {
		return fmt.Errorf("%w: reschedule in %s", ErrNotRunning, s.state)
	}
	e := s.byID[id]
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	if !e.Spec.Kind.TimeDriven() {
		return fmt.Errorf("%w: %s fires %s", ErrNotTimeDriven, id, e.Spec)
	}
	if s.isCancelledLocked(e) {
		return fmt.Errorf("%w: %s", ErrEntryCancelled, id)
	}
	for _, o := range s.bindings[e.BindingID] {
		if o != e && o.Spec == spec {
			return fmt.Errorf("%w: %s already fires %s", ErrDuplicateSpec, o.ID, spec)
		}
	}

	from := e.Spec
	e.Spec = spec
	now := s.clock.Now()
	if spec.Kind == trigger.KindDelay && s.state == StateStartup {
		// Armed when ticking begins.
		e.next, e.scheduled = time.Time{}, false
	} else {
		e.next, e.scheduled = s.calc.First(spec, now)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerReschedule, Data: RescheduleEvent{ID: id, From: from, To: spec}})
	s.log.Info("entry rescheduled", logx.String("entry", id), logx.String("from", from.String()), logx.String("to", spec.String()), logx.Time("next", e.next))
	return nil
}

// collectPhaseLocked returns the startup or shutdown units. Each fires once.
func (s *Service) collectPhaseLocked(kind trigger.Kind, want State) []engine.Unit {
	s.assertLocked("dispatch "+string(kind), want)
	now := s.clock.Now()
	var units []engine.Unit
	for _, e := range s.entries {
		if e.Spec.Kind != kind || s.isCancelledLocked(e) {
			continue
		}
		e.fired++
		e.lastFired = now
		units = append(units, e.unit(now))
	}
	return units
}

func (s *Service) runBatch(ctx context.Context, batch string, units []engine.Unit) {
	if len(units) == 0 {
		return
	}
	out := s.dispatcher.Dispatch(ctx, batch, units)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range out {
		e := s.byID[o.EntryID]
		if e == nil || o.Skipped {
			continue
		}
		if o.Failed() {
			e.failures++
			e.lastErr = o.Err.Error()
		} else {
			e.lastErr = ""
		}
	}
}

func (s *Service) isCancelledLocked(e *entry) bool {
	if _, ok := s.cancelled[e.ID]; ok {
		return true
	}
	_, ok := s.cancelled[e.BindingID]
	return ok
}

func (s *Service) assertLocked(op string, want State) {
	if s.state != want {
		panic(&LifecycleViolation{Op: op, State: s.state, Want: want})
	}
}

func (s *Service) transitionLocked(to State) {
	from := s.state
	if to != from+1 {
		panic(&LifecycleViolation{Op: "transition to " + to.String(), State: from, Want: to - 1})
	}
	s.state = to
	s.metrics.SetPhase(to.String(), stateNames)
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerPhase, Data: PhaseEvent{From: from, To: to}})
	s.log.Debug("phase transition", logx.String("from", from.String()), logx.String("to", to.String()))
}
