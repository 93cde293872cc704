package engine

import (
	"context"
	"sync"
	"time"

	"warden/internal/task/trigger"
)

// Config controls unit execution. The zero value runs every unit once, with
// no timeout, allowing overlapping runs of the same entry.
type Config struct {
	// Timeout bounds a unit through its context. Units that ignore ctx are
	// never killed. 0 disables it.
	Timeout time.Duration

	Overlap OverlapPolicy

	// RetryMax retries a failed unit inside the same dispatch. Only the final
	// failure is reported.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	HistorySize int
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

func ParseOverlap(s string) OverlapPolicy {
	if s == "skip" || s == "skip_if_running" {
		return OverlapSkipIfRunning
	}
	return OverlapAllow
}

func (p OverlapPolicy) String() string {
	if p == OverlapSkipIfRunning {
		return "skip_if_running"
	}
	return "allow"
}

// Reporter receives every isolated execution failure exactly once.
// Implementations must not block materially.
type Reporter interface {
	ReportError(id string, err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(id string, err error)

func (f ReporterFunc) ReportError(id string, err error) { f(id, err) }

// Unit is one due schedule entry handed to Dispatch.
type Unit struct {
	EntryID   string
	BindingID string
	Plugin    string
	Kind      trigger.Kind
	Due       time.Time
	Run       trigger.Func
}

// Outcome is the result of one unit.
type Outcome struct {
	EntryID   string        `json:"entry_id"`
	BindingID string        `json:"binding_id"`
	Kind      trigger.Kind  `json:"kind"`
	Due       time.Time     `json:"due"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
	Skipped   bool          `json:"skipped,omitempty"`
	Err       error         `json:"-"`
}

func (o Outcome) Failed() bool { return o.Err != nil && !o.Skipped }

type HistoryItem struct {
	Batch    string        `json:"batch"`
	EntryID  string        `json:"entry_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
}

// UnitEvent is published on the bus for dispatch lifecycle events.
type UnitEvent struct {
	Batch     string        `json:"batch"`
	EntryID   string        `json:"entry_id"`
	BindingID string        `json:"binding_id"`
	Kind      trigger.Kind  `json:"kind"`
	Due       time.Time     `json:"due"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type Snapshot struct {
	Timeout  time.Duration `json:"timeout"`
	Overlap  string        `json:"overlap"`
	RetryMax int           `json:"retry_max"`
	InFlight int64         `json:"in_flight"`
	Batches  uint64        `json:"batches"`
	Units    uint64        `json:"units"`
	Failures uint64        `json:"failures"`
	Skipped  uint64        `json:"skipped"`
	History  []HistoryItem `json:"history"`
}

// runState tracks in-flight runs per entry for OverlapSkipIfRunning.
type runState struct {
	mu       sync.Mutex
	inflight map[string]int
}

func (s *runState) tryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] > 0 {
		return false
	}
	s.inflight[id]++
	return true
}

func (s *runState) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] <= 1 {
		delete(s.inflight, id)
		return
	}
	s.inflight[id]--
}

// unitKey is used to pass the running unit to plugin code through ctx.
type unitKey struct{}

// UnitFromContext returns the unit a dispatched function is running as.
func UnitFromContext(ctx context.Context) (Unit, bool) {
	u, ok := ctx.Value(unitKey{}).(Unit)
	return u, ok
}
