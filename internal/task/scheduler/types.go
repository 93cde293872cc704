package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/internal/task/engine"
	"warden/internal/task/trigger"
)

type State int32

const (
	StateInit State = iota
	StateStartup
	StateTicking
	StateShutdown
	StateStopped
)

var stateNames = []string{"INIT", "STARTUP", "TICKING", "SHUTDOWN", "STOPPED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config tunes the orchestrator. Zero values get defaults in New.
type Config struct {
	// PollInterval is the tick cadence; firings happen at most one interval late.
	PollInterval time.Duration
	// Location evaluates daily and cron specs. nil means time.Local.
	Location *time.Location
	// ShutdownTimeout puts a deadline on the context of shutdown units.
	// Units are still awaited; 0 means no deadline.
	ShutdownTimeout time.Duration
}

const DefaultPollInterval = 250 * time.Millisecond

// Dispatcher runs a batch and returns once every unit completed.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch string, units []engine.Unit) []engine.Outcome
}

var (
	ErrNotStarted       = errors.New("scheduler not started")
	ErrDuplicateBinding = errors.New("duplicate binding")

	ErrUnknownEntry   = errors.New("unknown schedule entry")
	ErrNotTimeDriven  = errors.New("entry is not time-driven")
	ErrEntryCancelled = errors.New("entry is cancelled")
	ErrDuplicateSpec  = errors.New("binding already has this trigger")
	ErrNotRunning     = errors.New("scheduler is not running")
)

// LifecycleViolation means the state machine itself is broken. It is raised
// with panic.
type LifecycleViolation struct {
	Op    string
	State State
	Want  State
}

func (e *LifecycleViolation) Error() string {
	return fmt.Sprintf("scheduler lifecycle violation: %s in state %s (want %s)", e.Op, e.State, e.Want)
}

// PhaseEvent is published on every transition.
type PhaseEvent struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// CancelEvent is published when an identity enters the cancellation registry.
type CancelEvent struct {
	ID    string `json:"id"`
	Known bool   `json:"known"`
}

// RescheduleEvent is published when an entry gets a new spec.
type RescheduleEvent struct {
	ID   string       `json:"id"`
	From trigger.Spec `json:"from"`
	To   trigger.Spec `json:"to"`
}

type entry struct {
	trigger.Entry
	plugin string
	method string
	run    trigger.Func

	next      time.Time
	scheduled bool

	fired     uint64
	failures  uint64
	lastFired time.Time
	lastErr   string
	lastWarn  time.Time
}

func (e *entry) unit(due time.Time) engine.Unit {
	return engine.Unit{
		EntryID:   e.ID,
		BindingID: e.BindingID,
		Plugin:    e.plugin,
		Kind:      e.Spec.Kind,
		Due:       due,
		Run:       e.run,
	}
}

// EntryStatus is the status view of one schedule entry.
type EntryStatus struct {
	ID        string       `json:"id"`
	BindingID string       `json:"binding_id"`
	Plugin    string       `json:"plugin"`
	Method    string       `json:"method"`
	Kind      trigger.Kind `json:"kind"`
	Trigger   string       `json:"trigger"`
	Spec      trigger.Spec `json:"spec"`
	Next      *time.Time   `json:"next,omitempty"`
	Fired     uint64       `json:"fired"`
	Failures  uint64       `json:"failures"`
	LastFired *time.Time   `json:"last_fired,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Cancelled bool         `json:"cancelled"`
}

type Snapshot struct {
	State        State         `json:"state"`
	Timezone     string        `json:"timezone"`
	PollInterval time.Duration `json:"poll_interval"`
	RegisteredAt time.Time     `json:"registered_at"`
	TickingAt    time.Time     `json:"ticking_at"`
	Polls        uint64        `json:"polls"`
	Cancelled    []string      `json:"cancelled"`
	Entries      []EntryStatus `json:"entries"`
}

// ForPlugin filters entries of one plugin.
func (s Snapshot) ForPlugin(name string) []EntryStatus {
	out := []EntryStatus{}
	for _, e := range s.Entries {
		if strings.EqualFold(e.Plugin, name) {
			out = append(out, e)
		}
	}
	return out
}
