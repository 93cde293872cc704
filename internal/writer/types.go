package writer

import (
	"errors"
	"time"
)

var (
	ErrQueueFull = errors.New("writer queue full")
	ErrStopped   = errors.New("writer stopped")
	ErrLimited   = errors.New("writer rate limited")
)

const (
	LevelError = "error"
	LevelAlert = "alert"
	LevelInfo  = "info"

	SinkLog   = "log"
	SinkStore = "store"
	SinkBus   = "bus"
)

// Config controls queueing and delivery.
//
// Defaults (when zero):
//   - QueueSize: 256
//   - RatePerSec: unlimited
//   - Burst: max(1, RatePerSec)
//   - Sinks: ["log"]
type Config struct {
	QueueSize  int
	RatePerSec float64
	Burst      int
	Sinks      []string
}

// Record is one delivered report.
type Record struct {
	At      time.Time `json:"at"`
	Source  string    `json:"source"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

type SinkStatus struct {
	Name    string `json:"name"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
}

type Status struct {
	Running   bool              `json:"running"`
	Queued    int               `json:"queued"`
	QueueCap  int               `json:"queue_cap"`
	Accepted  uint64            `json:"accepted"`
	Dropped   map[string]uint64 `json:"dropped"`
	Sinks     []SinkStatus      `json:"sinks"`
	LastError *Record           `json:"last_error,omitempty"`
}
