package plugin

import (
	"context"
	"encoding/json"

	"warden/internal/eventbus"
	"warden/internal/storage"
	"warden/internal/task/trigger"
	logx "warden/pkg/logx"
)

// Plugin is a unit of defensive tooling. Init runs once before the scheduler
// starts; Triggers is read once after a successful Init.
type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Triggers() []trigger.Declaration
}

// Describer exposes plugin metadata for status output.
type Describer interface {
	Describe() Meta
}

// Defaulter provides the default config the user config is merged onto.
type Defaulter interface {
	DefaultConfig() json.RawMessage
}

// Closer is called once after the scheduler has stopped.
type Closer interface {
	Close(ctx context.Context) error
}

type Meta struct {
	Name        string `json:"name"`
	Author      string `json:"author,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Writer is the reporting port plugins use for findings.
type Writer interface {
	Alert(source, msg string) error
	Info(source, msg string) error
}

// Scheduler is the slice of the orchestrator plugins may drive.
type Scheduler interface {
	Cancel(id string) bool
	FireEvent(name string) int
	Reschedule(entryID string, spec trigger.Spec) error
}

// Deps is what a plugin receives in Init. Config is the merged plugin config.
type Deps struct {
	Log       logx.Logger
	Config    json.RawMessage
	Store     storage.Store
	Writer    Writer
	Bus       eventbus.Bus
	Scheduler Scheduler
}
