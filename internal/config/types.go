package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration. Durations are Go duration strings
// ("250ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig              `json:"logging"`
	Scheduler  SchedulerConfig            `json:"scheduler"`
	Dispatcher DispatcherConfig           `json:"dispatcher"`
	Writer     WriterConfig               `json:"writer"`
	Storage    StorageConfig              `json:"storage"`
	HTTP       HTTPConfig                 `json:"http"`
	Plugins    map[string]PluginConfigRaw `json:"plugins"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile configures the rotating file sink.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// SchedulerConfig controls the lifecycle orchestrator.
//
// Defaults:
//   - poll_interval: "250ms"
//   - timezone: local
//   - shutdown_timeout: "0s" (no deadline on the shutdown batch)
type SchedulerConfig struct {
	PollInterval    string `json:"poll_interval,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// DispatcherConfig controls how units run once fired.
//
// Defaults:
//   - timeout: "0s" (disabled)
//   - overlap: "allow"
//   - history_size: 200
//   - retry_max: 0
type DispatcherConfig struct {
	Timeout       string `json:"timeout,omitempty"`
	Overlap       string `json:"overlap,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// WriterConfig controls the error/alert writer.
//
// Sinks is a subset of "log", "store" and "bus". Empty means ["log"].
type WriterConfig struct {
	QueueSize  int      `json:"queue_size,omitempty"`
	RatePerSec float64  `json:"rate_per_sec,omitempty"`
	Burst      int      `json:"burst,omitempty"`
	Sinks      []string `json:"sinks,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./warden.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // memory (default), file, sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// HTTPConfig controls the status server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9180").
//   - A non-loopback address requires a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON rejects unknown keys next to enabled/config.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
