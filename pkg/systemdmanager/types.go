// Package systemdmanager reads unit state over D-Bus and speaks the sd_notify
// protocol to the service manager that started the process.
package systemdmanager

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")
	ErrClosed      = errors.New("systemdmanager: connection is closed")
)

// UnitStatus is the state of one unit. Timestamps are zero when unknown.
type UnitStatus struct {
	Name        string    `json:"name"`
	Active      string    `json:"active"`    // active, inactive, failed, ...
	SubState    string    `json:"sub_state"` // running, dead, ...
	LoadState   string    `json:"load_state"`
	Description string    `json:"description,omitempty"`
	ActiveSince time.Time `json:"active_since,omitzero"`
	StateChange time.Time `json:"state_change,omitzero"`
}

// Running reports whether the unit is active.
func (s UnitStatus) Running() bool { return s.Active == "active" }

// Missing reports whether systemd does not know the unit.
func (s UnitStatus) Missing() bool { return s.LoadState == "not-found" }

func notFound(name string) *UnitStatus {
	return &UnitStatus{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

// UnitName appends ".service" to bare names ("sshd" -> "sshd.service").
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "socket", "timer", "target", "mount", "path", "slice", "scope":
			return name
		}
	}
	return name + ".service"
}

// parseTimestamp reads a systemd timestamp property (microseconds since epoch).
func parseTimestamp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
