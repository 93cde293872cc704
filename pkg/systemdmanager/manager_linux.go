//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager is a read-only view of systemd units over the system bus.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

func New(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// Status looks up one unit. Unknown units are reported as not-found, not as
// an error.
func (m *Manager) Status(ctx context.Context, unit string) (*UnitStatus, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return nil, ErrClosed
	}
	name := UnitName(unit)

	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{name})
	if err == nil && len(units) > 0 {
		u := units[0]
		for _, x := range units {
			if x.Name == name {
				u = x
				break
			}
		}
		if u.LoadState == "not-found" {
			return notFound(name), nil
		}
		st := &UnitStatus{
			Name:        name,
			Active:      u.ActiveState,
			SubState:    u.SubState,
			LoadState:   u.LoadState,
			Description: u.Description,
		}
		if props, perr := conn.GetUnitPropertiesContext(ctx, name); perr == nil {
			st.ActiveSince = parseTimestamp(props, "ActiveEnterTimestamp")
			st.StateChange = parseTimestamp(props, "StateChangeTimestamp")
		}
		return st, nil
	}

	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound(name), nil
		}
		return nil, fmt.Errorf("status of %s: %w", name, err)
	}
	if stringProp(props, "LoadState") == "not-found" {
		return notFound(name), nil
	}
	return &UnitStatus{
		Name:        name,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
		ActiveSince: parseTimestamp(props, "ActiveEnterTimestamp"),
		StateChange: parseTimestamp(props, "StateChangeTimestamp"),
	}, nil
}
