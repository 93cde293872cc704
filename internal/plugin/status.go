package plugin

import "time"

// Status is the operational view of one plugin.
type Status struct {
	Name     string    `json:"name"`
	Enabled  bool      `json:"enabled"`
	State    string    `json:"state"`
	Error    string    `json:"error,omitempty"`
	Meta     *Meta     `json:"meta,omitempty"`
	Bindings []string  `json:"bindings,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
	LoadedAt time.Time `json:"loaded_at,omitzero"`
}

func (s *Status) clone() Status {
	out := *s
	out.Bindings = append([]string(nil), s.Bindings...)
	out.Warnings = append([]string(nil), s.Warnings...)
	if s.Meta != nil {
		m := *s.Meta
		out.Meta = &m
	}
	return out
}
