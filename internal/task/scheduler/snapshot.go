package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:        s.state,
		Timezone:     s.cfg.Location.String(),
		PollInterval: s.cfg.PollInterval,
		RegisteredAt: s.registeredAt,
		TickingAt:    s.tickingAt,
		Polls:        s.polls.Load(),
		Cancelled:    make([]string, 0, len(s.cancelled)),
		Entries:      make([]EntryStatus, 0, len(s.entries)),
	}
	for id := range s.cancelled {
		snap.Cancelled = append(snap.Cancelled, id)
	}
	sort.Strings(snap.Cancelled)

	for _, e := range s.entries {
		st := EntryStatus{
			ID:        e.ID,
			BindingID: e.BindingID,
			Plugin:    e.plugin,
			Method:    e.method,
			Kind:      e.Spec.Kind,
			Trigger:   e.Spec.String(),
			Spec:      e.Spec,
			Fired:     e.fired,
			Failures:  e.failures,
			LastError: e.lastErr,
			Cancelled: s.isCancelledLocked(e),
		}
		if e.scheduled && !st.Cancelled {
			next := e.next
			st.Next = &next
		}
		if !e.lastFired.IsZero() {
			lf := e.lastFired
			st.LastFired = &lf
		}
		snap.Entries = append(snap.Entries, st)
	}
	return snap
}
