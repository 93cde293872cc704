package storage

import (
	"context"
	"sort"
	"sync"
)

// state is the in-memory image shared by the memory and file backends.
// Callers hold the owning mutex.
type state struct {
	kv       map[string]map[string][]byte
	sets     map[string]map[string]struct{}
	failures []FailureRecord // oldest first; trimmed to failureKeep lazily
}

func newState() *state {
	return &state{kv: map[string]map[string][]byte{}, sets: map[string]map[string]struct{}{}}
}

func (st *state) get(bucket, key string) ([]byte, bool) {
	v, ok := st.kv[bucket][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (st *state) put(bucket, key string, value []byte) {
	b := st.kv[bucket]
	if b == nil {
		b = map[string][]byte{}
		st.kv[bucket] = b
	}
	b[key] = append([]byte(nil), value...)
}

func (st *state) del(bucket, key string) {
	b := st.kv[bucket]
	delete(b, key)
	if len(b) == 0 {
		delete(st.kv, bucket)
	}
}

func (st *state) setAdd(set, member string) bool {
	s := st.sets[set]
	if s == nil {
		s = map[string]struct{}{}
		st.sets[set] = s
	}
	if _, ok := s[member]; ok {
		return false
	}
	s[member] = struct{}{}
	return true
}

func (st *state) setRemove(set, member string) bool {
	s := st.sets[set]
	if _, ok := s[member]; !ok {
		return false
	}
	delete(s, member)
	if len(s) == 0 {
		delete(st.sets, set)
	}
	return true
}

func (st *state) setHas(set, member string) bool {
	_, ok := st.sets[set][member]
	return ok
}

func (st *state) members(set string) []string {
	s := st.sets[set]
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (st *state) appendFailure(rec FailureRecord) {
	st.failures = append(st.failures, rec)
	if n := len(st.failures); n > 2*failureKeep {
		st.failures = append([]FailureRecord(nil), st.failures[n-failureKeep:]...)
	}
}

func (st *state) recent(limit int) []FailureRecord {
	n := len(st.failures)
	if limit <= 0 || limit > failureKeep {
		limit = failureKeep
	}
	limit = min(limit, n)
	out := make([]FailureRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, st.failures[i])
	}
	return out
}

// memoryStore keeps everything for the process lifetime.
type memoryStore struct {
	mu     sync.RWMutex
	st     *state
	closed bool
}

func NewMemory() Store { return &memoryStore{st: newState()} }

func (m *memoryStore) Get(_ context.Context, bucket, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.st.get(bucket, key)
	return v, ok, nil
}

func (m *memoryStore) Put(_ context.Context, bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.st.put(bucket, key, value)
	return nil
}

func (m *memoryStore) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.st.del(bucket, key)
	return nil
}

func (m *memoryStore) SetAdd(_ context.Context, set, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	return m.st.setAdd(set, member), nil
}

func (m *memoryStore) SetRemove(_ context.Context, set, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	return m.st.setRemove(set, member), nil
}

func (m *memoryStore) SetHas(_ context.Context, set, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	return m.st.setHas(set, member), nil
}

func (m *memoryStore) SetMembers(_ context.Context, set string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.st.members(set), nil
}

func (m *memoryStore) AppendFailure(_ context.Context, rec FailureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.st.appendFailure(rec)
	return nil
}

func (m *memoryStore) RecentFailures(_ context.Context, limit int) ([]FailureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.st.recent(limit), nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
