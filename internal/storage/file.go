package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "warden/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps the state in memory and persists it as:
//   - <prefix>.snapshot.json     (compacted kv and sets)
//   - <prefix>.journal.jsonl     (mutations since the snapshot)
//   - <prefix>.failures.jsonl    (append-only failure log)
//
// The journal is folded into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.RWMutex
	st *state

	snapshotPath string
	journal      *os.File
	failures     *os.File
	writes       int
}

type journalOp struct {
	Op     string `json:"op"` // put, del, sadd, srem
	Bucket string `json:"b"`
	Key    string `json:"k"`
	Value  []byte `json:"v,omitempty"`
}

type snapshot struct {
	KV   map[string]map[string][]byte `json:"kv"`
	Sets map[string][]string          `json:"sets"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := newState()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	failuresPath := prefix + ".failures.jsonl"

	if err := loadSnapshot(snapPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable; starting from journal", logx.Err(err))
	}
	replayed, err := replayJournal(journalPath, st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := loadFailures(failuresPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	ff, err := os.OpenFile(failuresPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("replayed", replayed))
	return &fileStore{
		log:          log,
		st:           st,
		snapshotPath: snapPath,
		journal:      jf,
		failures:     ff,
		writes:       replayed,
	}, nil
}

func (s *fileStore) Get(_ context.Context, bucket, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.journal == nil {
		return nil, false, ErrClosed
	}
	v, ok := s.st.get(bucket, key)
	return v, ok, nil
}

func (s *fileStore) Put(_ context.Context, bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalOp{Op: "put", Bucket: bucket, Key: key, Value: value}); err != nil {
		return err
	}
	s.st.put(bucket, key, value)
	return nil
}

func (s *fileStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.st.kv[bucket][key]; !ok {
		return nil
	}
	if err := s.appendLocked(journalOp{Op: "del", Bucket: bucket, Key: key}); err != nil {
		return err
	}
	s.st.del(bucket, key)
	return nil
}

func (s *fileStore) SetAdd(_ context.Context, set, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	if s.st.setHas(set, member) {
		return false, nil
	}
	if err := s.appendLocked(journalOp{Op: "sadd", Bucket: set, Key: member}); err != nil {
		return false, err
	}
	return s.st.setAdd(set, member), nil
}

func (s *fileStore) SetRemove(_ context.Context, set, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	if !s.st.setHas(set, member) {
		return false, nil
	}
	if err := s.appendLocked(journalOp{Op: "srem", Bucket: set, Key: member}); err != nil {
		return false, err
	}
	return s.st.setRemove(set, member), nil
}

func (s *fileStore) SetHas(_ context.Context, set, member string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	return s.st.setHas(set, member), nil
}

func (s *fileStore) SetMembers(_ context.Context, set string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.st.members(set), nil
}

func (s *fileStore) AppendFailure(_ context.Context, rec FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.failures).Encode(rec); err != nil {
		return err
	}
	s.st.appendFailure(rec)
	return nil
}

func (s *fileStore) RecentFailures(_ context.Context, limit int) ([]FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failures == nil {
		return nil, ErrClosed
	}
	return s.st.recent(limit), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	errC := s.compactLocked()
	errJ := s.journal.Close()
	errF := s.failures.Close()
	s.journal, s.failures = nil, nil
	return errors.Join(errC, errJ, errF)
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the snapshot atomically and truncates the journal.
func (s *fileStore) compactLocked() error {
	snap := snapshot{KV: s.st.kv, Sets: map[string][]string{}}
	for name := range s.st.sets {
		snap.Sets[name] = s.st.members(name)
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, st *state) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for b, kv := range snap.KV {
		for k, v := range kv {
			st.put(b, k, v)
		}
	}
	for name, members := range snap.Sets {
		for _, m := range members {
			st.setAdd(name, m)
		}
	}
	return nil
}

// replayJournal applies journal records in order. A torn last line from a
// crash is skipped.
func replayJournal(path string, st *state) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			continue
		}
		switch op.Op {
		case "put":
			st.put(op.Bucket, op.Key, op.Value)
		case "del":
			st.del(op.Bucket, op.Key)
		case "sadd":
			st.setAdd(op.Bucket, op.Key)
		case "srem":
			st.setRemove(op.Bucket, op.Key)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}

func loadFailures(path string, st *state) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec FailureRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		st.appendFailure(rec)
	}
	return sc.Err()
}
