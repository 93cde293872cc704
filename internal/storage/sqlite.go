package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "warden/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// sqliteFailureKeep bounds the failures table; older rows are pruned.
const sqliteFailureKeep = 10000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	appends    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite away from SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE bucket = ? AND key = ?`, bucket, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.wrap(err)
	}
	return v, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(bucket, key, value) VALUES(?,?,?)
		 ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value`,
		bucket, key, value,
	)
	return s.wrap(err)
}

func (s *sqliteStore) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE bucket = ? AND key = ?`, bucket, key)
	return s.wrap(err)
}

func (s *sqliteStore) SetAdd(ctx context.Context, set, member string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO sets(name, member) VALUES(?,?)`, set, member)
	return affected(res, s.wrap(err))
}

func (s *sqliteStore) SetRemove(ctx context.Context, set, member string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sets WHERE name = ? AND member = ?`, set, member)
	return affected(res, s.wrap(err))
}

func (s *sqliteStore) SetHas(ctx context.Context, set, member string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sets WHERE name = ? AND member = ?`, set, member).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap(err)
	}
	return true, nil
}

func (s *sqliteStore) SetMembers(ctx context.Context, set string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member FROM sets WHERE name = ? ORDER BY member`, set)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendFailure(ctx context.Context, rec FailureRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failures(at, source, level, message) VALUES(?,?,?,?)`,
		rec.At.UTC().Format(time.RFC3339Nano), rec.Source, rec.Level, rec.Message,
	)
	if err == nil && s.appends.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneFailures(pctx); perr != nil {
			s.log.Debug("failure log prune failed", logx.Err(perr))
		}
		cancel()
	}
	return s.wrap(err)
}

func (s *sqliteStore) RecentFailures(ctx context.Context, limit int) ([]FailureRecord, error) {
	if limit <= 0 || limit > sqliteFailureKeep {
		limit = sqliteFailureKeep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, source, level, message FROM failures ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()
	var out []FailureRecord
	for rows.Next() {
		var (
			rec FailureRecord
			at  string
		)
		if err := rows.Scan(&at, &rec.Source, &rec.Level, &rec.Message); err != nil {
			return nil, err
		}
		rec.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneFailures(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM failures WHERE id <= (SELECT MAX(id) FROM failures) - ?`, sqliteFailureKeep)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// wrap maps the database/sql closed error onto ErrClosed.
func (s *sqliteStore) wrap(err error) error {
	if err != nil && strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	return err
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
