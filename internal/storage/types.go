package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// failureKeep bounds the failure log held by the memory and file backends.
const failureKeep = 1000

// Config configures storage.
//
// Driver values:
//   - "memory" (default): process lifetime only
//   - "file": JSON-lines journal plus snapshot
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// FailureRecord is one entry of the failure log.
type FailureRecord struct {
	At      time.Time `json:"at"`
	Source  string    `json:"source"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error

	// SetAdd and SetRemove report whether the set changed.
	SetAdd(ctx context.Context, set, member string) (bool, error)
	SetRemove(ctx context.Context, set, member string) (bool, error)
	SetHas(ctx context.Context, set, member string) (bool, error)
	// SetMembers returns the members sorted.
	SetMembers(ctx context.Context, set string) ([]string, error)

	AppendFailure(ctx context.Context, rec FailureRecord) error
	// RecentFailures returns up to limit records, newest first.
	RecentFailures(ctx context.Context, limit int) ([]FailureRecord, error)

	Close() error
}
