// internal/storage/store.go
package storage

import (
	"context"
	"fmt"
	"time"

	"message-relay/internal/metrics"
	"message-relay/internal/model"
)

// Store is the persistence contract of the pipeline. Implementations are
// safe for concurrent use: any number of Append calls racing with Latest
// produce distinct ids and never share a connection unguarded.
type Store interface {
	// Append stores text stamped with the current time and returns its id.
	Append(ctx context.Context, text string) (int64, error)
	// Latest returns the record with the greatest created_at, ties broken by
	// the greatest id. It returns nil, nil when nothing is stored.
	Latest(ctx context.Context) (*model.Message, error)
	// Get returns the record with the given id, or nil, nil if there is none.
	Get(ctx context.Context, id int64) (*model.Message, error)
	// List returns up to limit records with id > afterID in id order and the
	// cursor for the next page, zero when there is none.
	List(ctx context.Context, afterID int64, limit int) ([]model.Message, int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend is a Store that can also return the full record it appended.
type Backend interface {
	Store
	AppendMessage(ctx context.Context, text string) (*model.Message, error)
	EnsureSchema(ctx context.Context) error
}

// StoreError reports a failed store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Open connects to the configured backend and ensures its schema exists.
func Open(ctx context.Context, driver, dsn string, maxOpenConns int) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch driver {
	case "postgres":
		b, err = NewPostgresStore(ctx, dsn, maxOpenConns)
	case "sqlite":
		b, err = NewSQLiteStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := b.EnsureSchema(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}
