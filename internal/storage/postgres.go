// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"message-relay/internal/model"
)

// PostgresStore shares a bounded database/sql pool between the consumer's
// writes and the API's reads.
type PostgresStore struct {
	DB *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string, maxOpenConns int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return &PostgresStore{DB: db}, nil
}

// EnsureSchema creates the messages table if not exists
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS messages_created_at_idx ON messages (created_at DESC, id DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, text string) (int64, error) {
	m, err := s.AppendMessage(ctx, text)
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

// AppendMessage inserts a message and returns the stored row
func (s *PostgresStore) AppendMessage(ctx context.Context, text string) (*model.Message, error) {
	defer observe("append", time.Now())

	m := &model.Message{Text: text}
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO messages (text, created_at)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, text, time.Now().UTC().Truncate(time.Microsecond)).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, storeErr("append", err)
	}
	return m, nil
}

func (s *PostgresStore) Latest(ctx context.Context) (*model.Message, error) {
	defer observe("latest", time.Now())

	var m model.Message
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, text, created_at
		FROM messages
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`).Scan(&m.ID, &m.Text, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("latest", err)
	}
	return &m, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*model.Message, error) {
	defer observe("get", time.Now())

	var m model.Message
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, text, created_at
		FROM messages
		WHERE id = $1
	`, id).Scan(&m.ID, &m.Text, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("get", err)
	}
	return &m, nil
}

// List retrieves messages using keyset pagination
func (s *PostgresStore) List(ctx context.Context, afterID int64, limit int) ([]model.Message, int64, error) {
	defer observe("list", time.Now())

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, text, created_at
		FROM messages
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, 0, storeErr("list", err)
	}
	defer rows.Close()

	return scanPage(rows, limit)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return storeErr("ping", s.DB.PingContext(ctx))
}

func (s *PostgresStore) Close() error {
	return s.DB.Close()
}

func scanPage(rows *sql.Rows, limit int) ([]model.Message, int64, error) {
	var messages []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.Text, &m.CreatedAt); err != nil {
			return nil, 0, storeErr("list", fmt.Errorf("scan failed: %w", err))
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storeErr("list", err)
	}

	var next int64
	if limit > 0 && len(messages) == limit {
		next = messages[len(messages)-1].ID
	}
	return messages, next, nil
}
