// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"message-relay/internal/model"
)

// SQLiteStore serializes every operation on a single connection.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore opens the database file at path, creating its directory.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "./data/relay.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at DESC, id DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, text string) (int64, error) {
	m, err := s.AppendMessage(ctx, text)
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, text string) (*model.Message, error) {
	defer observe("append", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Truncate(time.Microsecond)
	res, err := s.db.ExecContext(ctx, `INSERT INTO messages (text, created_at) VALUES (?, ?)`, text, now)
	if err != nil {
		return nil, storeErr("append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr("append", err)
	}
	return &model.Message{ID: id, Text: text, CreatedAt: now}, nil
}

func (s *SQLiteStore) Latest(ctx context.Context) (*model.Message, error) {
	defer observe("latest", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	var m model.Message
	err := s.db.QueryRowContext(ctx, `
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

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*model.Message, error) {
	defer observe("get", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	var m model.Message
	err := s.db.QueryRowContext(ctx, `SELECT id, text, created_at FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.Text, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("get", err)
	}
	return &m, nil
}

func (s *SQLiteStore) List(ctx context.Context, afterID int64, limit int) ([]model.Message, int64, error) {
	defer observe("list", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, created_at
		FROM messages
		WHERE id > ?
		ORDER BY id
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, 0, storeErr("list", err)
	}
	defer rows.Close()

	return scanPage(rows, limit)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storeErr("ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
