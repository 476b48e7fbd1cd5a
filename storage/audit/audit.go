// Package audit persists committed sale events and the gateway request log
// in SQLite.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"tokensale/core/events"
	"tokensale/core/types"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("audit: store closed")

// Store is the SQLite audit database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu     sync.Mutex
	closed bool
}

// StoredEvent is one persisted sale event.
type StoredEvent struct {
	ID         int64             `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// RequestEntry is one gateway request.
type RequestEntry struct {
	RequestID string
	Caller    string
	Method    string
	Path      string
	Status    int
	Code      string
	Duration  time.Duration
	Timestamp time.Time
}

// Open opens (and migrates) the audit database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = slog.Default()
	}
	store := &Store{db: db, logger: logger, nowFn: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            attributes TEXT NOT NULL,
            recorded_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_type ON events(type);`,
		`CREATE TABLE IF NOT EXISTS request_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            request_id TEXT NOT NULL,
            caller TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            status INTEGER NOT NULL,
            code TEXT,
            duration_ms INTEGER NOT NULL,
            occurred_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// InsertEvent persists evt and returns its sequence id.
func (s *Store) InsertEvent(ctx context.Context, evt *types.Event) (int64, error) {
	if evt == nil {
		return 0, errors.New("audit: nil event")
	}
	if s.isClosed() {
		return 0, ErrClosed
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return 0, err
	}
	const stmt = `INSERT INTO events(type, attributes, recorded_at) VALUES (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, evt.Type, string(payload), s.nowFn().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Emit implements events.Emitter. Failures are logged; the sale state has
// already been committed when events are emitted.
func (s *Store) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok {
		return
	}
	if _, err := s.InsertEvent(context.Background(), payload.Event()); err != nil {
		s.logger.Error("audit: persist event failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// ListEvents returns up to limit events with an id greater than afterID,
// oldest first. An empty eventType matches every type.
func (s *Store) ListEvents(ctx context.Context, afterID int64, eventType string, limit int) ([]StoredEvent, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := `SELECT id, type, attributes, recorded_at FROM events WHERE id > ?`
	args := []any{afterID}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]StoredEvent, 0)
	for rows.Next() {
		var (
			evt   StoredEvent
			attrs string
		)
		if err := rows.Scan(&evt.ID, &evt.Type, &attrs, &evt.RecordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attrs), &evt.Attributes); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// RecordRequest appends entry to the request log.
func (s *Store) RecordRequest(ctx context.Context, entry RequestEntry) error {
	if s.isClosed() {
		return ErrClosed
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.nowFn()
	}
	const stmt = `INSERT INTO request_log(request_id, caller, method, path, status, code, duration_ms, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		entry.RequestID,
		entry.Caller,
		entry.Method,
		entry.Path,
		entry.Status,
		entry.Code,
		entry.Duration.Milliseconds(),
		entry.Timestamp.UTC(),
	)
	return err
}

// CountRequests returns the number of logged requests for caller. An empty
// caller counts every request.
func (s *Store) CountRequests(ctx context.Context, caller string) (int64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	query := `SELECT COUNT(*) FROM request_log`
	args := []any{}
	if caller != "" {
		query += ` WHERE caller = ?`
		args = append(args, caller)
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

var _ events.Emitter = (*Store)(nil)
