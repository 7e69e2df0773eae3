package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists event streams to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite event log.
// The path should be a file path (e.g., "./hubrelay.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and
	// serializes writers, so sequence assignment never races.
	db.SetMaxOpenConns(1)

	stmts := []struct {
		op  string
		sql string
	}{
		{"enable WAL mode", `PRAGMA journal_mode=WAL`},
		{"set synchronous", `PRAGMA synchronous=FULL`},
		{"create events table", `
			CREATE TABLE IF NOT EXISTS events (
				stream TEXT NOT NULL,
				sequence INTEGER NOT NULL,
				kind TEXT NOT NULL,
				timestamp TEXT NOT NULL,
				data BLOB,
				PRIMARY KEY (stream, sequence)
			)
		`},
		{"create snapshots table", `
			CREATE TABLE IF NOT EXISTS snapshots (
				stream TEXT PRIMARY KEY,
				sequence INTEGER NOT NULL,
				timestamp TEXT NOT NULL,
				data BLOB
			)
		`},
	}
	for _, s := range stmts {
		if _, err := db.Exec(s.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", s.op, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, stream, kind string, data []byte) (int64, error) {
	if stream == "" {
		return 0, ErrStreamRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE stream = ?
	`, stream).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (stream, sequence, kind, timestamp, data)
		VALUES (?, ?, ?, ?, ?)
	`, stream, seq, kind, time.Now().UTC().Format(time.RFC3339Nano), data); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit event: %w", err)
	}
	return seq, nil
}

// Replay implements Store.
func (s *SQLiteStore) Replay(ctx context.Context, stream string, afterSeq int64) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, kind, timestamp, data
		FROM events
		WHERE stream = ? AND sequence > ?
		ORDER BY sequence
	`, stream, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	defer rows.Close()

	recs := make([]Record, 0)
	for rows.Next() {
		rec := Record{Stream: stream}
		var timestamp string
		if err := rows.Scan(&rec.Sequence, &rec.Kind, &timestamp, &rec.Data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return recs, nil
}

// SaveSnapshot implements Store.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, stream string, seq int64, data []byte) error {
	if stream == "" {
		return ErrStreamRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (stream, sequence, timestamp, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stream) DO UPDATE SET
			sequence = excluded.sequence,
			timestamp = excluded.timestamp,
			data = excluded.data
	`, stream, seq, time.Now().UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot implements Store.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, stream string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Snapshot{}, ErrStoreClosed
	}

	snap := Snapshot{Stream: stream}
	var timestamp string
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence, timestamp, data FROM snapshots WHERE stream = ?
	`, stream).Scan(&snap.Sequence, &timestamp, &snap.Data)

	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	snap.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	return snap, nil
}

// Streams implements Store.
func (s *SQLiteStore) Streams(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT stream FROM events ORDER BY stream`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}
	return names, nil
}

// DeleteStream implements Store.
func (s *SQLiteStore) DeleteStream(ctx context.Context, stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE stream = ?`, stream); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE stream = ?`, stream); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
