// Package eventlog provides the durable, append-only event log that
// connection actors rebuild their state from.
//
// Each actor owns one stream keyed by its connection ID. Records carry a
// per-stream sequence number starting at 1 and are replayed in that order.
// A snapshot stores the materialized state as of some sequence so replay
// can skip the prefix it covers.
package eventlog

import (
	"context"
	"errors"
	"time"
)

// Store persists event streams. Append must not return before the record
// is durable. Implementations must be safe for concurrent use.
type Store interface {
	// Append adds a record to the end of a stream and returns its sequence.
	Append(ctx context.Context, stream, kind string, data []byte) (int64, error)

	// Replay returns the records of a stream with sequence > afterSeq,
	// ordered by sequence. Returns an empty slice (not error) for an
	// unknown stream.
	Replay(ctx context.Context, stream string, afterSeq int64) ([]Record, error)

	// SaveSnapshot stores the materialized state of a stream as of seq.
	// Overwrites any previous snapshot for the stream.
	SaveSnapshot(ctx context.Context, stream string, seq int64, data []byte) error

	// LoadSnapshot returns the latest snapshot.
	// Returns ErrNotFound if the stream has none.
	LoadSnapshot(ctx context.Context, stream string) (Snapshot, error)

	// Streams lists every stream that has at least one record.
	Streams(ctx context.Context) ([]string, error)

	// DeleteStream removes a stream's records and snapshot.
	// Returns nil if the stream doesn't exist.
	DeleteStream(ctx context.Context, stream string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Record is one committed event.
type Record struct {
	Stream    string
	Sequence  int64
	Kind      string
	Data      []byte
	Timestamp time.Time
}

// Snapshot is the materialized state of a stream at Sequence.
type Snapshot struct {
	Stream    string
	Sequence  int64
	Data      []byte
	Timestamp time.Time
}

// Sentinel errors for event log operations.
var (
	// ErrNotFound indicates a snapshot doesn't exist.
	ErrNotFound = errors.New("snapshot not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event log closed")

	// ErrStreamRequired indicates an empty stream name.
	ErrStreamRequired = errors.New("stream name required")
)
