package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory event log for testing and single-process use.
// Data is lost when the process exits.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string][]Record
	snapshots map[string]Snapshot
	closed    bool

	// failAppend, when set, is returned by Append instead of committing.
	failAppend error
}

// NewMemoryStore creates a new in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]Record),
		snapshots: make(map[string]Snapshot),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, stream, kind string, data []byte) (int64, error) {
	if stream == "" {
		return 0, ErrStreamRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	if m.failAppend != nil {
		return 0, m.failAppend
	}

	recs := m.streams[stream]
	seq := int64(len(recs)) + 1
	if n := len(recs); n > 0 {
		seq = recs[n-1].Sequence + 1
	}

	m.streams[stream] = append(recs, Record{
		Stream:    stream,
		Sequence:  seq,
		Kind:      kind,
		Data:      cloneBytes(data),
		Timestamp: time.Now().UTC(),
	})
	return seq, nil
}

// Replay implements Store.
func (m *MemoryStore) Replay(_ context.Context, stream string, afterSeq int64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	recs := m.streams[stream]
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if r.Sequence <= afterSeq {
			continue
		}
		r.Data = cloneBytes(r.Data)
		out = append(out, r)
	}
	return out, nil
}

// SaveSnapshot implements Store.
func (m *MemoryStore) SaveSnapshot(_ context.Context, stream string, seq int64, data []byte) error {
	if stream == "" {
		return ErrStreamRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	m.snapshots[stream] = Snapshot{
		Stream:    stream,
		Sequence:  seq,
		Data:      cloneBytes(data),
		Timestamp: time.Now().UTC(),
	}
	return nil
}

// LoadSnapshot implements Store.
func (m *MemoryStore) LoadSnapshot(_ context.Context, stream string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Snapshot{}, ErrStoreClosed
	}

	snap, ok := m.snapshots[stream]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap.Data = cloneBytes(snap.Data)
	return snap, nil
}

// Streams implements Store.
func (m *MemoryStore) Streams(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	names := make([]string, 0, len(m.streams))
	for name, recs := range m.streams {
		if len(recs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteStream implements Store.
func (m *MemoryStore) DeleteStream(_ context.Context, stream string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.streams, stream)
	delete(m.snapshots, stream)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.streams = nil
	m.snapshots = nil
	return nil
}

// FailAppends makes every subsequent Append return err until it is called
// again with nil. Useful for exercising persistence failures in tests.
func (m *MemoryStore) FailAppends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAppend = err
}

// Len returns the total number of records across all streams.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, recs := range m.streams {
		count += len(recs)
	}
	return count
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
