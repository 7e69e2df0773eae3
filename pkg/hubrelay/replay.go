package hubrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/randalmurphal/hubrelay/pkg/hubrelay/eventlog"
)

// Loaded is a record rebuilt from the event log.
type Loaded struct {
	Record ConnectionRecord

	// Sequence is the last event folded into Record.
	Sequence int64

	// SnapshotSequence is the sequence of the snapshot replay started from,
	// zero when there was none.
	SnapshotSequence int64

	// Replayed counts the events applied on top of the snapshot.
	Replayed int
}

// LoadRecord rebuilds a connection's record from its latest snapshot and
// the events after it. A connection with no history loads as the zero
// record.
func LoadRecord(ctx context.Context, store eventlog.Store, connectionID string) (Loaded, error) {
	var out Loaded

	snap, err := store.LoadSnapshot(ctx, connectionID)
	switch {
	case err == nil:
		if err := json.Unmarshal(snap.Data, &out.Record); err != nil {
			return Loaded{}, fmt.Errorf("decode snapshot: %w", err)
		}
		out.Sequence = snap.Sequence
		out.SnapshotSequence = snap.Sequence
	case errors.Is(err, eventlog.ErrNotFound):
	default:
		return Loaded{}, fmt.Errorf("load snapshot: %w", err)
	}

	records, err := store.Replay(ctx, connectionID, out.Sequence)
	if err != nil {
		return Loaded{}, fmt.Errorf("replay: %w", err)
	}
	for _, r := range records {
		ev, err := DecodeEvent(r.Kind, r.Data)
		if err != nil {
			return Loaded{}, fmt.Errorf("event %d: %w", r.Sequence, err)
		}
		out.Record = Apply(out.Record, ev)
		out.Sequence = r.Sequence
	}
	out.Replayed = len(records)
	return out, nil
}
