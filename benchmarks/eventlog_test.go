package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/randalmurphal/hubrelay/pkg/hubrelay"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/eventlog"
)

func setServerIDData(b *testing.B) []byte {
	b.Helper()
	data, err := json.Marshal(hubrelay.SetServerID{ServerID: uuid.New()})
	if err != nil {
		b.Fatal(err)
	}
	return data
}

// BenchmarkMemoryStore_Append measures in-memory event append.
func BenchmarkMemoryStore_Append(b *testing.B) {
	store := eventlog.NewMemoryStore()
	data := setServerIDData(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Append(ctx, "c1", hubrelay.KindSetServerID, data)
	}
}

// BenchmarkSQLiteStore_Append measures durable event append.
func BenchmarkSQLiteStore_Append(b *testing.B) {
	store, cleanup := createSQLiteStore(b)
	defer cleanup()

	data := setServerIDData(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Append(ctx, fmt.Sprintf("conn-%d", i%100), hubrelay.KindSetServerID, data)
	}
}

// BenchmarkLoadRecord measures activation replay with and without a
// snapshot covering the history.
func BenchmarkLoadRecord(b *testing.B) {
	for _, tc := range []struct {
		name     string
		snapshot bool
	}{
		{"replay_64", false},
		{"snapshot", true},
	} {
		b.Run(tc.name, func(b *testing.B) {
			store, cleanup := createSQLiteStore(b)
			defer cleanup()

			ctx := context.Background()
			data := setServerIDData(b)
			var seq int64
			for i := 0; i < 64; i++ {
				var err error
				if seq, err = store.Append(ctx, "c1", hubrelay.KindSetServerID, data); err != nil {
					b.Fatal(err)
				}
			}
			if tc.snapshot {
				loaded, err := hubrelay.LoadRecord(ctx, store, "c1")
				if err != nil {
					b.Fatal(err)
				}
				rec, _ := json.Marshal(loaded.Record)
				if err := store.SaveSnapshot(ctx, "c1", seq, rec); err != nil {
					b.Fatal(err)
				}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, _ = hubrelay.LoadRecord(ctx, store, "c1")
			}
		})
	}
}

func createSQLiteStore(b *testing.B) (*eventlog.SQLiteStore, func()) {
	b.Helper()
	f, err := os.CreateTemp("", "bench-*.db")
	if err != nil {
		b.Fatal(err)
	}
	path := f.Name()
	f.Close()

	store, err := eventlog.NewSQLiteStore(path)
	if err != nil {
		b.Fatal(err)
	}

	return store, func() {
		store.Close()
		os.Remove(path)
	}
}
