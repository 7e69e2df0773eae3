package benchmarks

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/randalmurphal/hubrelay/pkg/hubrelay"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/eventlog"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/fabric"
)

func newBenchHost(b *testing.B, opts ...hubrelay.HostOption) (*hubrelay.Host, *fabric.LocalFabric) {
	b.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fab := fabric.NewLocalFabric(fabric.Config{Logger: logger, BufferSize: 4096, NonBlocking: true})
	host := hubrelay.NewHost(eventlog.NewMemoryStore(), fab, append([]hubrelay.HostOption{hubrelay.WithLogger(logger)}, opts...)...)
	b.Cleanup(func() {
		_ = host.Close(context.Background())
		_ = fab.Close()
	})
	return host, fab
}

// BenchmarkSend_Connected measures a routed send through a Ref.
func BenchmarkSend_Connected(b *testing.B) {
	host, _ := newBenchHost(b)
	ctx := context.Background()

	conn := host.Ref("c1")
	if err := conn.Configure(ctx, hubrelay.WithHubName("chatHub"), hubrelay.WithConnectionID("c1")); err != nil {
		b.Fatal(err)
	}
	if err := conn.OnConnect(ctx, uuid.New()); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = conn.Send(ctx, "hello")
	}
}

// BenchmarkSend_ConnectedParallel measures routed sends to one connection
// from many goroutines.
func BenchmarkSend_ConnectedParallel(b *testing.B) {
	host, _ := newBenchHost(b)
	ctx := context.Background()

	conn := host.Ref("c1")
	if err := conn.Configure(ctx, hubrelay.WithHubName("chatHub")); err != nil {
		b.Fatal(err)
	}
	if err := conn.OnConnect(ctx, uuid.New()); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = conn.Send(ctx, "hello")
		}
	})
}

// BenchmarkSend_Dropped measures a send to a disconnected connection.
// The limit is set high enough that the threshold never fires.
func BenchmarkSend_Dropped(b *testing.B) {
	host, _ := newBenchHost(b, hubrelay.WithMaxFailAttempts(1<<30))
	ctx := context.Background()

	conn := host.Ref("c1")
	if err := conn.Configure(ctx, hubrelay.WithHubName("chatHub")); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = conn.Send(ctx, "hello")
	}
}

// BenchmarkActivation measures cold activation of distinct connections
// with a small activation table, so most iterations also passivate.
func BenchmarkActivation(b *testing.B) {
	host, _ := newBenchHost(b, hubrelay.WithMaxActivations(64))
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = host.Ref(uuid.NewString()).State(ctx)
	}
}
