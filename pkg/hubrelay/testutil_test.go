package hubrelay_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/randalmurphal/hubrelay/pkg/hubrelay"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/eventlog"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/fabric"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/observability"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recordingMetrics captures the metrics the tests assert on.
type recordingMetrics struct {
	observability.NoopMetrics

	mu          sync.Mutex
	disconnects []string
	activations []bool
	routed      int
	dropped     int
	errors      int
}

func (m *recordingMetrics) RecordDisconnect(_ context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, reason)
}

func (m *recordingMetrics) RecordActivation(_ context.Context, resumed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activations = append(m.activations, resumed)
}

func (m *recordingMetrics) RecordSendRouted(context.Context, string, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routed++
}

func (m *recordingMetrics) RecordSendDropped(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *recordingMetrics) RecordSendError(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

func (m *recordingMetrics) Disconnects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.disconnects...)
}

func (m *recordingMetrics) Activations() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.activations...)
}

func (m *recordingMetrics) Counts() (routed, dropped, errs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routed, m.dropped, m.errors
}

// failingFabric injects publish and subscribe failures into a LocalFabric.
type failingFabric struct {
	*fabric.LocalFabric

	subscribeErr error
	publishErr   map[fabric.Family]error
}

func (f *failingFabric) Subscribe(ctx context.Context, topic fabric.Topic, consumer string, h fabric.Handler) (fabric.Handle, error) {
	if f.subscribeErr != nil {
		return fabric.Handle{}, f.subscribeErr
	}
	return f.LocalFabric.Subscribe(ctx, topic, consumer, h)
}

func (f *failingFabric) Publish(ctx context.Context, topic fabric.Topic, payload any, opts ...fabric.PublishOption) error {
	if err := f.publishErr[topic.Family]; err != nil {
		return err
	}
	return f.LocalFabric.Publish(ctx, topic, payload, opts...)
}

// inbox collects messages delivered on one topic.
type inbox struct {
	mu   sync.Mutex
	msgs []fabric.Message
}

func (in *inbox) handle(_ context.Context, msg fabric.Message) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, msg)
	return nil
}

func (in *inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}

func (in *inbox) Messages() []fabric.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]fabric.Message(nil), in.msgs...)
}

func watch(t *testing.T, fab fabric.Fabric, topic fabric.Topic) *inbox {
	t.Helper()
	in := &inbox{}
	_, err := fab.Subscribe(context.Background(), topic, "test/watcher", in.handle)
	require.NoError(t, err)
	return in
}

type testEnv struct {
	host    *hubrelay.Host
	store   eventlog.Store
	fab     *fabric.LocalFabric
	metrics *recordingMetrics
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv builds a host over a memory store and a local fabric.
func newTestEnv(t *testing.T, opts ...hubrelay.HostOption) *testEnv {
	t.Helper()
	return newTestEnvWith(t, eventlog.NewMemoryStore(), nil, opts...)
}

// newTestEnvWith builds a host over the given store. A nil fab uses a
// fresh LocalFabric; a non-nil one must wrap env.fab.
func newTestEnvWith(t *testing.T, store eventlog.Store, wrap func(*fabric.LocalFabric) fabric.Fabric, opts ...hubrelay.HostOption) *testEnv {
	t.Helper()

	local := fabric.NewLocalFabric(fabric.Config{Logger: discardLogger()})
	var fab fabric.Fabric = local
	if wrap != nil {
		fab = wrap(local)
	}

	metrics := &recordingMetrics{}
	all := append([]hubrelay.HostOption{
		hubrelay.WithLogger(discardLogger()),
		hubrelay.WithMetrics(metrics),
	}, opts...)

	host := hubrelay.NewHost(store, fab, all...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = host.Close(ctx)
		_ = local.Close()
		_ = store.Close()
	})

	return &testEnv{host: host, store: store, fab: local, metrics: metrics}
}

// configure creates a configured, disconnected connection.
func (e *testEnv) configure(t *testing.T, id, hub string) *hubrelay.Ref {
	t.Helper()
	ref := e.host.Ref(id)
	require.NoError(t, ref.Configure(context.Background(),
		hubrelay.WithHubName(hub),
		hubrelay.WithConnectionID(id),
	))
	return ref
}

func (e *testEnv) live(t *testing.T, id string) *hubrelay.Actor {
	t.Helper()
	a, ok := e.host.Lookup(id)
	require.True(t, ok, "expected live actor for %s", id)
	return a
}

// recordingSpans captures span and event names.
type recordingSpans struct {
	mu     sync.Mutex
	ops    []string
	events []string
}

func (s *recordingSpans) StartActorSpan(ctx context.Context, op, _ string) (context.Context, trace.Span) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return ctx, noop.Span{}
}

func (s *recordingSpans) EndSpanWithError(trace.Span, error) {}

func (s *recordingSpans) AddSpanEvent(_ context.Context, name string, _ ...attribute.KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, name)
}

func (s *recordingSpans) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *recordingSpans) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}
