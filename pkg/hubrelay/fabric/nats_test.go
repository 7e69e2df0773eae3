package fabric_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hrerrors "github.com/randalmurphal/hubrelay/pkg/hubrelay/errors"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/fabric"
)

// runNATS starts an embedded NATS server and returns its client URL.
func runNATS(t *testing.T) string {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)

	return ns.ClientURL()
}

func dialTestNATS(t *testing.T) *fabric.NATSFabric {
	t.Helper()

	url := runNATS(t)
	fab, err := fabric.DialNATS(context.Background(), fabric.NATSConfig{
		URL:          url,
		Name:         t.Name(),
		ConnectRetry: &hrerrors.NoRetry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fab.Close() })
	return fab
}

func TestNATSFabric_PublishSubscribe(t *testing.T) {
	fab := dialTestNATS(t)
	ctx := context.Background()
	serverID := uuid.New()

	var rec recorder
	h, err := fab.Subscribe(ctx, fabric.ServerDown(serverID), "conn/c1", rec.handle)
	require.NoError(t, err)
	assert.Equal(t, fabric.ServerDown(serverID), h.Topic)

	require.NoError(t, fab.Publish(ctx, fabric.ServerDown(serverID), serverID.String()))
	require.NoError(t, fab.Flush(ctx))

	require.Eventually(t, func() bool { return rec.len() == 1 }, waitFor, tick)

	rec.mu.Lock()
	msg := rec.msgs[0]
	rec.mu.Unlock()

	assert.Equal(t, fabric.ServerDown(serverID), msg.Topic)
	assert.NotEmpty(t, msg.ID)

	got, err := fabric.DecodePayload[uuid.UUID](msg)
	require.NoError(t, err)
	assert.Equal(t, serverID, got)
}

func TestNATSFabric_KeysWithSubjectCharacters(t *testing.T) {
	fab := dialTestNATS(t)
	ctx := context.Background()

	dotted := fabric.ClientDown("tenant.a>b c")
	plain := fabric.ClientDown("tenant")

	var dottedRec, plainRec recorder
	_, err := fab.Subscribe(ctx, dotted, "w", dottedRec.handle)
	require.NoError(t, err)
	_, err = fab.Subscribe(ctx, plain, "w", plainRec.handle)
	require.NoError(t, err)

	assert.NotContains(t, fab.Subject(dotted)[len("hubrelay.client-down."):], ".")

	require.NoError(t, fab.Publish(ctx, dotted, "x"))
	require.NoError(t, fab.Flush(ctx))

	require.Eventually(t, func() bool { return dottedRec.len() == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, plainRec.len())
}

func TestNATSFabric_DetachHoldsUntilResume(t *testing.T) {
	fab := dialTestNATS(t)
	ctx := context.Background()
	topic := fabric.ServerDown(uuid.New())

	var first recorder
	h, err := fab.Subscribe(ctx, topic, "conn/c1", first.handle)
	require.NoError(t, err)
	require.NoError(t, fab.Detach(ctx, h))

	require.NoError(t, fab.Publish(ctx, topic, "held"))
	require.NoError(t, fab.Flush(ctx))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, first.len())

	handles, err := fab.Handles(ctx, topic, "conn/c1")
	require.NoError(t, err)
	require.Len(t, handles, 1)

	var second recorder
	_, err = fab.Resume(ctx, handles[0], second.handle)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return second.len() == 1 }, waitFor, tick)
	got, err := fabric.DecodePayload[string](second.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "held", got)
}

func TestNATSFabric_UnsubscribeStopsDelivery(t *testing.T) {
	fab := dialTestNATS(t)
	ctx := context.Background()
	topic := fabric.ClientDown("c1")

	var calls atomic.Int32
	h, err := fab.Subscribe(ctx, topic, "w", func(context.Context, fabric.Message) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, fab.Unsubscribe(ctx, h))
	assert.ErrorIs(t, fab.Unsubscribe(ctx, h), fabric.ErrUnknownHandle)

	require.NoError(t, fab.Publish(ctx, topic, "c1"))
	require.NoError(t, fab.Flush(ctx))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestNATSFabric_Close(t *testing.T) {
	fab := dialTestNATS(t)
	ctx := context.Background()

	require.NoError(t, fab.Close())
	require.NoError(t, fab.Close())

	assert.ErrorIs(t, fab.Publish(ctx, fabric.ClientDown("c1"), "x"), fabric.ErrClosed)
	_, err := fab.Subscribe(ctx, fabric.ClientDown("c1"), "w", nil)
	assert.ErrorIs(t, err, fabric.ErrClosed)
}

func TestDialNATS_Unreachable(t *testing.T) {
	_, err := fabric.DialNATS(context.Background(), fabric.NATSConfig{
		URL:          "nats://127.0.0.1:1",
		ConnectRetry: &hrerrors.NoRetry,
	})
	assert.Error(t, err)
}
