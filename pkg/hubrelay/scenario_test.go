package hubrelay_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/hubrelay/pkg/hubrelay"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/eventlog"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/fabric"
)

func stores() map[string]func(t *testing.T) eventlog.Store {
	return map[string]func(t *testing.T) eventlog.Store{
		"memory": func(*testing.T) eventlog.Store { return eventlog.NewMemoryStore() },
		"sqlite": func(t *testing.T) eventlog.Store {
			s, err := eventlog.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
			require.NoError(t, err)
			return s
		},
	}
}

// A connection goes through its whole life: configured, connected,
// relaying, bounced by its server going down, reconnected elsewhere and
// finally dropped for sending into the void.
func TestScenario_ConnectionLifecycle(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			env := newTestEnvWith(t, open(t), nil)
			ctx := context.Background()
			s1, s2 := uuid.New(), uuid.New()

			inbound1 := watch(t, env.fab, fabric.ServerInbound(s1))
			inbound2 := watch(t, env.fab, fabric.ServerInbound(s2))
			clientDown := watch(t, env.fab, fabric.ClientDown("c1"))

			conn := env.configure(t, "c1", "chatHub")
			require.NoError(t, conn.OnConnect(ctx, s1))
			require.NoError(t, conn.Send(ctx, "one"))
			conn.SendOneWay(ctx, "two")
			require.Eventually(t, func() bool { return inbound1.Len() == 2 }, waitFor, tick)

			// Server s1 dies.
			require.NoError(t, env.fab.Publish(ctx, fabric.ServerDown(s1), s1))
			require.Eventually(t, func() bool { return len(env.metrics.Disconnects()) == 1 }, waitFor, tick)
			require.Eventually(t, func() bool { return clientDown.Len() == 1 }, waitFor, tick)

			state, err := conn.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, hubrelay.StateDisconnected, state)

			// The client reconnects through s2; channel info was kept.
			require.NoError(t, conn.OnConnect(ctx, s2))
			require.NoError(t, conn.Send(ctx, "three"))
			require.Eventually(t, func() bool { return inbound2.Len() == 1 }, waitFor, tick)
			msg, err := fabric.DecodePayload[hubrelay.Envelope](inbound2.Messages()[0])
			require.NoError(t, err)
			assert.Equal(t, "chatHub", msg.HubName)
			assert.Equal(t, "three", msg.Message)

			// The client goes away without telling anyone.
			require.NoError(t, conn.OnDisconnect(ctx, "transport-closed"))
			for i := 0; i < hubrelay.DefaultMaxFailAttempts; i++ {
				require.NoError(t, conn.Send(ctx, "void"))
			}
			require.Eventually(t, func() bool { return clientDown.Len() == 3 }, waitFor, tick)

			assert.Equal(t, []string{
				hubrelay.ReasonServerDisconnected,
				"transport-closed",
				hubrelay.ReasonAttemptsLimitReached,
			}, env.metrics.Disconnects())
			assert.Equal(t, 2, inbound1.Len())
			assert.Equal(t, 1, inbound2.Len())

			desc, err := conn.Describe(ctx)
			require.NoError(t, err)
			assert.Equal(t, "chatHub:c1", desc)
			assert.Equal(t, 3, env.fab.SubscriptionCount(), "only the watchers remain subscribed")
		})
	}
}

// A second host over the same log and fabric picks up where the first left
// off, including the server-down subscription.
func TestScenario_HostRestart(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			t.Cleanup(func() { _ = store.Close() })
			fab := fabric.NewLocalFabric(fabric.Config{Logger: discardLogger()})
			t.Cleanup(func() { _ = fab.Close() })

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			serverID := uuid.New()

			first := hubrelay.NewHost(store, fab, hubrelay.WithLogger(discardLogger()))
			conn := first.Ref("c1")
			require.NoError(t, conn.Configure(ctx, hubrelay.WithHubName("chatHub"), hubrelay.WithConnectionID("c1")))
			require.NoError(t, conn.OnConnect(ctx, serverID))
			require.NoError(t, first.Close(ctx))

			metrics := &recordingMetrics{}
			second := hubrelay.NewHost(store, fab,
				hubrelay.WithLogger(discardLogger()),
				hubrelay.WithMetrics(metrics),
			)
			t.Cleanup(func() { _ = second.Close(context.Background()) })

			conn = second.Ref("c1")
			require.NoError(t, conn.Send(ctx, "hello"))
			assert.Equal(t, 1, fab.PublishCount(fabric.ServerInbound(serverID)))
			assert.Equal(t, []bool{true}, metrics.Activations())

			require.NoError(t, fab.Publish(ctx, fabric.ServerDown(serverID), serverID))
			require.Eventually(t, func() bool { return len(metrics.Disconnects()) == 1 }, waitFor, tick)
		})
	}
}

// With a fresh fabric nothing can be resumed; the host recreates the
// subscription when asked to.
func TestScenario_RestartWithFreshFabric(t *testing.T) {
	store := eventlog.NewMemoryStore()
	ctx := context.Background()
	serverID := uuid.New()

	oldFab := fabric.NewLocalFabric(fabric.Config{Logger: discardLogger()})
	first := hubrelay.NewHost(store, oldFab, hubrelay.WithLogger(discardLogger()))
	conn := first.Ref("c1")
	require.NoError(t, conn.Configure(ctx, hubrelay.WithHubName("chatHub"), hubrelay.WithConnectionID("c1")))
	require.NoError(t, conn.OnConnect(ctx, serverID))
	require.NoError(t, first.Close(ctx))
	require.NoError(t, oldFab.Close())

	env := newTestEnvWith(t, store, nil, hubrelay.WithResubscribeOnActivate(true))
	state, err := env.host.Ref("c1").State(ctx)
	require.NoError(t, err)
	assert.Equal(t, hubrelay.StateConnected, state)
	assert.Equal(t, []bool{false}, env.metrics.Activations())

	require.NoError(t, env.fab.Publish(ctx, fabric.ServerDown(serverID), serverID))
	require.Eventually(t, func() bool { return len(env.metrics.Disconnects()) == 1 }, waitFor, tick)
}
