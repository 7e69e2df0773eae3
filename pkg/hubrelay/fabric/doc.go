// Package fabric provides the pub/sub substrate connection actors route
// through.
//
// # Overview
//
// Three topic families are used: server-down (keyed by server ID),
// client-down (keyed by connection ID) and server-inbound (keyed by server
// ID). Delivery is at-least-once to current subscribers with no ordering
// guarantee across topics.
//
// A subscription is identified by a Handle, a plain descriptor carrying the
// topic and the consumer identity that created it. Handles outlive the
// in-memory handler: a host shutting down detaches its handlers, and the
// next activation enumerates its handles and resumes them with a fresh
// handler. Messages that arrive while a subscription is detached are held
// and delivered on resume.
//
// Handler errors are redelivered with backoff up to the attempt limit,
// except errors marked permanent with errors.Permanent, which go straight
// to OnError.
//
// # Implementations
//
//   - LocalFabric: in-process fan-out with per-subscription queues
//   - NATSFabric: NATS core subjects with an in-process handle registry
//
// # Usage
//
//	fab := fabric.NewLocalFabric(fabric.DefaultConfig)
//	defer fab.Close()
//
//	h, _ := fab.Subscribe(ctx, fabric.ServerDown(serverID), "conn/c1", handler)
//	_ = fab.Publish(ctx, fabric.ServerDown(serverID), serverID.String())
//
//	// after reactivation
//	handles, _ := fab.Handles(ctx, fabric.ServerDown(serverID), "conn/c1")
//	_, _ = fab.Resume(ctx, handles[0], handler)
package fabric
