package hubrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"

	"github.com/randalmurphal/hubrelay/pkg/hubrelay/eventlog"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/fabric"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/observability"
)

// Disconnect reasons used by the actor itself.
const (
	ReasonServerDisconnected   = "server-disconnected"
	ReasonAttemptsLimitReached = "attempts-limit-reached"
	reasonUnspecified          = "unspecified"
)

// State is the derived lifecycle state of an actor instance.
type State int

const (
	// StateUnconfigured means no channel info has been recorded.
	StateUnconfigured State = iota
	// StateDisconnected means configured with no server.
	StateDisconnected
	// StateConnected means a server is believed to hold the transport.
	StateConnected
	// StateDeactivated means this instance was torn down or passivated.
	StateDeactivated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateDeactivated:
		return "deactivated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Actor is the in-memory instance of one connection. Actors are created and
// addressed through a Host; use Host.Ref rather than holding an Actor.
//
// Configure, OnConnect, OnDisconnect and activation run one at a time under
// the turn lock. Send and SendOneWay may interleave with each other and with
// those calls.
type Actor struct {
	id     string
	host   *Host
	cfg    *hostConfig
	store  eventlog.Store
	fab    fabric.Fabric
	logger atomic.Pointer[slog.Logger]

	turn sync.Mutex

	mu            sync.RWMutex
	record        ConnectionRecord
	lastSeq       int64
	sinceSnapshot int

	sup         supervision
	deactivated atomic.Bool
}

func newActor(h *Host, id string) *Actor {
	a := &Actor{
		id:    id,
		host:  h,
		cfg:   &h.cfg,
		store: h.store,
		fab:   h.fab,
	}
	a.logger.Store(h.cfg.logger.With(slog.String("connection_id", id)))
	return a
}

func (a *Actor) log() *slog.Logger {
	return a.logger.Load()
}

// ID returns the actor identity.
func (a *Actor) ID() string {
	return a.id
}

// consumer is the identity used for this actor's fabric subscriptions.
func (a *Actor) consumer() string {
	return "conn/" + a.id
}

// Record returns a copy of the current record.
func (a *Actor) Record() ConnectionRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.record
}

// FailAttempts returns the current count of sends dropped while disconnected.
func (a *Actor) FailAttempts() int32 {
	return a.sup.failAttempts.Load()
}

// State derives the lifecycle state of this instance.
func (a *Actor) State() State {
	if a.deactivated.Load() {
		return StateDeactivated
	}
	return a.Record().State()
}

// Describe returns "<hubName>:<connectionID>".
func (a *Actor) Describe() string {
	rec := a.Record()
	return rec.HubName + ":" + rec.ConnectionID
}

// String implements fmt.Stringer.
func (a *Actor) String() string {
	return a.Describe()
}

// activate rebuilds the record from the log and resumes the server-down
// subscription of a connected record.
func (a *Actor) activate(ctx context.Context) (err error) {
	ctx, span := a.cfg.spans.StartActorSpan(ctx, "activate", a.id)
	defer func() { a.cfg.spans.EndSpanWithError(span, err) }()

	a.turn.Lock()
	defer a.turn.Unlock()

	if err := a.replay(ctx); err != nil {
		return &PersistError{Op: "activate", ConnectionID: a.id, Err: err}
	}

	rec := a.Record()
	a.logger.Store(observability.EnrichLogger(a.cfg.logger, rec.HubName, a.id))

	if !rec.Connected() {
		a.cfg.metrics.RecordActivation(ctx, false)
		observability.LogActivated(a.log(), "", false)
		return nil
	}

	resumed := a.resumeServerDown(ctx, rec.ServerID)
	a.cfg.metrics.RecordActivation(ctx, resumed)
	observability.LogActivated(a.log(), rec.ServerID.String(), resumed)
	return nil
}

func (a *Actor) replay(ctx context.Context) error {
	loaded, err := LoadRecord(ctx, a.store, a.id)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.record = loaded.Record
	a.lastSeq = loaded.Sequence
	a.sinceSnapshot = loaded.Replayed
	a.mu.Unlock()
	return nil
}

// resumeServerDown binds the disconnect handler to an existing server-down
// subscription. Reports whether one was found.
func (a *Actor) resumeServerDown(ctx context.Context, serverID uuid.UUID) bool {
	topic := fabric.ServerDown(serverID)

	handles, err := a.fab.Handles(ctx, topic, a.consumer())
	if err != nil {
		a.log().Warn("enumerate server-down subscriptions failed",
			slog.String("topic", topic.String()),
			slog.String("error", err.Error()),
		)
	}

	for i, h := range handles {
		if i > 0 {
			// At most one subscription per actor; drop strays.
			if err := a.fab.Unsubscribe(ctx, h); err != nil && !errors.Is(err, fabric.ErrUnknownHandle) {
				observability.LogTeardownError(a.log(), "unsubscribe duplicate", err)
			}
			continue
		}
		resumed, err := a.fab.Resume(ctx, h, a.host.serverDownHandler(a.id))
		if err != nil {
			a.log().Warn("resume server-down subscription failed",
				slog.String("handle", h.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.sup.serverDown = resumed
	}

	if !a.sup.serverDown.IsZero() {
		return true
	}

	observability.LogResumeMissing(a.log(), serverID.String(), a.cfg.resubscribe)
	if a.cfg.resubscribe {
		h, err := a.fab.Subscribe(ctx, topic, a.consumer(), a.host.serverDownHandler(a.id))
		if err != nil {
			a.log().Warn("resubscribe server-down failed",
				slog.String("topic", topic.String()),
				slog.String("error", err.Error()),
			)
			return false
		}
		a.sup.serverDown = h
	}
	return false
}

// Configure records channel info. Options left out keep the current value.
func (a *Actor) Configure(ctx context.Context, opts ...ConfigureOption) (err error) {
	ctx, span := a.cfg.spans.StartActorSpan(ctx, "configure", a.id)
	defer func() { a.cfg.spans.EndSpanWithError(span, err) }()

	a.turn.Lock()
	defer a.turn.Unlock()
	if a.deactivated.Load() {
		return ErrDeactivated
	}

	var req configureRequest
	for _, opt := range opts {
		opt(&req)
	}

	rec := a.Record()
	ev := SetChannelInfo{HubName: rec.HubName, ConnectionID: rec.ConnectionID}
	if req.hubName != nil {
		ev.HubName = *req.hubName
	}
	if req.connectionID != nil {
		if *req.connectionID != a.id {
			return fmt.Errorf("%w: got %q, actor is %q", ErrConnectionIDMismatch, *req.connectionID, a.id)
		}
		ev.ConnectionID = *req.connectionID
	}

	if err := a.append(ctx, "configure", ev); err != nil {
		return err
	}
	a.logger.Store(observability.EnrichLogger(a.cfg.logger, ev.HubName, a.id))
	return nil
}

// OnConnect binds the connection to a server and watches for that server
// going down.
func (a *Actor) OnConnect(ctx context.Context, serverID uuid.UUID) (err error) {
	ctx, span := a.cfg.spans.StartActorSpan(ctx, "on_connect", a.id)
	defer func() { a.cfg.spans.EndSpanWithError(span, err) }()

	if serverID == uuid.Nil {
		return ErrInvalidServerID
	}

	a.turn.Lock()
	defer a.turn.Unlock()
	if a.deactivated.Load() {
		return ErrDeactivated
	}

	// The commit must land before the subscription exists.
	if err := a.append(ctx, "connect", SetServerID{ServerID: serverID}); err != nil {
		return err
	}

	topic := fabric.ServerDown(serverID)
	h, err := a.fab.Subscribe(ctx, topic, a.consumer(), a.host.serverDownHandler(a.id))
	if err != nil {
		return &SubscribeError{Topic: topic, Err: err}
	}
	a.sup.serverDown = h
	a.sup.failAttempts.Store(0)

	observability.LogConnected(a.log(), serverID.String())
	return nil
}

// OnDisconnect tears the connection down and deactivates this instance.
// Every step is attempted; failures are logged and combined into the
// returned error, but the teardown always completes.
//
// Called on an instance that is no longer live, it is forwarded to the
// connection's current instance, so repeating it is harmless.
func (a *Actor) OnDisconnect(ctx context.Context, reason string) error {
	err := a.disconnect(ctx, reason)
	if !errors.Is(err, ErrDeactivated) {
		return err
	}
	return a.host.Ref(a.id).OnDisconnect(ctx, reason)
}

// disconnect reports ErrDeactivated for an instance that is no longer live.
func (a *Actor) disconnect(ctx context.Context, reason string) (err error) {
	ctx, span := a.cfg.spans.StartActorSpan(ctx, "on_disconnect", a.id)
	defer func() { a.cfg.spans.EndSpanWithError(span, err) }()

	a.turn.Lock()
	defer a.turn.Unlock()
	if a.deactivated.Load() {
		return ErrDeactivated
	}

	if reason == "" {
		reason = reasonUnspecified
	}

	var errs error

	if h := a.sup.serverDown; !h.IsZero() {
		if uerr := a.fab.Unsubscribe(ctx, h); uerr != nil && !errors.Is(uerr, fabric.ErrUnknownHandle) {
			observability.LogTeardownError(a.log(), "unsubscribe", uerr)
			errs = multierr.Append(errs, uerr)
		}
		a.sup.serverDown = fabric.Handle{}
	}

	rec := a.Record()
	if rec.Connected() {
		if perr := a.append(ctx, "disconnect", SetServerID{ServerID: uuid.Nil}); perr != nil {
			observability.LogTeardownError(a.log(), "clear server", perr)
			errs = multierr.Append(errs, perr)
		}
	}

	if perr := a.fab.Publish(ctx, fabric.ClientDown(a.id), a.id); perr != nil {
		observability.LogTeardownError(a.log(), "publish client-down", perr)
		errs = multierr.Append(errs, perr)
	}

	a.host.deactivate(a)

	a.cfg.metrics.RecordDisconnect(ctx, reason)
	observability.LogDisconnected(a.log(), reason, rec.ServerID.String())
	return errs
}

// Send routes msg to the server holding the connection. A send while
// disconnected is dropped and counted; it returns nil.
func (a *Actor) Send(ctx context.Context, msg any) (err error) {
	ctx, span := a.cfg.spans.StartActorSpan(ctx, "send", a.id)
	defer func() { a.cfg.spans.EndSpanWithError(span, err) }()

	return a.send(ctx, msg)
}

// SendOneWay is Send without an error result. Route failures are logged.
func (a *Actor) SendOneWay(ctx context.Context, msg any) {
	_ = a.sendOneWay(ctx, msg)
}

// sendOneWay reports only ErrDeactivated, so a Ref can retry it.
func (a *Actor) sendOneWay(ctx context.Context, msg any) error {
	ctx, span := a.cfg.spans.StartActorSpan(ctx, "send_one_way", a.id)
	err := a.send(ctx, msg)
	a.cfg.spans.EndSpanWithError(span, err)

	if errors.Is(err, ErrDeactivated) {
		return err
	}
	return nil
}

func (a *Actor) send(ctx context.Context, msg any) error {
	if a.deactivated.Load() {
		return ErrDeactivated
	}

	rec := a.Record()
	if !rec.Connected() {
		a.drop(ctx, rec)
		return nil
	}

	topic := fabric.ServerInbound(rec.ServerID)
	done := observability.TimedOperation()
	err := a.fab.Publish(ctx, topic, Envelope{
		HubName:      rec.HubName,
		ConnectionID: rec.ConnectionID,
		Message:      msg,
	})
	if err != nil {
		a.cfg.metrics.RecordSendError(ctx, rec.HubName)
		observability.LogRouteError(a.log(), topic.String(), err)
		return &RouteError{Topic: topic, Err: err}
	}

	a.sup.failAttempts.Store(0)
	a.cfg.metrics.RecordSendRouted(ctx, rec.HubName, done())
	return nil
}

// drop counts a send made while disconnected and disconnects once the
// limit is hit. Only the send that lands exactly on the limit triggers.
func (a *Actor) drop(ctx context.Context, rec ConnectionRecord) {
	n := a.sup.failAttempts.Add(1)
	a.cfg.metrics.RecordSendDropped(ctx, rec.HubName)
	observability.LogSendDropped(a.log(), n)

	if n != a.cfg.maxFailAttempts {
		return
	}

	observability.LogThresholdReached(a.log(), n)
	a.cfg.spans.AddSpanEvent(ctx, "fail_attempts_limit", attribute.Int("fail_attempts", int(n)))
	if err := a.disconnect(ctx, ReasonAttemptsLimitReached); err != nil && !errors.Is(err, ErrDeactivated) {
		a.log().Warn("threshold disconnect incomplete", slog.String("error", err.Error()))
	}
}

// passivate removes the instance from memory without disconnecting. With
// detach unset the server-down subscription stays bound to the host and is
// returned, so a server-down notice still reaches the connection and
// reactivates it. With detach set the handler is dropped and the fabric
// holds notices until a later activation resumes the subscription.
func (a *Actor) passivate(ctx context.Context, detach bool) (fabric.Handle, error) {
	a.turn.Lock()
	defer a.turn.Unlock()

	if !a.deactivated.CompareAndSwap(false, true) {
		return fabric.Handle{}, nil
	}

	h := a.sup.serverDown
	a.sup.serverDown = fabric.Handle{}
	if h.IsZero() || !detach {
		return h, nil
	}
	if err := a.fab.Detach(ctx, h); err != nil && !errors.Is(err, fabric.ErrUnknownHandle) {
		return fabric.Handle{}, fmt.Errorf("passivate %s: detach %s: %w", a.id, h.Topic, err)
	}
	return fabric.Handle{}, nil
}

// append persists ev, applies it and snapshots when due.
// Callers hold the turn lock.
func (a *Actor) append(ctx context.Context, op string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return &PersistError{Op: op, ConnectionID: a.id, Err: err}
	}

	seq, err := a.store.Append(ctx, a.id, ev.Kind(), data)
	if err != nil {
		return &PersistError{Op: op, ConnectionID: a.id, Err: err}
	}
	a.cfg.metrics.RecordEvent(ctx, ev.Kind(), int64(len(data)))

	a.mu.Lock()
	ev.apply(&a.record)
	a.lastSeq = seq
	a.sinceSnapshot++
	due := a.cfg.snapshotEvery > 0 && a.sinceSnapshot >= a.cfg.snapshotEvery
	rec := a.record
	a.mu.Unlock()

	if due {
		a.snapshot(ctx, rec, seq)
	}
	return nil
}

func (a *Actor) snapshot(ctx context.Context, rec ConnectionRecord, seq int64) {
	data, err := json.Marshal(rec)
	if err == nil {
		err = a.store.SaveSnapshot(ctx, a.id, seq, data)
	}
	if err != nil {
		observability.LogSnapshotError(a.log(), seq, err)
		return
	}

	a.mu.Lock()
	a.sinceSnapshot = 0
	a.mu.Unlock()
}
