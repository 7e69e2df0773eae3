package hubrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	hrerrors "github.com/randalmurphal/hubrelay/pkg/hubrelay/errors"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/eventlog"
	"github.com/randalmurphal/hubrelay/pkg/hubrelay/fabric"
)

// Host activates connection actors on demand and keeps at most one live
// instance per connection ID.
type Host struct {
	cfg   hostConfig
	store eventlog.Store
	fab   fabric.Fabric

	mu      sync.Mutex
	actors  *lru.Cache[string, *activation]
	evicted []*activation // filled by the eviction callback, drained under mu
	closed  bool

	// draining holds retired instances still being passivated. A new
	// activation of the same ID waits for its predecessor.
	draining map[string]*activation

	// parked holds server-down subscriptions of passivated actors that are
	// still bound to this host. Close detaches them.
	parked map[string]fabric.Handle

	oneway     sync.WaitGroup
	background sync.WaitGroup
}

type activation struct {
	actor   *Actor
	ready   chan struct{}
	err     error
	drained chan struct{} // set when retired
}

// NewHost creates a host over an event log and a fabric. The caller keeps
// ownership of both.
func NewHost(store eventlog.Store, fab fabric.Fabric, opts ...HostOption) *Host {
	cfg := defaultHostConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Host{
		cfg:      cfg,
		store:    store,
		fab:      fab,
		draining: make(map[string]*activation),
		parked:   make(map[string]fabric.Handle),
	}

	// Only fails for a non-positive size, which the options rule out.
	h.actors, _ = lru.NewWithEvict[string, *activation](cfg.maxActivations, func(_ string, act *activation) {
		h.evicted = append(h.evicted, act)
	})
	return h
}

// Ref returns the handle for a connection. Refs are cheap; the actor is
// activated by the first call made through one.
func (h *Host) Ref(connectionID string) *Ref {
	return &Ref{host: h, id: connectionID}
}

// Lookup returns the live instance for a connection without activating it.
func (h *Host) Lookup(connectionID string) (*Actor, bool) {
	h.mu.Lock()
	act, ok := h.actors.Peek(connectionID)
	h.mu.Unlock()
	if !ok {
		return nil, false
	}

	select {
	case <-act.ready:
		if act.err != nil {
			return nil, false
		}
		return act.actor, true
	default:
		return nil, false
	}
}

// Active returns the number of actors held in memory.
func (h *Host) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.actors.Len()
}

// Passivate removes a connection's actor from memory without disconnecting
// it. Its server-down subscription stays bound: a server-down notice
// reactivates the connection and disconnects it.
func (h *Host) Passivate(ctx context.Context, connectionID string) error {
	h.mu.Lock()
	if !h.actors.Contains(connectionID) {
		h.mu.Unlock()
		return nil
	}
	h.actors.Remove(connectionID)
	retired := h.retireLocked()
	h.mu.Unlock()

	return h.passivateAll(ctx, retired, false)
}

// Close stops accepting calls, waits for in-flight one-way sends and
// passivates every live actor. Server-down subscriptions are detached, not
// released, so a later host over the same fabric resumes them.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if err := waitGroup(ctx, &h.oneway); err != nil {
		return fmt.Errorf("close host: waiting for one-way sends: %w", err)
	}

	h.mu.Lock()
	h.actors.Purge()
	retired := h.retireLocked()
	h.mu.Unlock()

	err := h.passivateAll(ctx, retired, true)
	if werr := waitGroup(ctx, &h.background); werr != nil {
		err = multierr.Append(err, werr)
	}

	h.mu.Lock()
	parked := h.parked
	h.parked = make(map[string]fabric.Handle)
	h.mu.Unlock()

	for id, hd := range parked {
		if derr := h.fab.Detach(ctx, hd); derr != nil && !errors.Is(derr, fabric.ErrUnknownHandle) {
			err = multierr.Append(err, fmt.Errorf("close host: detach %s: %w", id, derr))
		}
	}
	return err
}

// acquire returns the live instance for id, activating it if needed.
func (h *Host) acquire(ctx context.Context, id string) (*Actor, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHostClosed
	}

	act, ok := h.actors.Get(id)
	if !ok {
		act = &activation{actor: newActor(h, id), ready: make(chan struct{})}
		prev := h.draining[id]
		h.actors.Add(id, act)
		retired := h.retireLocked()
		h.mu.Unlock()

		h.passivateAsync(retired)
		h.runActivation(ctx, act, prev)
	} else {
		h.mu.Unlock()
	}

	select {
	case <-act.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if act.err != nil {
		return nil, act.err
	}
	return act.actor, nil
}

func (h *Host) runActivation(ctx context.Context, act *activation, prev *activation) {
	defer close(act.ready)

	// Waiters share this activation; one caller's cancellation must not
	// fail it for the others.
	ctx = context.WithoutCancel(ctx)

	if prev != nil {
		<-prev.drained
	}

	act.err = act.actor.activate(ctx)
	if act.err == nil {
		// The new instance owns whatever its predecessor left bound.
		h.mu.Lock()
		delete(h.parked, act.actor.id)
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	if cur, ok := h.actors.Peek(act.actor.id); ok && cur == act {
		h.actors.Remove(act.actor.id)
	}
	h.evicted = nil
	h.mu.Unlock()
}

// deactivate marks a torn down instance and drops it from the table in one
// step, so acquire never hands out an instance that is already dead.
func (h *Host) deactivate(a *Actor) {
	h.mu.Lock()
	defer h.mu.Unlock()

	a.deactivated.Store(true)
	if cur, ok := h.actors.Peek(a.id); ok && cur.actor == a {
		h.actors.Remove(a.id)
	}
	// The only eviction here is a itself, already deactivated.
	h.evicted = nil
}

// retireLocked takes the activations evicted by the last table operation
// and marks their IDs as draining. Callers hold mu.
func (h *Host) retireLocked() []*activation {
	retired := h.evicted
	h.evicted = nil
	for _, act := range retired {
		act.drained = make(chan struct{})
		h.draining[act.actor.id] = act
	}
	return retired
}

func (h *Host) passivateAsync(retired []*activation) {
	if len(retired) == 0 {
		return
	}
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		if err := h.passivateAll(context.Background(), retired, false); err != nil {
			h.cfg.logger.Warn("passivate evicted actors", slog.String("error", err.Error()))
		}
	}()
}

func (h *Host) passivateAll(ctx context.Context, retired []*activation, detach bool) error {
	var (
		mu   sync.Mutex
		errs error
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, act := range retired {
		act := act
		g.Go(func() error {
			err := h.passivateOne(ctx, act, detach)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (h *Host) passivateOne(ctx context.Context, act *activation, detach bool) (err error) {
	var bound fabric.Handle
	defer func() {
		h.mu.Lock()
		if !bound.IsZero() {
			h.parked[act.actor.id] = bound
		}
		if cur, ok := h.draining[act.actor.id]; ok && cur == act {
			delete(h.draining, act.actor.id)
		}
		close(act.drained)
		h.mu.Unlock()
	}()

	<-act.ready
	if act.err != nil {
		return nil
	}
	bound, err = act.actor.passivate(context.WithoutCancel(ctx), detach)
	return err
}

// serverDownHandler routes a server-down notification to whichever
// instance of the connection is current.
func (h *Host) serverDownHandler(id string) fabric.Handler {
	return func(ctx context.Context, msg fabric.Message) error {
		serverID, err := fabric.DecodePayload[uuid.UUID](msg)
		if err != nil {
			h.cfg.logger.Warn("malformed server-down payload",
				slog.String("connection_id", id),
				slog.String("error", err.Error()),
			)
		}

		err = h.Ref(id).OnDisconnect(ctx, ReasonServerDisconnected)
		if errors.Is(err, ErrHostClosed) {
			// Skip redelivery; OnError gets it.
			return hrerrors.Permanent(err, "server-down for "+id)
		}
		if err != nil {
			h.cfg.logger.Warn("server-down disconnect incomplete",
				slog.String("connection_id", id),
				slog.String("server_id", serverID.String()),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ref is a location-transparent handle to one connection actor.
type Ref struct {
	host *Host
	id   string
}

// ID returns the connection ID.
func (r *Ref) ID() string {
	return r.id
}

// call runs fn on the live instance. An instance deactivated underneath the
// call is replaced by a fresh activation until fn lands or ctx is done.
func (r *Ref) call(ctx context.Context, fn func(*Actor) error) error {
	for {
		a, err := r.host.acquire(ctx, r.id)
		if err != nil {
			return err
		}
		err = fn(a)
		if !errors.Is(err, ErrDeactivated) {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
	}
}

// Configure records channel info; omitted options keep their current value.
func (r *Ref) Configure(ctx context.Context, opts ...ConfigureOption) error {
	return r.call(ctx, func(a *Actor) error {
		return a.Configure(ctx, opts...)
	})
}

// OnConnect binds the connection to serverID.
func (r *Ref) OnConnect(ctx context.Context, serverID uuid.UUID) error {
	return r.call(ctx, func(a *Actor) error {
		return a.OnConnect(ctx, serverID)
	})
}

// OnDisconnect tears the connection down. An empty reason is recorded as
// "unspecified".
func (r *Ref) OnDisconnect(ctx context.Context, reason string) error {
	return r.call(ctx, func(a *Actor) error {
		return a.disconnect(ctx, reason)
	})
}

// Send routes msg to the connection's server.
func (r *Ref) Send(ctx context.Context, msg any) error {
	return r.call(ctx, func(a *Actor) error {
		return a.Send(ctx, msg)
	})
}

// SendOneWay routes msg without waiting. Host.Close waits for pending
// one-way sends.
func (r *Ref) SendOneWay(ctx context.Context, msg any) {
	h := r.host
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.cfg.logger.Debug("one-way send after close dropped", slog.String("connection_id", r.id))
		return
	}
	h.oneway.Add(1)
	h.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer h.oneway.Done()
		err := r.call(ctx, func(a *Actor) error {
			return a.sendOneWay(ctx, msg)
		})
		if err != nil {
			h.cfg.logger.Debug("one-way send failed",
				slog.String("connection_id", r.id),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Describe returns "<hubName>:<connectionID>".
func (r *Ref) Describe(ctx context.Context) (string, error) {
	var out string
	err := r.call(ctx, func(a *Actor) error {
		out = a.Describe()
		return nil
	})
	return out, err
}

// State returns the state of the live instance, activating it if needed.
func (r *Ref) State(ctx context.Context) (State, error) {
	var out State
	err := r.call(ctx, func(a *Actor) error {
		out = a.State()
		return nil
	})
	return out, err
}
