package fabric

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	hrerrors "github.com/randalmurphal/hubrelay/pkg/hubrelay/errors"
)

// Config configures fabric behavior.
type Config struct {
	// BufferSize is the queue size per subscription.
	// Default: 256
	BufferSize int

	// MaxSubscriptions limits total subscriptions.
	// Default: 0 (unlimited)
	MaxSubscriptions int

	// NonBlocking makes Publish non-blocking (drops messages if a queue is full).
	// Default: false (blocking)
	NonBlocking bool

	// DeduplicateTTL enables deduplication by message ID with the given TTL.
	// Default: 0 (disabled)
	DeduplicateTTL time.Duration

	// MaxDeliveryAttempts bounds redelivery of a message whose handler fails.
	// Default: 3
	MaxDeliveryAttempts int

	// MaxRedeliveryBackoff caps the wait between redeliveries.
	// Default: 0 (errors.DeliveryRetry's cap)
	MaxRedeliveryBackoff time.Duration

	// Clock is the time source for timestamps and deduplication.
	// Default: the wall clock.
	Clock clock.Clock

	// Logger receives delivery diagnostics.
	// Default: slog.Default()
	Logger *slog.Logger

	// OnDrop is called when a message is dropped (non-blocking mode).
	OnDrop func(msg Message, h Handle)

	// OnError is called when a handler still fails after all attempts.
	OnError func(msg Message, h Handle, err error)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	BufferSize:          256,
	MaxDeliveryAttempts: 3,
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultConfig.BufferSize
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = DefaultConfig.MaxDeliveryAttempts
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// LocalFabric is an in-memory Fabric implementation.
type LocalFabric struct {
	config Config
	retry  hrerrors.RetryConfig

	mu      sync.RWMutex
	subs    map[string]*localSub           // handle ID -> subscription
	byTopic map[Topic]map[string]*localSub // topic -> handle ID -> subscription

	// Deduplication cache
	dedupeMu    sync.Mutex
	dedupeCache map[string]time.Time

	// Publish counters per topic, for diagnostics and tests.
	countMu   sync.Mutex
	published map[Topic]int

	baseCtx context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
}

// NewLocalFabric creates a new in-memory fabric.
func NewLocalFabric(config Config) *LocalFabric {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	f := &LocalFabric{
		config:    config,
		retry:     deliveryRetry(config.MaxDeliveryAttempts, config.MaxRedeliveryBackoff),
		subs:      make(map[string]*localSub),
		byTopic:   make(map[Topic]map[string]*localSub),
		published: make(map[Topic]int),
		baseCtx:   ctx,
		cancel:    cancel,
	}

	if config.DeduplicateTTL > 0 {
		f.dedupeCache = make(map[string]time.Time)
		go f.cleanupDedupe()
	}

	return f
}

// localSub is an internal subscription.
type localSub struct {
	handle Handle
	fabric *LocalFabric

	mu      sync.Mutex
	handler Handler   // nil while detached
	pending []Message // held while detached

	queue chan Message
	wake  chan struct{}
	done  chan struct{}
}

// Publish implements Fabric.
func (f *LocalFabric) Publish(ctx context.Context, topic Topic, payload any, opts ...PublishOption) error {
	if f.closed.Load() {
		return ErrClosed
	}

	cfg := publishConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.New().String()
	}

	if f.config.DeduplicateTTL > 0 && f.seen(cfg.id) {
		return nil // Silently skip duplicates
	}

	msg := Message{
		ID:          cfg.id,
		Topic:       topic,
		Payload:     payload,
		PublishedAt: f.config.Clock.Now(),
	}

	f.countMu.Lock()
	f.published[topic]++
	f.countMu.Unlock()

	f.mu.RLock()
	subs := make([]*localSub, 0, len(f.byTopic[topic]))
	for _, sub := range f.byTopic[topic] {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()

	for _, sub := range subs {
		if f.config.NonBlocking {
			select {
			case sub.queue <- msg:
			case <-sub.done:
			default:
				if f.config.OnDrop != nil {
					f.config.OnDrop(msg, sub.handle)
				}
			}
			continue
		}

		select {
		case sub.queue <- msg:
		case <-sub.done:
			// Unsubscribed concurrently; nothing to deliver to.
		case <-ctx.Done():
			return ctx.Err()
		case <-f.baseCtx.Done():
			return ErrClosed
		}
	}

	return nil
}

// Subscribe implements Fabric.
func (f *LocalFabric) Subscribe(_ context.Context, topic Topic, consumer string, handler Handler) (Handle, error) {
	if consumer == "" {
		return Handle{}, ErrConsumerRequired
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed.Load() {
		return Handle{}, ErrClosed
	}
	if f.config.MaxSubscriptions > 0 && len(f.subs) >= f.config.MaxSubscriptions {
		return Handle{}, ErrSubscriptionLimit
	}

	sub := &localSub{
		handle:  Handle{ID: uuid.New().String(), Topic: topic, Consumer: consumer},
		fabric:  f,
		handler: handler,
		queue:   make(chan Message, f.config.BufferSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	f.subs[sub.handle.ID] = sub
	if f.byTopic[topic] == nil {
		f.byTopic[topic] = make(map[string]*localSub)
	}
	f.byTopic[topic][sub.handle.ID] = sub

	go sub.process()

	return sub.handle, nil
}

// Unsubscribe implements Fabric.
func (f *LocalFabric) Unsubscribe(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed.Load() {
		return ErrClosed
	}

	sub, ok := f.subs[h.ID]
	if !ok {
		return ErrUnknownHandle
	}

	delete(f.subs, h.ID)
	if topicSubs, ok := f.byTopic[sub.handle.Topic]; ok {
		delete(topicSubs, h.ID)
		if len(topicSubs) == 0 {
			delete(f.byTopic, sub.handle.Topic)
		}
	}
	close(sub.done)
	return nil
}

// Handles implements Fabric.
func (f *LocalFabric) Handles(_ context.Context, topic Topic, consumer string) ([]Handle, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed.Load() {
		return nil, ErrClosed
	}

	handles := make([]Handle, 0)
	for _, sub := range f.byTopic[topic] {
		if consumer == "" || sub.handle.Consumer == consumer {
			handles = append(handles, sub.handle)
		}
	}
	return handles, nil
}

// Resume implements Fabric.
func (f *LocalFabric) Resume(_ context.Context, h Handle, handler Handler) (Handle, error) {
	sub, err := f.lookup(h)
	if err != nil {
		return Handle{}, err
	}

	sub.mu.Lock()
	sub.handler = handler
	sub.mu.Unlock()

	// Held messages are flushed on the subscription goroutine, never on
	// the caller's, so a resuming actor cannot re-enter itself.
	select {
	case sub.wake <- struct{}{}:
	default:
	}
	return sub.handle, nil
}

// Detach implements Fabric.
func (f *LocalFabric) Detach(_ context.Context, h Handle) error {
	sub, err := f.lookup(h)
	if err != nil {
		return err
	}

	sub.mu.Lock()
	sub.handler = nil
	sub.mu.Unlock()
	return nil
}

func (f *LocalFabric) lookup(h Handle) (*localSub, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed.Load() {
		return nil, ErrClosed
	}
	sub, ok := f.subs[h.ID]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return sub, nil
}

// Close shuts down the fabric.
func (f *LocalFabric) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	f.cancel()

	f.mu.Lock()
	defer f.mu.Unlock()

	for id, sub := range f.subs {
		close(sub.done)
		delete(f.subs, id)
	}
	f.byTopic = make(map[Topic]map[string]*localSub)

	return nil
}

// PublishCount returns how many messages were published on topic.
func (f *LocalFabric) PublishCount(topic Topic) int {
	f.countMu.Lock()
	defer f.countMu.Unlock()
	return f.published[topic]
}

// FamilyPublishCount returns how many messages were published on any topic
// of the family.
func (f *LocalFabric) FamilyPublishCount(family Family) int {
	f.countMu.Lock()
	defer f.countMu.Unlock()

	total := 0
	for topic, n := range f.published {
		if topic.Family == family {
			total += n
		}
	}
	return total
}

// SubscriptionCount returns the number of registered subscriptions.
func (f *LocalFabric) SubscriptionCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// process handles messages for a subscription.
func (s *localSub) process() {
	for {
		select {
		case msg := <-s.queue:
			s.dispatch(msg)
		case <-s.wake:
			s.flush()
		case <-s.done:
			return
		}
	}
}

func (s *localSub) dispatch(msg Message) {
	s.mu.Lock()
	handler := s.handler
	if handler == nil {
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		return
	}
	held := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, h := range held {
		s.deliver(handler, h)
	}
	s.deliver(handler, msg)
}

func (s *localSub) flush() {
	s.mu.Lock()
	handler := s.handler
	if handler == nil {
		s.mu.Unlock()
		return
	}
	held := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, msg := range held {
		s.deliver(handler, msg)
	}
}

func (s *localSub) deliver(handler Handler, msg Message) {
	f := s.fabric
	attempts, err := hrerrors.Do(f.baseCtx, f.retry, func(ctx context.Context) error {
		return handler(ctx, msg)
	})
	if err == nil {
		return
	}

	f.config.Logger.Warn("fabric delivery failed",
		slog.String("topic", msg.Topic.String()),
		slog.String("handle", s.handle.ID),
		slog.String("message_id", msg.ID),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
	if f.config.OnError != nil {
		f.config.OnError(msg, s.handle, err)
	}
}

// Deduplication helpers

// seen reports whether id was published within the TTL and records it.
func (f *LocalFabric) seen(id string) bool {
	f.dedupeMu.Lock()
	defer f.dedupeMu.Unlock()

	now := f.config.Clock.Now()
	if ts, ok := f.dedupeCache[id]; ok && now.Sub(ts) < f.config.DeduplicateTTL {
		return true
	}
	f.dedupeCache[id] = now
	return false
}

func (f *LocalFabric) cleanupDedupe() {
	ticker := f.config.Clock.Ticker(f.config.DeduplicateTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.dedupeMu.Lock()
			cutoff := f.config.Clock.Now().Add(-f.config.DeduplicateTTL)
			for id, ts := range f.dedupeCache {
				if ts.Before(cutoff) {
					delete(f.dedupeCache, id)
				}
			}
			f.dedupeMu.Unlock()

		case <-f.baseCtx.Done():
			return
		}
	}
}

// Compile-time interface check.
var _ Fabric = (*LocalFabric)(nil)
