package fabric

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	hrerrors "github.com/randalmurphal/hubrelay/pkg/hubrelay/errors"
)

// NATSConfig configures a NATS-backed fabric.
type NATSConfig struct {
	// URL is the server URL. Default: nats.DefaultURL
	URL string

	// Name is the client connection name reported to the server.
	Name string

	// SubjectPrefix is prepended to every subject. Default: "hubrelay"
	SubjectPrefix string

	// MaxDeliveryAttempts bounds redelivery of a message whose handler fails.
	// Default: 3
	MaxDeliveryAttempts int

	// MaxRedeliveryBackoff caps the wait between redeliveries.
	// Default: 0 (errors.DeliveryRetry's cap)
	MaxRedeliveryBackoff time.Duration

	// ConnectRetry governs the initial dial. Default: errors.ConnectRetry
	ConnectRetry *hrerrors.RetryConfig

	// Logger receives connection and delivery diagnostics.
	// Default: slog.Default()
	Logger *slog.Logger

	// Options are passed through to nats.Connect.
	Options []nats.Option

	// OnError is called when a handler still fails after all attempts.
	OnError func(msg Message, h Handle, err error)
}

// NATSFabric implements Fabric over NATS core subjects.
//
// NATS core has no durable subscriptions, so handles live in an in-process
// registry. They survive actor passivation within the process but not a
// process restart.
type NATSFabric struct {
	nc      *nats.Conn
	prefix  string
	retry   hrerrors.RetryConfig
	logger  *slog.Logger
	onError func(msg Message, h Handle, err error)
	ownsNC  bool

	mu   sync.RWMutex
	subs map[string]*natsSub

	baseCtx context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
}

type natsSub struct {
	handle Handle
	sub    *nats.Subscription

	mu      sync.Mutex
	handler Handler
	pending []Message

	// deliverMu keeps callback deliveries and resume flushes in order.
	deliverMu sync.Mutex
}

// wireMessage is the JSON body of a NATS message.
type wireMessage struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// DialNATS connects to a NATS server, retrying transient failures, and
// returns a fabric that owns the connection.
func DialNATS(ctx context.Context, cfg NATSConfig) (*NATSFabric, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	retry := hrerrors.ConnectRetry
	if cfg.ConnectRetry != nil {
		retry = *cfg.ConnectRetry
	}

	opts := append([]nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}, cfg.Options...)

	res := hrerrors.WithRetryContext(ctx, retry, func(_ context.Context) (*nats.Conn, error) {
		return nats.Connect(url, opts...)
	})
	if res.Err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, res.Err)
	}

	f := NewNATSFabric(res.Value, cfg)
	f.ownsNC = true
	return f, nil
}

// NewNATSFabric wraps an existing connection. The caller keeps ownership of nc.
func NewNATSFabric(nc *nats.Conn, cfg NATSConfig) *NATSFabric {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "hubrelay"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxDeliveryAttempts
	if attempts <= 0 {
		attempts = DefaultConfig.MaxDeliveryAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &NATSFabric{
		nc:      nc,
		prefix:  prefix,
		retry:   deliveryRetry(attempts, cfg.MaxRedeliveryBackoff),
		logger:  logger,
		onError: cfg.OnError,
		subs:    make(map[string]*natsSub),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Subject returns the NATS subject for a topic.
func (f *NATSFabric) Subject(topic Topic) string {
	return f.prefix + "." + string(topic.Family) + "." + subjectToken(topic.Key)
}

// subjectToken makes a key safe as a single subject token. Keys that
// already are (UUIDs, plain connection IDs) pass through unchanged.
func subjectToken(key string) string {
	if key != "" && !strings.ContainsAny(key, ". *>\t\r\n~") {
		return key
	}
	return "~" + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Publish implements Fabric.
func (f *NATSFabric) Publish(ctx context.Context, topic Topic, payload any, opts ...PublishOption) error {
	if f.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cfg := publishConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.New().String()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	data, err := json.Marshal(wireMessage{
		ID:          cfg.id,
		Topic:       topic.String(),
		Payload:     body,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}

	msg := nats.NewMsg(f.Subject(topic))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, cfg.id)
	if err := f.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Fabric.
func (f *NATSFabric) Subscribe(_ context.Context, topic Topic, consumer string, handler Handler) (Handle, error) {
	if consumer == "" {
		return Handle{}, ErrConsumerRequired
	}
	if f.closed.Load() {
		return Handle{}, ErrClosed
	}

	s := &natsSub{
		handle:  Handle{ID: uuid.New().String(), Topic: topic, Consumer: consumer},
		handler: handler,
	}

	sub, err := f.nc.Subscribe(f.Subject(topic), func(m *nats.Msg) {
		msg, err := decodeWire(m.Data)
		if err != nil {
			f.logger.Warn("dropping undecodable message",
				slog.String("subject", m.Subject),
				slog.String("error", err.Error()),
			)
			return
		}
		f.dispatch(s, msg)
	})
	if err != nil {
		return Handle{}, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.sub = sub

	f.mu.Lock()
	f.subs[s.handle.ID] = s
	f.mu.Unlock()

	return s.handle, nil
}

// Unsubscribe implements Fabric.
func (f *NATSFabric) Unsubscribe(_ context.Context, h Handle) error {
	if f.closed.Load() {
		return ErrClosed
	}

	f.mu.Lock()
	s, ok := f.subs[h.ID]
	delete(f.subs, h.ID)
	f.mu.Unlock()

	if !ok {
		return ErrUnknownHandle
	}
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", h.Topic, err)
	}
	return nil
}

// Handles implements Fabric.
func (f *NATSFabric) Handles(_ context.Context, topic Topic, consumer string) ([]Handle, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	handles := make([]Handle, 0)
	for _, s := range f.subs {
		if s.handle.Topic != topic {
			continue
		}
		if consumer == "" || s.handle.Consumer == consumer {
			handles = append(handles, s.handle)
		}
	}
	return handles, nil
}

// Resume implements Fabric.
func (f *NATSFabric) Resume(_ context.Context, h Handle, handler Handler) (Handle, error) {
	s, err := f.lookup(h)
	if err != nil {
		return Handle{}, err
	}

	s.mu.Lock()
	s.handler = handler
	held := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(held) > 0 {
		go func() {
			s.deliverMu.Lock()
			defer s.deliverMu.Unlock()
			for _, msg := range held {
				f.deliver(s, handler, msg)
			}
		}()
	}
	return s.handle, nil
}

// Detach implements Fabric.
func (f *NATSFabric) Detach(_ context.Context, h Handle) error {
	s, err := f.lookup(h)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.handler = nil
	s.mu.Unlock()
	return nil
}

func (f *NATSFabric) lookup(h Handle) (*natsSub, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	s, ok := f.subs[h.ID]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return s, nil
}

// Flush waits until the server has processed everything published so far.
func (f *NATSFabric) Flush(ctx context.Context) error {
	return f.nc.FlushWithContext(ctx)
}

// Close unsubscribes everything and, for fabrics created by DialNATS,
// drains the connection.
func (f *NATSFabric) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.cancel()

	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[string]*natsSub)
	f.mu.Unlock()

	for _, s := range subs {
		_ = s.sub.Unsubscribe()
	}

	if f.ownsNC {
		return f.nc.Drain()
	}
	return nil
}

func (f *NATSFabric) dispatch(s *natsSub, msg Message) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	handler := s.handler
	if handler == nil {
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	f.deliver(s, handler, msg)
}

func (f *NATSFabric) deliver(s *natsSub, handler Handler, msg Message) {
	attempts, err := hrerrors.Do(f.baseCtx, f.retry, func(ctx context.Context) error {
		return handler(ctx, msg)
	})
	if err != nil {
		f.logger.Warn("fabric delivery failed",
			slog.String("topic", msg.Topic.String()),
			slog.String("handle", s.handle.ID),
			slog.String("message_id", msg.ID),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		if f.onError != nil {
			f.onError(msg, s.handle, err)
		}
	}
}

func decodeWire(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	topic, err := ParseTopic(w.Topic)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:          w.ID,
		Topic:       topic,
		Payload:     w.Payload,
		PublishedAt: w.PublishedAt,
	}, nil
}

// Compile-time interface check.
var _ Fabric = (*NATSFabric)(nil)
