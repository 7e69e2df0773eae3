package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	hrerrors "github.com/randalmurphal/hubrelay/pkg/hubrelay/errors"
)

// Fabric is the pub/sub contract consumed by connection actors.
// Implementations must be safe for concurrent use.
type Fabric interface {
	// Publish delivers payload to every current subscriber of topic.
	Publish(ctx context.Context, topic Topic, payload any, opts ...PublishOption) error

	// Subscribe registers handler for topic on behalf of consumer.
	Subscribe(ctx context.Context, topic Topic, consumer string, handler Handler) (Handle, error)

	// Unsubscribe removes a subscription.
	// Returns ErrUnknownHandle if the handle is not registered.
	Unsubscribe(ctx context.Context, h Handle) error

	// Handles enumerates the subscriptions on topic created by consumer.
	// An empty consumer matches every subscription on the topic.
	Handles(ctx context.Context, topic Topic, consumer string) ([]Handle, error)

	// Resume binds handler to an existing subscription.
	// Returns ErrUnknownHandle if the handle is not registered.
	Resume(ctx context.Context, h Handle, handler Handler) (Handle, error)

	// Detach drops the handler but keeps the subscription registered.
	// Messages published while detached are held until Resume.
	Detach(ctx context.Context, h Handle) error

	// Close shuts down the fabric and all subscriptions.
	Close() error
}

// Handler processes one delivered message. A non-nil error causes
// redelivery up to the fabric's attempt limit, unless it is marked with
// errors.Permanent.
type Handler func(ctx context.Context, msg Message) error

func deliveryRetry(attempts int, maxBackoff time.Duration) hrerrors.RetryConfig {
	opts := []hrerrors.RetryOption{hrerrors.WithMaxAttempts(attempts)}
	if maxBackoff > 0 {
		opts = append(opts, hrerrors.WithMaxBackoff(maxBackoff))
	}
	return hrerrors.NewRetryConfig(hrerrors.DeliveryRetry, opts...)
}

// Handle is a resumable subscription descriptor.
type Handle struct {
	ID       string `json:"id"`
	Topic    Topic  `json:"topic"`
	Consumer string `json:"consumer"`
}

// IsZero reports whether the handle is unset.
func (h Handle) IsZero() bool {
	return h.ID == ""
}

// String returns a short description for logging.
func (h Handle) String() string {
	return fmt.Sprintf("%s@%s#%s", h.Consumer, h.Topic, h.ID)
}

// Message is one delivery.
type Message struct {
	ID          string
	Topic       Topic
	Payload     any
	PublishedAt time.Time
}

// Sentinel errors for fabric operations.
var (
	// ErrUnknownHandle indicates a handle that is not (or no longer) registered.
	ErrUnknownHandle = errors.New("unknown subscription handle")

	// ErrClosed indicates the fabric has been closed.
	ErrClosed = errors.New("fabric closed")

	// ErrSubscriptionLimit indicates the configured subscription limit was hit.
	ErrSubscriptionLimit = errors.New("subscription limit reached")

	// ErrConsumerRequired indicates an empty consumer identity.
	ErrConsumerRequired = errors.New("consumer identity required")
)

// PublishOption configures a single publish.
type PublishOption func(*publishConfig)

type publishConfig struct {
	id string
}

// WithMessageID sets the message ID (default: auto-generated UUID).
// Publishing twice with the same ID is deduplicated when the fabric has
// deduplication enabled.
func WithMessageID(id string) PublishOption {
	return func(cfg *publishConfig) {
		cfg.id = id
	}
}

// DecodePayload extracts a typed payload from a message.
//
// In-process fabrics deliver the published value as is; broker-backed
// fabrics deliver raw JSON. Both are accepted.
func DecodePayload[T any](msg Message) (T, error) {
	var out T

	switch p := msg.Payload.(type) {
	case T:
		return p, nil
	case json.RawMessage:
		if err := json.Unmarshal(p, &out); err != nil {
			return out, fmt.Errorf("decode %s payload: %w", msg.Topic, err)
		}
		return out, nil
	case []byte:
		if err := json.Unmarshal(p, &out); err != nil {
			return out, fmt.Errorf("decode %s payload: %w", msg.Topic, err)
		}
		return out, nil
	case nil:
		return out, fmt.Errorf("decode %s payload: empty payload", msg.Topic)
	default:
		// Shape mismatch, e.g. map[string]any; round-trip through JSON.
		b, err := json.Marshal(p)
		if err != nil {
			return out, fmt.Errorf("decode %s payload: %w", msg.Topic, err)
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return out, fmt.Errorf("decode %s payload: %w", msg.Topic, err)
		}
		return out, nil
	}
}
