package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

// DeadLetter is a message whose handler kept failing.
type DeadLetter struct {
	Message  Message
	Handle   Handle
	Err      string
	FailedAt time.Time

	// Failures counts how often this message ID was recorded.
	Failures int
}

// DeadLetterConfig configures a DeadLetters queue.
type DeadLetterConfig struct {
	// MaxSize bounds the number of held letters. When full the oldest
	// letter is dropped.
	// Default: 1000
	MaxSize int

	// Clock stamps FailedAt. Default: the wall clock.
	Clock clock.Clock

	// OnRecord is called for every recorded failure.
	OnRecord func(DeadLetter)
}

// DeadLetters holds messages that exhausted their delivery attempts so they
// can be inspected or republished. Its Record method fits Config.OnError
// and NATSConfig.OnError.
type DeadLetters struct {
	cfg DeadLetterConfig

	mu      sync.Mutex
	order   []string // message IDs, oldest first
	letters map[string]*DeadLetter
	dropped int
}

// NewDeadLetters creates an empty queue.
func NewDeadLetters(cfg DeadLetterConfig) *DeadLetters {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &DeadLetters{
		cfg:     cfg,
		letters: make(map[string]*DeadLetter),
	}
}

// Record stores a failed delivery. A message that fails again on another
// subscription bumps Failures on the existing letter.
func (d *DeadLetters) Record(msg Message, h Handle, err error) {
	d.mu.Lock()

	letter, ok := d.letters[msg.ID]
	if ok {
		letter.Failures++
		letter.Err = err.Error()
		letter.FailedAt = d.cfg.Clock.Now()
	} else {
		if len(d.order) >= d.cfg.MaxSize {
			oldest := d.order[0]
			d.order = d.order[1:]
			delete(d.letters, oldest)
			d.dropped++
		}
		letter = &DeadLetter{
			Message:  msg,
			Handle:   h,
			Err:      err.Error(),
			FailedAt: d.cfg.Clock.Now(),
			Failures: 1,
		}
		d.letters[msg.ID] = letter
		d.order = append(d.order, msg.ID)
	}
	snapshot := *letter
	d.mu.Unlock()

	if d.cfg.OnRecord != nil {
		d.cfg.OnRecord(snapshot)
	}
}

// Len returns the number of held letters.
func (d *DeadLetters) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

// Dropped returns how many letters were discarded because the queue was full.
func (d *DeadLetters) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// List returns copies of the held letters, oldest first.
func (d *DeadLetters) List() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]DeadLetter, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.letters[id])
	}
	return out
}

// Take removes and returns up to limit letters, oldest first.
func (d *DeadLetters) Take(limit int) []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit <= 0 || limit > len(d.order) {
		limit = len(d.order)
	}
	out := make([]DeadLetter, 0, limit)
	for _, id := range d.order[:limit] {
		out = append(out, *d.letters[id])
		delete(d.letters, id)
	}
	d.order = d.order[limit:]
	return out
}

// Republish takes up to limit letters and publishes each again on its topic
// under its original message ID. Letters that fail to publish are recorded
// again. Returns the number republished. A fabric deduplicating by message
// ID suppresses letters republished within its TTL.
func (d *DeadLetters) Republish(ctx context.Context, fab Fabric, limit int) (int, error) {
	var (
		n    int
		errs error
	)
	for _, letter := range d.Take(limit) {
		msg := letter.Message
		if err := fab.Publish(ctx, msg.Topic, msg.Payload, WithMessageID(msg.ID)); err != nil {
			d.Record(msg, letter.Handle, err)
			errs = multierr.Append(errs, fmt.Errorf("republish %s: %w", msg.ID, err))
			continue
		}
		n++
	}
	return n, errs
}
