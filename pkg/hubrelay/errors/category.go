// Package errors classifies failures from the event log and stream fabric
// and retries the transient ones.
//
// The actor itself never retries: persistence failures are returned to the
// caller and publish failures are surfaced as route errors. Retry is used by
// the supporting infrastructure only, namely fabric redelivery and broker
// connection setup.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: broker timeouts, a busy database, a dropped connection.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: closed stores, unknown subscription handles, bad input.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Permanent marks err as not worth retrying. A fabric handler returning
// one skips redelivery.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// transientBrokerErrors are NATS conditions that clear up on their own.
var transientBrokerErrors = []error{
	nats.ErrTimeout,
	nats.ErrNoResponders,
	nats.ErrConnectionClosed,
	nats.ErrConnectionReconnecting,
	nats.ErrNoServers,
	nats.ErrSlowConsumer,
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	// A caller giving up is final; a deadline on one attempt is not.
	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	for _, target := range transientBrokerErrors {
		if errors.Is(err, target) {
			return CategoryTransient
		}
	}

	// modernc sqlite reports lock contention only through the message text.
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return CategoryTransient
	}

	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsRedeliverable reports whether a failed handler delivery should be tried
// again. Handler errors are opaque, so everything is redelivered unless it
// was explicitly categorized.
func IsRedeliverable(err error) bool {
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category == CategoryTransient
	}
	return true
}
