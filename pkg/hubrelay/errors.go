package hubrelay

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/hubrelay/pkg/hubrelay/fabric"
)

// Sentinel errors for actor calls.
var (
	// ErrInvalidServerID indicates OnConnect was called with the zero server ID.
	ErrInvalidServerID = errors.New("invalid server ID")

	// ErrConnectionIDMismatch indicates Configure tried to set a connection ID
	// other than the actor's identity.
	ErrConnectionIDMismatch = errors.New("connection ID does not match actor identity")

	// ErrDeactivated indicates the call reached an actor instance that has
	// already been torn down or passivated.
	ErrDeactivated = errors.New("actor deactivated")

	// ErrHostClosed indicates the host no longer accepts calls.
	ErrHostClosed = errors.New("host closed")
)

// PersistError wraps event log failures.
type PersistError struct {
	// Op is the actor operation that failed ("configure", "connect",
	// "disconnect", "activate").
	Op string
	// ConnectionID identifies the actor.
	ConnectionID string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s for connection %s: %v", e.Op, e.ConnectionID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PersistError) Unwrap() error {
	return e.Err
}

// SubscribeError wraps a failed server-down subscription.
type SubscribeError struct {
	Topic fabric.Topic
	Err   error
}

// Error implements the error interface.
func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.Topic, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SubscribeError) Unwrap() error {
	return e.Err
}

// RouteError wraps a failed publish to a server's inbound topic.
type RouteError struct {
	Topic fabric.Topic
	Err   error
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	return fmt.Sprintf("route to %s: %v", e.Topic, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RouteError) Unwrap() error {
	return e.Err
}
