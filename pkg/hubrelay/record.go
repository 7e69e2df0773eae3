package hubrelay

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/randalmurphal/hubrelay/pkg/hubrelay/fabric"
)

// ConnectionRecord is the durable state of one connection.
// It is only ever changed by applying events.
type ConnectionRecord struct {
	HubName      string    `json:"hub_name"`
	ConnectionID string    `json:"connection_id"`
	ServerID     uuid.UUID `json:"server_id"`
}

// Connected reports whether a server is believed to hold the transport.
func (r ConnectionRecord) Connected() bool {
	return r.ServerID != uuid.Nil
}

// Configured reports whether channel info has been set.
func (r ConnectionRecord) Configured() bool {
	return r.HubName != "" || r.ConnectionID != ""
}

// State derives the lifecycle state the record implies for a live actor.
func (r ConnectionRecord) State() State {
	switch {
	case r.Connected():
		return StateConnected
	case r.Configured():
		return StateDisconnected
	default:
		return StateUnconfigured
	}
}

// supervision is the runtime-only state of an activation. A fresh zero
// value is created for every activation and it is never persisted.
type supervision struct {
	failAttempts atomic.Int32

	// serverDown is held only while the record is connected.
	// Guarded by the actor's turn lock.
	serverDown fabric.Handle
}

// Event kinds as stored in the event log.
const (
	KindSetChannelInfo = "SetChannelInfo"
	KindSetServerID    = "SetServerID"
)

// Event is a state transition of a ConnectionRecord.
type Event interface {
	// Kind returns the event log kind.
	Kind() string

	apply(r *ConnectionRecord)
}

// SetChannelInfo sets the hub name and connection ID.
type SetChannelInfo struct {
	HubName      string `json:"hub_name"`
	ConnectionID string `json:"connection_id"`
}

// Kind implements Event.
func (SetChannelInfo) Kind() string { return KindSetChannelInfo }

func (e SetChannelInfo) apply(r *ConnectionRecord) {
	r.HubName = e.HubName
	r.ConnectionID = e.ConnectionID
}

// SetServerID sets the server holding the transport. uuid.Nil clears it.
type SetServerID struct {
	ServerID uuid.UUID `json:"server_id"`
}

// Kind implements Event.
func (SetServerID) Kind() string { return KindSetServerID }

func (e SetServerID) apply(r *ConnectionRecord) {
	r.ServerID = e.ServerID
}

// Apply returns r with the events applied in order.
func Apply(r ConnectionRecord, events ...Event) ConnectionRecord {
	for _, e := range events {
		e.apply(&r)
	}
	return r
}

// DecodeEvent rebuilds an event from its stored kind and data.
func DecodeEvent(kind string, data []byte) (Event, error) {
	switch kind {
	case KindSetChannelInfo:
		var e SetChannelInfo
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return e, nil
	case KindSetServerID:
		var e SetServerID
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("decode event: unknown kind %q", kind)
	}
}

// Envelope is the payload published on a server's inbound topic.
type Envelope struct {
	HubName      string `json:"hub_name"`
	ConnectionID string `json:"connection_id"`
	Message      any    `json:"message"`
}
