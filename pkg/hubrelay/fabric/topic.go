package fabric

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Family names one of the topic kinds connection actors use.
type Family string

// Topic families.
const (
	// FamilyServerDown carries a notification that a server instance died.
	// Keyed by server ID.
	FamilyServerDown Family = "server-down"

	// FamilyClientDown carries the connection ID of a torn down connection.
	// Keyed by connection ID.
	FamilyClientDown Family = "client-down"

	// FamilyServerInbound carries routed messages for a server instance.
	// Keyed by server ID.
	FamilyServerInbound Family = "server-inbound"
)

// Topic identifies a stream on the fabric.
type Topic struct {
	Family Family
	Key    string
}

// ServerDown returns the server-down topic for a server.
func ServerDown(serverID uuid.UUID) Topic {
	return Topic{Family: FamilyServerDown, Key: serverID.String()}
}

// ClientDown returns the client-down topic for a connection.
func ClientDown(connectionID string) Topic {
	return Topic{Family: FamilyClientDown, Key: connectionID}
}

// ServerInbound returns the inbound routed message topic for a server.
func ServerInbound(serverID uuid.UUID) Topic {
	return Topic{Family: FamilyServerInbound, Key: serverID.String()}
}

// String renders the topic as "family/key".
func (t Topic) String() string {
	return string(t.Family) + "/" + t.Key
}

// IsZero reports whether the topic is unset.
func (t Topic) IsZero() bool {
	return t.Family == "" && t.Key == ""
}

// ParseTopic parses the "family/key" form produced by Topic.String.
func ParseTopic(s string) (Topic, error) {
	family, key, ok := strings.Cut(s, "/")
	if !ok || key == "" {
		return Topic{}, fmt.Errorf("parse topic %q: want family/key", s)
	}
	switch Family(family) {
	case FamilyServerDown, FamilyClientDown, FamilyServerInbound:
		return Topic{Family: Family(family), Key: key}, nil
	default:
		return Topic{}, fmt.Errorf("parse topic %q: unknown family %q", s, family)
	}
}
