package state

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Radhika1502/renexus-sub006/pkg/protocol"
)

// Transport is the slice of the transport connection the state layer and its
// callers depend on. *transport.Connection satisfies it; tests substitute
// fakes.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte)
	Ping(ctx context.Context) error
	Open() bool
	Close(err error)
	CloseWithCode(code protocol.CloseCode, reason string)
}

// Connection is the registry's record of a single live transport session.
// Created on transport-accept, destroyed on close/error/eviction.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport Transport
	CreatedAt time.Time

	// UserID is empty until the connection authenticates and immutable once
	// set.
	UserID string

	// Alive is the liveness flag: cleared before each ping, set again only by
	// receipt of the corresponding pong. Touched by the heartbeat supervisor
	// outside the registry locks.
	Alive atomic.Bool
}

// User aggregates one authenticated user's real-time state across all of
// their connections.
type User struct {
	ID          string
	Connections map[uuid.UUID]*Connection

	// Presence attributes.
	LastActive time.Time
	Typing     bool
	ActiveTask string
}

// PresenceUpdate is a partial presence mutation; nil fields are left
// untouched.
type PresenceUpdate struct {
	Typing     *bool
	ActiveTask *string
	LastActive *time.Time
}

// Room is a broadcast scope keyed by task identifier.
type Room struct {
	ID      string
	Members map[uuid.UUID]*Connection
}
