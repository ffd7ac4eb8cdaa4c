package state

import (
	"github.com/google/uuid"

	"github.com/Radhika1502/renexus-sub006/pkg/protocol"
)

// OnUserOffline is invoked after a user's last connection is removed and
// their presence record deleted.
type OnUserOffline func(userID string)

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(t Transport, ipAddr string) (*Connection, error)
	// DeregisterConnection removes room memberships and the user association
	// before deleting the connection record. It is idempotent.
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	Connections() []*Connection
	// Terminate closes the transport with the given code and routes through
	// the deregistration path. Safe to invoke multiple times per connection.
	Terminate(connID uuid.UUID, code protocol.CloseCode, reason string)

	// --- Per-IP accounting (connection limiter) ---
	ConnectionCountForIP(ipAddr string) int
	FindOldestConnectionForIP(ipAddr string) (*Connection, bool)

	// --- Presence ---
	// AssociateUser links a connection to a user, creating the user's
	// presence record on their first connection. The association is
	// immutable: re-associating an already-authenticated connection fails.
	AssociateUser(connID uuid.UUID, userID string) (*User, error)
	FindUser(userID string) (*User, bool)
	UserCount() int
	// UpdatePresence merges a partial update into the user's presence record.
	UpdatePresence(userID string, update PresenceUpdate) error
	// Touch refreshes the user's last-active timestamp.
	Touch(userID string)

	// --- Room Membership ---
	JoinRoom(connID uuid.UUID, roomID string) error
	LeaveRoom(connID uuid.UUID, roomID string) error
	FindRoom(roomID string) (*Room, bool)
	RoomCount() int
	// Broadcast delivers msg to every room member whose transport is open,
	// skipping exclude. Returns the number of connections written to.
	Broadcast(roomID string, msg []byte, exclude uuid.UUID) int
}
