package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Radhika1502/renexus-sub006/pkg/protocol"
	"github.com/Radhika1502/renexus-sub006/pkg/state"
)

// Options configures the in-memory registry.
type Options struct {
	// AuthTimeout is the deadline for a freshly registered connection to
	// authenticate before it is terminated with CloseAuthTimeout. Zero
	// disables the deadline.
	AuthTimeout time.Duration

	// OnUserOffline, if set, is called after a user's last connection is
	// removed.
	OnUserOffline state.OnUserOffline

	// OnEviction, if set, is called with the close reason whenever the
	// registry itself initiates a termination (the authentication deadline).
	OnEviction func(reason string)
}

// InMemory owns the connection, presence, and room tables. A single lock
// guards all three so every mutation leaves them mutually consistent.
type InMemory struct {
	mu         sync.RWMutex
	conns      map[uuid.UUID]*state.Connection
	users      map[string]*state.User
	rooms      map[string]*state.Room
	connRooms  map[uuid.UUID]map[string]struct{}
	authTimers map[uuid.UUID]*time.Timer

	opts   Options
	logger *slog.Logger
}

func NewInMemory(logger *slog.Logger, opts Options) *InMemory {
	return &InMemory{
		conns:      make(map[uuid.UUID]*state.Connection),
		users:      make(map[string]*state.User),
		rooms:      make(map[string]*state.Room),
		connRooms:  make(map[uuid.UUID]map[string]struct{}),
		authTimers: make(map[uuid.UUID]*time.Timer),
		opts:       opts,
		logger:     logger.With(slog.String("component", "registry")),
	}
}

// compile-time check to ensure InMemory implements Manager.
var _ state.Manager = (*InMemory)(nil)

// --- Connection Lifecycle ---

func (m *InMemory) RegisterConnection(t state.Transport, ipAddr string) (*state.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := t.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	conn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: t,
		CreatedAt: time.Now(),
	}
	conn.Alive.Store(true)
	m.conns[connID] = conn

	if m.opts.AuthTimeout > 0 {
		m.authTimers[connID] = time.AfterFunc(m.opts.AuthTimeout, func() {
			m.logger.Info("Authentication deadline expired", slog.String("connID", connID.String()))
			if m.opts.OnEviction != nil {
				m.opts.OnEviction("authentication timeout")
			}
			m.Terminate(connID, protocol.CloseAuthTimeout, "authentication timeout")
		})
	}

	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return conn, nil
}

func (m *InMemory) DeregisterConnection(connID uuid.UUID) error {
	m.mu.Lock()

	conn, ok := m.conns[connID]
	if !ok {
		// Already deregistered.
		m.mu.Unlock()
		return nil
	}

	if timer, ok := m.authTimers[connID]; ok {
		timer.Stop()
		delete(m.authTimers, connID)
	}

	// Room and user associations are removed before the connection record so
	// no membership set ever references an unknown connection.
	for roomID := range m.connRooms[connID] {
		m.removeFromRoomLocked(connID, roomID)
	}
	delete(m.connRooms, connID)

	var offlineUser string
	if conn.UserID != "" {
		if user, ok := m.users[conn.UserID]; ok {
			delete(user.Connections, connID)
			if len(user.Connections) == 0 {
				delete(m.users, user.ID)
				offlineUser = user.ID
			}
		}
	}

	delete(m.conns, connID)
	m.mu.Unlock()

	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	if offlineUser != "" && m.opts.OnUserOffline != nil {
		m.opts.OnUserOffline(offlineUser)
	}
	return nil
}

func (m *InMemory) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemory) Connections() []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// Terminate closes the transport with the given code and then runs the
// normal deregistration path. Both halves are idempotent, so racing callers
// and the transport's own close callback are all safe.
func (m *InMemory) Terminate(connID uuid.UUID, code protocol.CloseCode, reason string) {
	m.mu.RLock()
	conn, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	m.logger.Info("Terminating connection",
		slog.String("connID", connID.String()),
		slog.Int("code", int(code)),
		slog.String("reason", reason),
	)
	conn.Transport.CloseWithCode(code, reason)
	if err := m.DeregisterConnection(connID); err != nil {
		m.logger.Error("Failed to deregister terminated connection", slog.Any("error", err))
	}
}

// --- Per-IP accounting ---

func (m *InMemory) ConnectionCountForIP(ipAddr string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, c := range m.conns {
		if c.IPAddress == ipAddr {
			count++
		}
	}
	return count
}

func (m *InMemory) FindOldestConnectionForIP(ipAddr string) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *state.Connection
	for _, c := range m.conns {
		if c.IPAddress != ipAddr {
			continue
		}
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	return oldest, oldest != nil
}

// --- Presence ---

func (m *InMemory) AssociateUser(connID uuid.UUID, userID string) (*state.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, errors.New("cannot associate user with unknown connection")
	}
	if conn.UserID != "" {
		return nil, errors.New("connection is already authenticated")
	}

	// Find or create the user's presence record.
	user, exists := m.users[userID]
	if !exists {
		user = &state.User{
			ID:          userID,
			Connections: make(map[uuid.UUID]*state.Connection),
		}
		m.users[userID] = user
		m.logger.Debug("Created presence record", slog.String("userID", userID))
	}

	conn.UserID = userID
	user.Connections[connID] = conn
	user.LastActive = time.Now()

	if timer, ok := m.authTimers[connID]; ok {
		timer.Stop()
		delete(m.authTimers, connID)
	}

	m.logger.Debug("Associated connection with user",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
	)
	return user, nil
}

func (m *InMemory) FindUser(userID string) (*state.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[userID]
	return user, ok
}

func (m *InMemory) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

func (m *InMemory) UpdatePresence(userID string, update state.PresenceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return errors.New("user not found")
	}
	if update.Typing != nil {
		user.Typing = *update.Typing
	}
	if update.ActiveTask != nil {
		user.ActiveTask = *update.ActiveTask
	}
	if update.LastActive != nil {
		user.LastActive = *update.LastActive
	}
	return nil
}

func (m *InMemory) Touch(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user, ok := m.users[userID]; ok {
		user.LastActive = time.Now()
	}
}

// --- Room Membership ---

func (m *InMemory) JoinRoom(connID uuid.UUID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return errors.New("cannot join room: connection not found")
	}

	room, exists := m.rooms[roomID]
	if !exists {
		room = &state.Room{
			ID:      roomID,
			Members: make(map[uuid.UUID]*state.Connection),
		}
		m.rooms[roomID] = room
	}

	if _, member := room.Members[connID]; member {
		return nil
	}
	room.Members[connID] = conn

	if m.connRooms[connID] == nil {
		m.connRooms[connID] = make(map[string]struct{})
	}
	m.connRooms[connID][roomID] = struct{}{}

	m.logger.Debug("Connection joined room",
		slog.String("connID", connID.String()),
		slog.String("roomID", roomID),
	)
	return nil
}

func (m *InMemory) LeaveRoom(connID uuid.UUID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeFromRoomLocked(connID, roomID)
	if set, ok := m.connRooms[connID]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(m.connRooms, connID)
		}
	}
	return nil
}

// removeFromRoomLocked drops a connection from one room, pruning the room
// when its membership set becomes empty. Caller holds the write lock.
func (m *InMemory) removeFromRoomLocked(connID uuid.UUID, roomID string) {
	room, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(room.Members, connID)
	if len(room.Members) == 0 {
		delete(m.rooms, roomID)
		m.logger.Debug("Removed empty room", slog.String("roomID", roomID))
	}
}

func (m *InMemory) FindRoom(roomID string) (*state.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

func (m *InMemory) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *InMemory) Broadcast(roomID string, msg []byte, exclude uuid.UUID) int {
	m.mu.RLock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.RUnlock()
		return 0
	}
	targets := make([]state.Transport, 0, len(room.Members))
	for id, member := range room.Members {
		if id == exclude {
			continue
		}
		// Stale memberships on a closing transport are skipped, not errors.
		if !member.Transport.Open() {
			continue
		}
		targets = append(targets, member.Transport)
	}
	m.mu.RUnlock()

	for _, t := range targets {
		t.Send(msg)
	}
	return len(targets)
}
