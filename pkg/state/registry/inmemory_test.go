package registry_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Radhika1502/renexus-sub006/pkg/protocol"
	"github.com/Radhika1502/renexus-sub006/pkg/state"
	"github.com/Radhika1502/renexus-sub006/pkg/state/registry"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestManager() *registry.InMemory {
	return registry.NewInMemory(newTestLogger(), registry.Options{})
}

// fakeTransport records everything the registry does to a connection.
type fakeTransport struct {
	id uuid.UUID

	mu          sync.Mutex
	sent        [][]byte
	closed      bool
	closeCode   protocol.CloseCode
	closeReason string
	pingErr     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{id: uuid.New()}
}

func (f *fakeTransport) ID() uuid.UUID { return f.id }

func (f *fakeTransport) Send(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) Close(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) CloseWithCode(code protocol.CloseCode, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) closedWith() (bool, protocol.CloseCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// --- Connection Lifecycle Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()
	ft := newFakeTransport()

	// 1. Register
	conn, err := m.RegisterConnection(ft, "127.0.0.1")
	if err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	if conn.ID != ft.ID() {
		t.Errorf("Registered connection ID mismatch")
	}
	if !conn.Alive.Load() {
		t.Error("New connection should start with the liveness flag set")
	}

	// 2. Duplicate registration is rejected
	if _, err := m.RegisterConnection(ft, "127.0.0.1"); err == nil {
		t.Error("Expected error registering the same transport twice")
	}

	// 3. Get
	retrieved, found := m.GetConnection(ft.ID())
	if !found {
		t.Fatal("GetConnection failed to find registered connection")
	}
	if retrieved.ID != ft.ID() {
		t.Errorf("Retrieved connection ID mismatch")
	}

	// 4. Deregister
	if err := m.DeregisterConnection(ft.ID()); err != nil {
		t.Fatalf("DeregisterConnection failed: %v", err)
	}
	if _, found := m.GetConnection(ft.ID()); found {
		t.Error("Found connection after it should have been deregistered")
	}

	// 5. Deregistering again is a no-op
	if err := m.DeregisterConnection(ft.ID()); err != nil {
		t.Errorf("Second DeregisterConnection should be a no-op, got: %v", err)
	}
}

func TestAuthDeadlineTerminatesConnection(t *testing.T) {
	m := registry.NewInMemory(newTestLogger(), registry.Options{AuthTimeout: 20 * time.Millisecond})
	ft := newFakeTransport()

	if _, err := m.RegisterConnection(ft, "127.0.0.1"); err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	closed, code := ft.closedWith()
	if !closed {
		t.Fatal("Expected connection to be closed after the auth deadline")
	}
	if code != protocol.CloseAuthTimeout {
		t.Errorf("Expected close code %d, got %d", protocol.CloseAuthTimeout, code)
	}
	if _, found := m.GetConnection(ft.ID()); found {
		t.Error("Timed-out connection should be gone from the registry")
	}
}

func TestAuthDeadlineCancelledOnAssociate(t *testing.T) {
	m := registry.NewInMemory(newTestLogger(), registry.Options{AuthTimeout: 20 * time.Millisecond})
	ft := newFakeTransport()

	m.RegisterConnection(ft, "127.0.0.1")
	if _, err := m.AssociateUser(ft.ID(), "u1"); err != nil {
		t.Fatalf("AssociateUser failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	if closed, _ := ft.closedWith(); closed {
		t.Error("Authenticated connection must not be closed by the auth deadline")
	}
	if _, found := m.GetConnection(ft.ID()); !found {
		t.Error("Authenticated connection should still be registered")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	m := newTestManager()
	ft := newFakeTransport()
	m.RegisterConnection(ft, "127.0.0.1")

	m.Terminate(ft.ID(), protocol.ClosePongTimeout, "heartbeat timeout")
	m.Terminate(ft.ID(), protocol.CloseGoingAway, "server shutdown")

	closed, code := ft.closedWith()
	if !closed {
		t.Fatal("Expected connection to be closed")
	}
	if code != protocol.ClosePongTimeout {
		t.Errorf("Second Terminate must not override the original close code, got %d", code)
	}
	if _, found := m.GetConnection(ft.ID()); found {
		t.Error("Terminated connection should be gone from the registry")
	}
}

// --- Presence Tests ---

func TestUserAssociationAndPresenceLifecycle(t *testing.T) {
	offline := make(chan string, 1)
	m := registry.NewInMemory(newTestLogger(), registry.Options{
		OnUserOffline: func(userID string) { offline <- userID },
	})
	userID := "user-1"
	ft1, ft2 := newFakeTransport(), newFakeTransport()

	m.RegisterConnection(ft1, "1.1.1.1")
	m.RegisterConnection(ft2, "2.2.2.2")

	user, err := m.AssociateUser(ft1.ID(), userID)
	if err != nil {
		t.Fatalf("AssociateUser (1) failed: %v", err)
	}
	if user.ID != userID {
		t.Errorf("Expected user ID %s, got %s", userID, user.ID)
	}

	if _, err := m.AssociateUser(ft2.ID(), userID); err != nil {
		t.Fatalf("AssociateUser (2) failed: %v", err)
	}
	if u, _ := m.FindUser(userID); len(u.Connections) != 2 {
		t.Errorf("Expected 2 connections for user, got %d", len(u.Connections))
	}

	// Dropping one connection keeps the presence record.
	m.DeregisterConnection(ft1.ID())
	if _, found := m.FindUser(userID); !found {
		t.Fatal("Presence record must survive while a connection remains")
	}
	select {
	case <-offline:
		t.Fatal("Offline callback fired while the user still had a connection")
	default:
	}

	// Dropping the last connection removes the record and signals offline.
	m.DeregisterConnection(ft2.ID())
	if _, found := m.FindUser(userID); found {
		t.Error("Presence record should be deleted with the last connection")
	}
	select {
	case got := <-offline:
		if got != userID {
			t.Errorf("Offline callback got user %q, want %q", got, userID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Expected offline callback for the user's last connection")
	}
}

func TestAssociationIsImmutable(t *testing.T) {
	m := newTestManager()
	ft := newFakeTransport()
	m.RegisterConnection(ft, "127.0.0.1")

	if _, err := m.AssociateUser(ft.ID(), "u1"); err != nil {
		t.Fatalf("AssociateUser failed: %v", err)
	}
	if _, err := m.AssociateUser(ft.ID(), "u2"); err == nil {
		t.Error("Re-associating an authenticated connection must fail")
	}
	conn, _ := m.GetConnection(ft.ID())
	if conn.UserID != "u1" {
		t.Errorf("UserID changed on failed re-association: %s", conn.UserID)
	}
}

func TestUpdatePresenceMergesPartially(t *testing.T) {
	m := newTestManager()
	ft := newFakeTransport()
	m.RegisterConnection(ft, "127.0.0.1")
	m.AssociateUser(ft.ID(), "u1")

	typing := true
	task := "task-42"
	if err := m.UpdatePresence("u1", state.PresenceUpdate{Typing: &typing, ActiveTask: &task}); err != nil {
		t.Fatalf("UpdatePresence failed: %v", err)
	}

	u, _ := m.FindUser("u1")
	if !u.Typing || u.ActiveTask != "task-42" {
		t.Errorf("Presence not applied: typing=%v activeTask=%q", u.Typing, u.ActiveTask)
	}

	// A later partial update must not clobber untouched fields.
	notTyping := false
	if err := m.UpdatePresence("u1", state.PresenceUpdate{Typing: &notTyping}); err != nil {
		t.Fatalf("UpdatePresence failed: %v", err)
	}
	u, _ = m.FindUser("u1")
	if u.Typing {
		t.Error("Typing flag should have been cleared")
	}
	if u.ActiveTask != "task-42" {
		t.Errorf("ActiveTask clobbered by partial update: %q", u.ActiveTask)
	}

	if err := m.UpdatePresence("ghost", state.PresenceUpdate{Typing: &typing}); err == nil {
		t.Error("UpdatePresence for unknown user should fail")
	}
}

func TestTouchRefreshesLastActive(t *testing.T) {
	m := newTestManager()
	ft := newFakeTransport()
	m.RegisterConnection(ft, "127.0.0.1")
	m.AssociateUser(ft.ID(), "u1")

	before, _ := m.FindUser("u1")
	first := before.LastActive
	time.Sleep(5 * time.Millisecond)
	m.Touch("u1")

	after, _ := m.FindUser("u1")
	if !after.LastActive.After(first) {
		t.Error("Touch did not advance LastActive")
	}
}

// --- Room Membership Tests ---

func TestRoomMembership(t *testing.T) {
	m := newTestManager()
	ft1, ft2 := newFakeTransport(), newFakeTransport()
	roomID := "task-42"
	m.RegisterConnection(ft1, "1.1.1.1")
	m.RegisterConnection(ft2, "2.2.2.2")

	if err := m.JoinRoom(ft1.ID(), roomID); err != nil {
		t.Fatalf("Join (1) failed: %v", err)
	}
	if err := m.JoinRoom(ft2.ID(), roomID); err != nil {
		t.Fatalf("Join (2) failed: %v", err)
	}
	// Joining twice is a no-op.
	if err := m.JoinRoom(ft1.ID(), roomID); err != nil {
		t.Fatalf("Repeated join failed: %v", err)
	}

	room, found := m.FindRoom(roomID)
	if !found {
		t.Fatal("Room not found after join")
	}
	if len(room.Members) != 2 {
		t.Fatalf("Expected 2 members in room, got %d", len(room.Members))
	}

	if err := m.LeaveRoom(ft1.ID(), roomID); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	// Leaving twice leaves state identical to leaving once.
	if err := m.LeaveRoom(ft1.ID(), roomID); err != nil {
		t.Fatalf("Repeated leave failed: %v", err)
	}
	room, _ = m.FindRoom(roomID)
	if len(room.Members) != 1 {
		t.Fatalf("Expected 1 member after leave, got %d", len(room.Members))
	}

	// Empty rooms are pruned.
	m.LeaveRoom(ft2.ID(), roomID)
	if _, found := m.FindRoom(roomID); found {
		t.Error("Expected room to be deleted after last member left")
	}
	if m.RoomCount() != 0 {
		t.Errorf("Expected 0 rooms, got %d", m.RoomCount())
	}
}

func TestJoinUnknownConnectionFails(t *testing.T) {
	m := newTestManager()
	if err := m.JoinRoom(uuid.New(), "task-1"); err == nil {
		t.Error("Joining with an unregistered connection must fail")
	}
}

func TestDeregisterCleansRoomsAndPresence(t *testing.T) {
	m := newTestManager()
	ft1, ft2 := newFakeTransport(), newFakeTransport()
	m.RegisterConnection(ft1, "1.1.1.1")
	m.RegisterConnection(ft2, "2.2.2.2")
	m.AssociateUser(ft1.ID(), "u1")
	m.AssociateUser(ft2.ID(), "u2")
	m.JoinRoom(ft1.ID(), "task-1")
	m.JoinRoom(ft1.ID(), "task-2")
	m.JoinRoom(ft2.ID(), "task-1")

	m.DeregisterConnection(ft1.ID())

	if _, found := m.GetConnection(ft1.ID()); found {
		t.Error("Connection still present after deregistration")
	}
	if room, found := m.FindRoom("task-1"); !found {
		t.Error("task-1 should survive, ft2 is still a member")
	} else if _, member := room.Members[ft1.ID()]; member {
		t.Error("Deregistered connection still in task-1 membership")
	}
	if _, found := m.FindRoom("task-2"); found {
		t.Error("task-2 should have been pruned as empty")
	}
	if _, found := m.FindUser("u1"); found {
		t.Error("Presence record for u1 should be gone")
	}
	if _, found := m.FindUser("u2"); !found {
		t.Error("Presence record for u2 should be untouched")
	}
}

// --- Broadcast Tests ---

func TestBroadcastExcludesSenderAndClosedTransports(t *testing.T) {
	m := newTestManager()
	sender, open, stale := newFakeTransport(), newFakeTransport(), newFakeTransport()
	for _, ft := range []*fakeTransport{sender, open, stale} {
		m.RegisterConnection(ft, "127.0.0.1")
		m.JoinRoom(ft.ID(), "task-9")
	}
	// stale's transport is no longer open but its membership lingers.
	stale.Close(nil)

	delivered := m.Broadcast("task-9", []byte(`{"type":"TASK_UPDATE"}`), sender.ID())

	if delivered != 1 {
		t.Errorf("Expected 1 delivery, got %d", delivered)
	}
	if sender.sentCount() != 0 {
		t.Error("Broadcast must not echo back to the sender")
	}
	if open.sentCount() != 1 {
		t.Errorf("Open member expected 1 message, got %d", open.sentCount())
	}
	if stale.sentCount() != 0 {
		t.Error("Closed member must be skipped silently")
	}
}

func TestBroadcastUnknownRoom(t *testing.T) {
	m := newTestManager()
	if n := m.Broadcast("nope", []byte("x"), uuid.New()); n != 0 {
		t.Errorf("Broadcast to unknown room delivered %d", n)
	}
}

// --- Per-IP accounting ---

func TestPerIPAccounting(t *testing.T) {
	m := newTestManager()
	ft1, ft2, ft3 := newFakeTransport(), newFakeTransport(), newFakeTransport()
	m.RegisterConnection(ft1, "10.0.0.1")
	time.Sleep(2 * time.Millisecond) // distinct CreatedAt
	m.RegisterConnection(ft2, "10.0.0.1")
	m.RegisterConnection(ft3, "10.0.0.2")

	if n := m.ConnectionCountForIP("10.0.0.1"); n != 2 {
		t.Errorf("Expected 2 connections for 10.0.0.1, got %d", n)
	}
	oldest, found := m.FindOldestConnectionForIP("10.0.0.1")
	if !found {
		t.Fatal("Expected to find oldest connection")
	}
	if oldest.ID != ft1.ID() {
		t.Errorf("Expected oldest connection %s, got %s", ft1.ID(), oldest.ID)
	}
	if _, found := m.FindOldestConnectionForIP("10.0.0.9"); found {
		t.Error("Found a connection for an IP with none")
	}
}
