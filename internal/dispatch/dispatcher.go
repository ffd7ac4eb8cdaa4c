package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Radhika1502/renexus-sub006/internal/auth"
	"github.com/Radhika1502/renexus-sub006/internal/metrics"
	"github.com/Radhika1502/renexus-sub006/pkg/protocol"
	"github.com/Radhika1502/renexus-sub006/pkg/state"
)

// Dispatcher is the sole entry point for inbound messages. It enforces the
// authentication gate, routes by message type, and stamps outbound envelopes
// with server-assigned metadata.
type Dispatcher struct {
	logger   *slog.Logger
	state    state.Manager
	verifier auth.Verifier
	metrics  *metrics.Metrics
}

func New(logger *slog.Logger, st state.Manager, verifier auth.Verifier, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		logger:   logger.With(slog.String("component", "dispatcher")),
		state:    st,
		verifier: verifier,
		metrics:  m,
	}
}

// HandleMessage processes one inbound frame. A bad message never drops the
// connection; only authentication failures are fatal here.
func (d *Dispatcher) HandleMessage(ctx context.Context, connID uuid.UUID, raw []byte) {
	conn, ok := d.state.GetConnection(connID)
	if !ok {
		d.logger.Warn("Message from unregistered connection", slog.String("connID", connID.String()))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Handler panicked",
				slog.String("connID", connID.String()),
				slog.Any("panic", r),
			)
			conn.Transport.Send(protocol.ErrorEnvelope("Internal server error"))
		}
	}()

	msg, err := protocol.Decode(raw)
	if err != nil {
		conn.Transport.Send(protocol.ErrorEnvelope(decodeErrorMessage(err)))
		return
	}

	// AUTHENTICATE is processed regardless of current auth state; everything
	// else requires a completed authentication.
	if m, ok := msg.(protocol.Authenticate); ok {
		d.metrics.MessageReceived(protocol.TypeAuthenticate)
		d.handleAuthenticate(ctx, conn, m)
		return
	}

	if conn.UserID == "" {
		conn.Transport.Send(protocol.ErrorEnvelope("Not authenticated"))
		return
	}

	// Every authenticated message refreshes last-active, whatever its type.
	d.state.Touch(conn.UserID)

	switch m := msg.(type) {
	case protocol.TaskUpdate:
		d.metrics.MessageReceived(protocol.TypeTaskUpdate)
		d.handleTaskUpdate(conn, m)
	case protocol.TypingIndicator:
		d.metrics.MessageReceived(protocol.TypeTypingIndicator)
		d.handleTypingIndicator(conn, m)
	case protocol.JoinRoom:
		d.metrics.MessageReceived(protocol.TypeJoinRoom)
		d.handleJoinRoom(conn, m)
	case protocol.LeaveRoom:
		d.metrics.MessageReceived(protocol.TypeLeaveRoom)
		d.handleLeaveRoom(conn, m)
	}
}

func decodeErrorMessage(err error) string {
	var missing *protocol.MissingFieldError
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		return "Unknown message type"
	case errors.As(err, &missing):
		return missing.Error()
	default:
		return "Invalid message format"
	}
}

func (d *Dispatcher) handleAuthenticate(ctx context.Context, conn *state.Connection, msg protocol.Authenticate) {
	if conn.UserID != "" {
		// The user association is immutable; a second AUTHENTICATE is a
		// protocol error, not grounds for disconnection.
		conn.Transport.Send(protocol.ErrorEnvelope("Already authenticated"))
		return
	}

	userID, err := d.verifier.Verify(ctx, msg.Token)
	if err != nil || userID == "" {
		d.metrics.AuthFailed()
		d.metrics.ConnectionEvicted("authentication failed")
		d.logger.Info("Authentication failed",
			slog.String("connID", conn.ID.String()),
			slog.Any("error", err),
		)
		conn.Transport.Send(protocol.ErrorEnvelope("Authentication failed"))
		d.state.Terminate(conn.ID, protocol.CloseAuthFailed, "authentication failed")
		return
	}

	if _, err := d.state.AssociateUser(conn.ID, userID); err != nil {
		d.logger.Error("Failed to associate user", slog.Any("error", err))
		conn.Transport.Send(protocol.ErrorEnvelope("Authentication failed"))
		d.state.Terminate(conn.ID, protocol.CloseAuthFailed, "authentication failed")
		return
	}

	d.logger.Info("Connection authenticated",
		slog.String("connID", conn.ID.String()),
		slog.String("userID", userID),
	)
	d.metrics.SetGauges(d.state.UserCount(), d.state.RoomCount())
	conn.Transport.Send(protocol.AuthSuccessEnvelope(userID))
}

func (d *Dispatcher) handleTaskUpdate(conn *state.Connection, msg protocol.TaskUpdate) {
	d.broadcastToTask(conn, protocol.TypeTaskUpdate, msg.TaskID, msg.Payload)
}

func (d *Dispatcher) handleTypingIndicator(conn *state.Connection, msg protocol.TypingIndicator) {
	update := state.PresenceUpdate{
		Typing:     &msg.Typing,
		ActiveTask: &msg.TaskID,
	}
	if err := d.state.UpdatePresence(conn.UserID, update); err != nil {
		d.logger.Warn("Failed to update presence", slog.String("userID", conn.UserID), slog.Any("error", err))
	}
	d.broadcastToTask(conn, protocol.TypeTypingIndicator, msg.TaskID, msg.Payload)
}

// broadcastToTask stamps the envelope and fans it out to the task's room,
// excluding the originator.
func (d *Dispatcher) broadcastToTask(conn *state.Connection, msgType, taskID string, payload []byte) {
	meta := protocol.NewMetadata(conn.UserID, conn.ID.String())
	meta.TaskID = taskID
	env := protocol.Envelope{
		Type:     msgType,
		Payload:  payload,
		Metadata: meta,
	}
	out, err := env.Marshal()
	if err != nil {
		d.logger.Error("Failed to marshal broadcast", slog.Any("error", err))
		return
	}

	delivered := d.state.Broadcast(taskID, out, conn.ID)
	d.metrics.BroadcastDelivered(delivered)
	d.logger.Debug("Broadcast",
		slog.String("type", msgType),
		slog.String("roomID", taskID),
		slog.Int("delivered", delivered),
	)
}

func (d *Dispatcher) handleJoinRoom(conn *state.Connection, msg protocol.JoinRoom) {
	if err := d.state.JoinRoom(conn.ID, msg.RoomID); err != nil {
		d.logger.Warn("Join failed", slog.String("roomID", msg.RoomID), slog.Any("error", err))
		conn.Transport.Send(protocol.ErrorEnvelope("Internal server error"))
		return
	}
	d.metrics.SetGauges(d.state.UserCount(), d.state.RoomCount())
}

func (d *Dispatcher) handleLeaveRoom(conn *state.Connection, msg protocol.LeaveRoom) {
	if err := d.state.LeaveRoom(conn.ID, msg.RoomID); err != nil {
		d.logger.Warn("Leave failed", slog.String("roomID", msg.RoomID), slog.Any("error", err))
		return
	}
	d.metrics.SetGauges(d.state.UserCount(), d.state.RoomCount())
}
