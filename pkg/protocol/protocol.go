package protocol

import (
	"encoding/json"
	"time"
)

// Inbound message types.
const (
	TypeAuthenticate    = "AUTHENTICATE"
	TypeTaskUpdate      = "TASK_UPDATE"
	TypeTypingIndicator = "TYPING_INDICATOR"
	TypeJoinRoom        = "JOIN_ROOM"
	TypeLeaveRoom       = "LEAVE_ROOM"
)

// Outbound message types.
const (
	TypeAuthenticateSuccess = "AUTHENTICATE_SUCCESS"
	TypeError               = "ERROR"
)

// CloseCode is a WebSocket close status used by the server. Clients must
// treat any code other than 1000/1001 as a reconnect-and-reauthenticate
// signal.
type CloseCode int

const (
	CloseGoingAway   CloseCode = 1001 // server shutdown
	CloseAuthTimeout CloseCode = 4001 // authentication deadline expired
	ClosePongTimeout CloseCode = 4002 // heartbeat/pong timeout
	CloseAuthFailed  CloseCode = 4003 // credential rejected
)

// Envelope is the wire-level message wrapper. The payload stays raw until the
// type-specific decode step.
type Envelope struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata *Metadata       `json:"metadata,omitempty"`
}

// Metadata carries server-stamped fields on outbound envelopes. Timestamp is
// Unix milliseconds.
type Metadata struct {
	Timestamp int64  `json:"timestamp"`
	UserID    string `json:"userId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
}

// NewMetadata stamps the server-assigned fields for an outbound envelope.
func NewMetadata(userID, clientID string) *Metadata {
	return &Metadata{
		Timestamp: time.Now().UnixMilli(),
		UserID:    userID,
		ClientID:  clientID,
	}
}

// Marshal serializes an envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

type errorPayload struct {
	Message string `json:"message"`
}

// ErrorEnvelope builds an advisory ERROR envelope. Receiving one does not
// imply the connection is being closed.
func ErrorEnvelope(message string) []byte {
	env := Envelope{Type: TypeError}
	env.Payload, _ = json.Marshal(errorPayload{Message: message})
	msg, _ := env.Marshal()
	return msg
}

type authSuccessPayload struct {
	UserID string `json:"userId"`
}

// AuthSuccessEnvelope builds the reply to a successful AUTHENTICATE.
func AuthSuccessEnvelope(userID string) []byte {
	env := Envelope{Type: TypeAuthenticateSuccess}
	env.Payload, _ = json.Marshal(authSuccessPayload{UserID: userID})
	msg, _ := env.Marshal()
	return msg
}
