package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	ErrInvalidFormat = errors.New("invalid message format")
	ErrUnknownType   = errors.New("unknown message type")
)

// MissingFieldError reports a payload that lacks a required field.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("payload missing required field '%s'", e.Field)
}

// Message is the decoded form of an inbound envelope: exactly one variant per
// wire type. The dispatcher switches exhaustively over these, so an unknown
// type can only surface as ErrUnknownType out of Decode.
type Message interface {
	isMessage()
}

// Authenticate carries the opaque credential for the token verifier.
type Authenticate struct {
	Token string
}

// TaskUpdate keeps the payload raw: its shape is client-defined beyond the
// required task id, and it is rebroadcast verbatim.
type TaskUpdate struct {
	TaskID  string
	Payload json.RawMessage
}

type TypingIndicator struct {
	TaskID  string
	Typing  bool
	Payload json.RawMessage
}

type JoinRoom struct {
	RoomID string
}

type LeaveRoom struct {
	RoomID string
}

func (Authenticate) isMessage()    {}
func (TaskUpdate) isMessage()      {}
func (TypingIndicator) isMessage() {}
func (JoinRoom) isMessage()        {}
func (LeaveRoom) isMessage()       {}

// Decode parses a raw inbound frame into its typed variant. Malformed JSON
// yields ErrInvalidFormat; a type outside the protocol yields ErrUnknownType;
// a recognized type with an incomplete payload yields a MissingFieldError.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidFormat
	}

	switch env.Type {
	case TypeAuthenticate:
		var p struct {
			Token  string `json:"token"`
			UserID string `json:"userId"`
		}
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return nil, ErrInvalidFormat
			}
		}
		// Older clients sent the credential under "userId".
		token := p.Token
		if token == "" {
			token = p.UserID
		}
		if token == "" {
			return nil, &MissingFieldError{Field: "token"}
		}
		return Authenticate{Token: token}, nil

	case TypeTaskUpdate:
		taskID := gjson.GetBytes(env.Payload, "taskId")
		if !taskID.Exists() || taskID.String() == "" {
			return nil, &MissingFieldError{Field: "taskId"}
		}
		return TaskUpdate{TaskID: taskID.String(), Payload: env.Payload}, nil

	case TypeTypingIndicator:
		taskID := gjson.GetBytes(env.Payload, "taskId")
		if !taskID.Exists() || taskID.String() == "" {
			return nil, &MissingFieldError{Field: "taskId"}
		}
		typing := gjson.GetBytes(env.Payload, "isTyping").Bool()
		return TypingIndicator{TaskID: taskID.String(), Typing: typing, Payload: env.Payload}, nil

	case TypeJoinRoom, TypeLeaveRoom:
		roomID := gjson.GetBytes(env.Payload, "roomId")
		if !roomID.Exists() || roomID.String() == "" {
			// Room id equals task id by convention, so accept either key.
			roomID = gjson.GetBytes(env.Payload, "taskId")
		}
		if !roomID.Exists() || roomID.String() == "" {
			return nil, &MissingFieldError{Field: "roomId"}
		}
		if env.Type == TypeJoinRoom {
			return JoinRoom{RoomID: roomID.String()}, nil
		}
		return LeaveRoom{RoomID: roomID.String()}, nil

	default:
		return nil, ErrUnknownType
	}
}
