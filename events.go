package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Push envelope types.
const (
	TypeChatMessage    = "chat_message"
	TypeTyping         = "typing"
	TypeMessageRead    = "message_read"
	TypeMessageEdited  = "message_edited"
	TypeMessageDeleted = "message_deleted"
	TypePresence       = "presence"
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
)

// Envelope is the wire unit of the push channel.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
}

// ============================================================================
// Event Payload Types
// ============================================================================

// Event is a decoded envelope payload. The concrete type is selected by the
// envelope type: ChatMessage, TypingEvent, ReadReceipt, MessageEdit,
// MessageDelete, Presence or RoomIntent.
type Event interface {
	EventType() string
}

// TypingEvent reports a user starting or stopping typing in a room.
type TypingEvent struct {
	RoomID   int64  `json:"roomId"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName,omitempty"`
	IsTyping bool   `json:"typing"`
}

// ReadReceipt acknowledges one message, or the whole room when MessageID is 0.
type ReadReceipt struct {
	RoomID    int64     `json:"roomId"`
	MessageID int64     `json:"messageId,omitempty"`
	UserID    int64     `json:"userId,omitempty"`
	ReadAt    time.Time `json:"readAt"`
}

// MessageEdit replaces the content of an existing message.
type MessageEdit struct {
	ID       int64     `json:"id"`
	RoomID   int64     `json:"roomId"`
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

// MessageDelete removes a message from its room.
type MessageDelete struct {
	ID     int64 `json:"id"`
	RoomID int64 `json:"roomId"`
}

// Presence reports a user's connectivity.
type Presence struct {
	UserID   int64          `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen *time.Time     `json:"lastSeen,omitempty"`
}

// RoomIntent is the payload of join_room and leave_room.
type RoomIntent struct {
	Type   string `json:"-"`
	RoomID int64  `json:"roomId"`
}

func (ChatMessage) EventType() string   { return TypeChatMessage }
func (TypingEvent) EventType() string   { return TypeTyping }
func (ReadReceipt) EventType() string   { return TypeMessageRead }
func (MessageEdit) EventType() string   { return TypeMessageEdited }
func (MessageDelete) EventType() string { return TypeMessageDeleted }
func (Presence) EventType() string      { return TypePresence }
func (r RoomIntent) EventType() string  { return r.Type }

// ============================================================================
// Decoding
// ============================================================================

type eventDecoder func(data json.RawMessage) (Event, error)

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var eventDecoders = map[string]eventDecoder{
	TypeChatMessage:    decodeAs[ChatMessage],
	TypeTyping:         decodeAs[TypingEvent],
	TypeMessageRead:    decodeAs[ReadReceipt],
	TypeMessageEdited:  decodeAs[MessageEdit],
	TypeMessageDeleted: decodeAs[MessageDelete],
	TypePresence:       decodeAs[Presence],
	TypeJoinRoom:       decodeRoomIntent(TypeJoinRoom),
	TypeLeaveRoom:      decodeRoomIntent(TypeLeaveRoom),
}

func decodeRoomIntent(typ string) eventDecoder {
	return func(data json.RawMessage) (Event, error) {
		r := RoomIntent{Type: typ}
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return r, nil
	}
}

// errUnknownType marks envelopes with no registered decoder.
type errUnknownType string

func (e errUnknownType) Error() string {
	return fmt.Sprintf("unknown envelope type %q", string(e))
}

// parseEnvelope decodes a raw frame into its envelope.
func parseEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("parse envelope: missing type")
	}
	return env, nil
}

// decodeEvent turns the envelope payload into its concrete variant.
func decodeEvent(env Envelope) (Event, error) {
	dec, ok := eventDecoders[env.Type]
	if !ok {
		return nil, errUnknownType(env.Type)
	}
	ev, err := dec(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

// encodeEnvelope builds the wire form of an outbound frame.
func encodeEnvelope(typ string, data interface{}, now time.Time, requestID string) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{
		Type:      typ,
		Data:      raw,
		Timestamp: now.UTC(),
		RequestID: requestID,
	})
}
