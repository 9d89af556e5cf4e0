package chatsync

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned by push-path sends issued while the
	// connection is not open. The frame was queued or dropped.
	ErrNotConnected = errors.New("chatsync: not connected")

	// ErrRateLimited is returned when the outbound push rate is exceeded.
	ErrRateLimited = errors.New("chatsync: outbound rate limit exceeded")

	// ErrSessionActive is returned by NewSession while another session is open.
	ErrSessionActive = errors.New("chatsync: a session is already active")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("chatsync: session closed")

	// ErrCredentialUnusable is the cause reported when a connection ends
	// because the session token is missing or expired.
	ErrCredentialUnusable = errors.New("chatsync: session credential missing or expired")
)

// APIError represents a durable-path error reported by the backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Chat Types
// ============================================================================

// MessageType is the kind of content a chat message carries.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// ChatMessage is a message as seen by both the durable and the push path.
// ID is assigned by the backend and is stable across both.
type ChatMessage struct {
	ID          int64       `json:"id"`
	RoomID      int64       `json:"roomId"`
	SenderID    int64       `json:"senderId"`
	MessageType MessageType `json:"messageType"`
	Content     string      `json:"content"`
	ReplyToID   *int64      `json:"replyToId,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	IsRead      bool        `json:"isRead"`
	ReadAt      *time.Time  `json:"readAt,omitempty"`
	IsEdited    bool        `json:"isEdited"`
}

// SendRequest is the body of a durable send.
type SendRequest struct {
	RoomID      int64       `json:"-"`
	MessageType MessageType `json:"messageType"`
	Content     string      `json:"content"`
	ReplyToID   *int64      `json:"replyToId,omitempty"`
}

// HistoryRequest selects one page of a room's history.
type HistoryRequest struct {
	RoomID   int64
	Page     int
	PageSize int
}

// ReadRequest acknowledges a single message, or the whole room when
// MessageID is zero.
type ReadRequest struct {
	RoomID    int64 `json:"-"`
	MessageID int64 `json:"messageId,omitempty"`
}

// PresenceStatus is a user's connectivity as broadcast by the gateway.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
)

// apiResult is the generic durable API response.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// decode unmarshals the Data field into v.
func (r *apiResult) decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
