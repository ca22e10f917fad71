package collab

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies a wire message.
type MessageType string

// Diagram channel message types.
const (
	MessageTypeNodeAdd         MessageType = "node_add"
	MessageTypeNodeUpdate      MessageType = "node_update"
	MessageTypeNodeDelete      MessageType = "node_delete"
	MessageTypeEdgeAdd         MessageType = "edge_add"
	MessageTypeEdgeUpdate      MessageType = "edge_update"
	MessageTypeEdgeDelete      MessageType = "edge_delete"
	MessageTypeDiagramChange   MessageType = "diagram_change"
	MessageTypeViewportChange  MessageType = "viewport_change"
	MessageTypeCursorMove      MessageType = "cursor_move"
	MessageTypeUserJoined      MessageType = "user_joined"
	MessageTypeUserLeft        MessageType = "user_left"
	MessageTypeTitleChanged    MessageType = "title_changed"
	MessageTypeChatMessage     MessageType = "chat_message"
	MessageTypeTypingIndicator MessageType = "typing_indicator"
	MessageTypeUserPresence    MessageType = "user_presence"
)

// Chat channel message types. user_joined, user_left, chat_message and
// typing_indicator are shared spellings but live in a disjoint namespace on
// an independent connection.
const (
	MessageTypeUserCount MessageType = "user_count"
)

// Envelope is the self-describing wrapper around every wire message.
// SessionID doubles as the echo-suppression key.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    string          `json:"userId"`
	SessionID string          `json:"sessionId"`
	Timestamp int64           `json:"timestamp"`
}

// DedupKey is the identity used by the inbound duplicate-suppression window.
func (e *Envelope) DedupKey() string {
	return fmt.Sprintf("%s_%s_%d", e.Type, e.SessionID, e.Timestamp)
}

// Validate reports whether the envelope is well-formed enough to process.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("envelope missing type")
	}
	if e.SessionID == "" {
		return fmt.Errorf("envelope missing sessionId")
	}
	return nil
}

// NewEnvelope stamps a payload with the sender identity and a fresh
// millisecond timestamp.
func NewEnvelope(t MessageType, data any, id Identity) (Envelope, error) {
	env := Envelope{
		Type:      t,
		UserID:    id.SessionID,
		SessionID: id.SessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Data = raw
	}
	return env, nil
}

// NodesPayload carries the full replacement node set for node_* messages.
type NodesPayload struct {
	Nodes []DiagramNode `json:"nodes"`
}

// EdgesPayload carries the full replacement edge set for edge_* messages.
type EdgesPayload struct {
	Edges []DiagramEdge `json:"edges"`
}

// DiagramChangePayload may carry nodes, edges and/or a title. Nil slices and
// a nil title mean "not included", not "empty".
type DiagramChangePayload struct {
	Nodes []DiagramNode `json:"nodes,omitempty"`
	Edges []DiagramEdge `json:"edges,omitempty"`
	Title *string       `json:"title,omitempty"`
}

// TitlePayload carries a diagram rename.
type TitlePayload struct {
	Title string `json:"title"`
}

// UserEventPayload announces a participant joining or leaving.
type UserEventPayload struct {
	Nickname  string `json:"nickname"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// PresencePayload reports the current participant set. Users is optional;
// Count is always present.
type PresencePayload struct {
	Count int             `json:"count"`
	Users []ConnectedUser `json:"users,omitempty"`
}

// UserCountPayload is the chat channel's participant count message.
type UserCountPayload struct {
	Count int `json:"count"`
}

// rawChatPayload accepts both key spellings the protocol allows
// (content|message, nickname|user) before normalization.
type rawChatPayload struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Message   string `json:"message"`
	Nickname  string `json:"nickname"`
	User      string `json:"user"`
	Timestamp int64  `json:"timestamp"`
}

// NormalizeChatMessage folds the legacy chat payload variants into one
// shape. Missing IDs are filled with a fresh UUID and missing timestamps
// with the envelope's.
func NormalizeChatMessage(env *Envelope) (ChatMessage, error) {
	var raw rawChatPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return ChatMessage{}, fmt.Errorf("parse chat payload: %w", err)
		}
	}
	msg := ChatMessage{
		ID:        raw.ID,
		Content:   raw.Content,
		Nickname:  raw.Nickname,
		SessionID: env.SessionID,
		Timestamp: raw.Timestamp,
	}
	if msg.Content == "" {
		msg.Content = raw.Message
	}
	if msg.Nickname == "" {
		msg.Nickname = raw.User
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = env.Timestamp
	}
	return msg, nil
}
