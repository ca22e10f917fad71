package collab

import (
	"time"
)

// NodeType identifies the UML classifier kind a diagram node represents.
type NodeType string

const (
	NodeTypeClass     NodeType = "class"
	NodeTypeInterface NodeType = "interface"
	NodeTypeEnum      NodeType = "enum"
	NodeTypeRecord    NodeType = "record"
)

// Position is a node's canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Attribute is a single field of a classifier. IDs are synthesized during
// cleaning when absent.
type Attribute struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Visibility string   `json:"visibility"`
	Flags      []string `json:"flags,omitempty"`
}

// Method is a single operation of a classifier.
type Method struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	ReturnType string   `json:"returnType"`
	Visibility string   `json:"visibility"`
	Flags      []string `json:"flags,omitempty"`
}

// NodeData carries the classifier contents rendered inside a node.
type NodeData struct {
	Label      string      `json:"label"`
	Attributes []Attribute `json:"attributes,omitempty"`
	Methods    []Method    `json:"methods,omitempty"`
}

// DiagramNode is one classifier on the canvas.
type DiagramNode struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// EdgeData describes the UML relationship an edge represents.
type EdgeData struct {
	RelationshipType   string `json:"relationshipType"`
	Label              string `json:"label,omitempty"`
	SourceMultiplicity string `json:"sourceMultiplicity,omitempty"`
	TargetMultiplicity string `json:"targetMultiplicity,omitempty"`
}

// DiagramEdge is a relationship between two nodes. Source and Target must
// reference valid node IDs; edges that do not are dropped during cleaning.
type DiagramEdge struct {
	ID     string   `json:"id"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Data   EdgeData `json:"data"`
}

// Identity is the per-tab session identity stamped on every outbound
// message. It is created once by the caller and never mutated here.
type Identity struct {
	SessionID string `json:"sessionId"`
	Nickname  string `json:"nickname"`
}

// ConnectedUser is a participant known to a collaboration session.
type ConnectedUser struct {
	SessionID string    `json:"sessionId"`
	Nickname  string    `json:"nickname"`
	JoinedAt  time.Time `json:"joinedAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Viewport is a shared camera position.
type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// CursorEvent is another participant's pointer position.
type CursorEvent struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Nickname  string  `json:"nickname,omitempty"`
	SessionID string  `json:"sessionId,omitempty"`
}

// TypingEvent signals that a participant started or stopped typing.
type TypingEvent struct {
	IsTyping  bool   `json:"isTyping"`
	Nickname  string `json:"nickname"`
	SessionID string `json:"session_id"`
}

// ChatMessage is the normalized shape dispatched for chat payloads,
// regardless of which of the legacy key variants the sender used.
type ChatMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Nickname  string `json:"nickname"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}
