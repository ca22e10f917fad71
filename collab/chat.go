package collab

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/umlhive/umlsync/internal/slogging"
)

// ChatCallbacks is one subscriber's view of a diagram's chat channel.
type ChatCallbacks struct {
	OnMessage       func(m ChatMessage)
	OnUserJoined    func(u ConnectedUser)
	OnUserLeft      func(u ConnectedUser)
	OnUserCount     func(count int)
	OnTyping        func(t TypingEvent)
	OnStatusChanged func(connected bool)
}

// ChatClientConfig configures a chat sub-channel client.
type ChatClientConfig struct {
	BaseURL   string
	DiagramID string
	Identity  Identity
	Token     string

	Dialer               *websocket.Dialer
	BackoffBase          time.Duration
	MaxReconnectAttempts int
}

// ChatClient runs a diagram's chat stream on an independent connection with
// the same lifecycle and backoff discipline as the sync client. Chat never
// mutates diagram state; the two channels are causally independent.
type ChatClient struct {
	cfg  ChatClientConfig
	link *link

	mu      sync.Mutex
	subs    map[uint64]*ChatCallbacks
	nextSub uint64
	users   map[string]ConnectedUser
}

// NewChatClient builds a chat client for one diagram. It does not connect.
func NewChatClient(cfg ChatClientConfig) (*ChatClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.DiagramID == "" {
		return nil, fmt.Errorf("diagram ID is required")
	}
	if cfg.Identity.SessionID == "" {
		return nil, fmt.Errorf("session identity is required")
	}

	url := fmt.Sprintf("%s/diagram/%s/chat/",
		strings.TrimRight(cfg.BaseURL, "/"), cfg.DiagramID)
	url += upgradeQuery(cfg.Identity, cfg.Token, true)

	c := &ChatClient{
		cfg:   cfg,
		subs:  make(map[uint64]*ChatCallbacks),
		users: make(map[string]ConnectedUser),
	}
	c.link = newLink("chat "+cfg.DiagramID, url, cfg.Dialer, cfg.BackoffBase, cfg.MaxReconnectAttempts)
	c.link.onOpen = c.announceJoin
	c.link.onMessage = c.handleMessage
	c.link.onStatus = c.dispatchStatus
	return c, nil
}

// Connect opens the chat channel and announces the local identity.
func (c *ChatClient) Connect() error {
	return c.link.Connect()
}

// Close sends a best-effort user_left and closes the transport normally.
func (c *ChatClient) Close() {
	if c.link.IsConnected() {
		c.sendEnvelope(MessageTypeUserLeft, UserEventPayload{
			Nickname:  c.cfg.Identity.Nickname,
			SessionID: c.cfg.Identity.SessionID,
		})
	}
	c.link.Close()
}

// State reports the connection lifecycle state.
func (c *ChatClient) State() ConnState { return c.link.State() }

// IsConnected reports whether the transport is open.
func (c *ChatClient) IsConnected() bool { return c.link.IsConnected() }

// Subscribe registers callbacks and returns a removal function.
func (c *ChatClient) Subscribe(cb *ChatCallbacks) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = cb
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// ConnectedUsers returns a snapshot of the chat participant roster.
func (c *ChatClient) ConnectedUsers() []ConnectedUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]ConnectedUser, 0, len(c.users))
	for _, u := range c.users {
		users = append(users, u)
	}
	return users
}

// SendChatMessage sends a chat line. Returns false when the connection is
// not open.
func (c *ChatClient) SendChatMessage(content string) bool {
	return c.sendEnvelope(MessageTypeChatMessage, ChatMessage{
		ID:        uuid.NewString(),
		Content:   content,
		Nickname:  c.cfg.Identity.Nickname,
		SessionID: c.cfg.Identity.SessionID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SendTyping broadcasts a typing indicator.
func (c *ChatClient) SendTyping(isTyping bool) bool {
	return c.sendEnvelope(MessageTypeTypingIndicator, TypingEvent{
		IsTyping:  isTyping,
		Nickname:  c.cfg.Identity.Nickname,
		SessionID: c.cfg.Identity.SessionID,
	})
}

func (c *ChatClient) sendEnvelope(t MessageType, data any) bool {
	env, err := NewEnvelope(t, data, c.cfg.Identity)
	if err != nil {
		slogging.Get().Warn("chat %s: %v", c.cfg.DiagramID, err)
		return false
	}
	return c.link.Send(&env)
}

func (c *ChatClient) announceJoin() {
	c.sendEnvelope(MessageTypeUserJoined, UserEventPayload{
		Nickname:  c.cfg.Identity.Nickname,
		SessionID: c.cfg.Identity.SessionID,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *ChatClient) handleMessage(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slogging.Get().Warn("chat %s: discarding malformed message: %v", c.cfg.DiagramID, err)
		return
	}
	if err := env.Validate(); err != nil {
		slogging.Get().Warn("chat %s: discarding message: %v", c.cfg.DiagramID, err)
		return
	}
	if env.SessionID == c.cfg.Identity.SessionID {
		return
	}
	c.dispatch(&env)
}

func (c *ChatClient) dispatch(env *Envelope) {
	switch env.Type {
	case MessageTypeChatMessage:
		msg, err := NormalizeChatMessage(env)
		if err != nil {
			slogging.Get().Warn("chat %s: %v", c.cfg.DiagramID, err)
			return
		}
		c.forEach(func(cb *ChatCallbacks) {
			if cb.OnMessage != nil {
				cb.OnMessage(msg)
			}
		})

	case MessageTypeUserJoined:
		var p UserEventPayload
		if !c.parsePayload(env, &p) {
			return
		}
		if user, added := c.addUser(p, env); added {
			c.forEach(func(cb *ChatCallbacks) {
				if cb.OnUserJoined != nil {
					cb.OnUserJoined(user)
				}
			})
		}

	case MessageTypeUserLeft:
		var p UserEventPayload
		if !c.parsePayload(env, &p) {
			return
		}
		if user, removed := c.removeUser(p, env); removed {
			c.forEach(func(cb *ChatCallbacks) {
				if cb.OnUserLeft != nil {
					cb.OnUserLeft(user)
				}
			})
		}

	case MessageTypeUserCount:
		var p UserCountPayload
		if !c.parsePayload(env, &p) {
			return
		}
		c.forEach(func(cb *ChatCallbacks) {
			if cb.OnUserCount != nil {
				cb.OnUserCount(p.Count)
			}
		})

	case MessageTypeTypingIndicator:
		var p TypingEvent
		if !c.parsePayload(env, &p) {
			return
		}
		if p.SessionID == "" {
			p.SessionID = env.SessionID
		}
		c.forEach(func(cb *ChatCallbacks) {
			if cb.OnTyping != nil {
				cb.OnTyping(p)
			}
		})

	default:
		slogging.Get().Debug("chat %s: ignoring message type %q", c.cfg.DiagramID, env.Type)
	}
}

func (c *ChatClient) parsePayload(env *Envelope, dst any) bool {
	if len(env.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		slogging.Get().Warn("chat %s: discarding %s with malformed payload: %v", c.cfg.DiagramID, env.Type, err)
		return false
	}
	return true
}

func (c *ChatClient) forEach(fn func(cb *ChatCallbacks)) {
	c.mu.Lock()
	snapshot := make([]*ChatCallbacks, 0, len(c.subs))
	for _, cb := range c.subs {
		snapshot = append(snapshot, cb)
	}
	c.mu.Unlock()

	for _, cb := range snapshot {
		fn(cb)
	}
}

func (c *ChatClient) dispatchStatus(connected bool) {
	c.forEach(func(cb *ChatCallbacks) {
		if cb.OnStatusChanged != nil {
			cb.OnStatusChanged(connected)
		}
	})
}

func (c *ChatClient) addUser(p UserEventPayload, env *Envelope) (ConnectedUser, bool) {
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = env.SessionID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if existing, ok := c.users[sessionID]; ok {
		existing.LastSeen = now
		c.users[sessionID] = existing
		return existing, false
	}
	user := ConnectedUser{
		SessionID: sessionID,
		Nickname:  p.Nickname,
		JoinedAt:  now,
		LastSeen:  now,
	}
	c.users[sessionID] = user
	return user, true
}

func (c *ChatClient) removeUser(p UserEventPayload, env *Envelope) (ConnectedUser, bool) {
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = env.SessionID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	user, ok := c.users[sessionID]
	if !ok {
		return ConnectedUser{}, false
	}
	delete(c.users, sessionID)
	return user, true
}
