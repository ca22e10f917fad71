package collab

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umlhive/umlsync/internal/slogging"
)

// Callbacks is one subscriber's view of the diagram channel. Any field may
// be nil. Callbacks are invoked from the connection's read goroutine, in
// transport order.
type Callbacks struct {
	OnNodesChanged    func(nodes []DiagramNode)
	OnEdgesChanged    func(edges []DiagramEdge)
	OnTitleChanged    func(title string)
	OnViewportChanged func(v Viewport)
	OnCursorMoved     func(c CursorEvent)
	OnUserJoined      func(u ConnectedUser)
	OnUserLeft        func(u ConnectedUser)
	OnPresence        func(count int, users []ConnectedUser)
	OnChatMessage     func(m ChatMessage)
	OnTyping          func(t TypingEvent)
	OnStatusChanged   func(connected bool)
}

// ClientConfig configures a diagram sync client. BaseURL is the websocket
// root, e.g. ws://localhost:8080/ws.
type ClientConfig struct {
	BaseURL   string
	DiagramID string
	Identity  Identity

	// Token is a bearer JWT sent as a query parameter on the upgrade
	// request. Leave empty against relays with authentication disabled.
	Token string

	// Optional knobs; zero values pick the protocol defaults.
	Dialer               *websocket.Dialer
	BackoffBase          time.Duration
	MaxReconnectAttempts int
	DedupTTL             time.Duration
	SweepInterval        time.Duration
}

// Client maintains at most one live connection to a diagram's sync channel,
// translating between wire envelopes and typed subscriber callbacks. It
// never owns diagram state: inbound payloads are reconciled and handed to
// subscribers; outbound edits are stamped and sent.
type Client struct {
	cfg    ClientConfig
	link   *link
	window *dedupWindow

	mu       sync.Mutex
	subs     map[uint64]*Callbacks
	nextSub  uint64
	users    map[string]ConnectedUser
	sweepCh  chan struct{}
	sweeping bool
}

// NewClient builds a client for one diagram. It does not connect.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.DiagramID == "" {
		return nil, fmt.Errorf("diagram ID is required")
	}
	if cfg.Identity.SessionID == "" {
		return nil, fmt.Errorf("session identity is required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	url := fmt.Sprintf("%s/diagrams/%s/%s/",
		strings.TrimRight(cfg.BaseURL, "/"), cfg.DiagramID, cfg.Identity.SessionID)
	url += upgradeQuery(cfg.Identity, cfg.Token, false)

	c := &Client{
		cfg:    cfg,
		window: newDedupWindow(cfg.DedupTTL),
		subs:   make(map[uint64]*Callbacks),
		users:  make(map[string]ConnectedUser),
	}
	c.link = newLink("diagram "+cfg.DiagramID, url, cfg.Dialer, cfg.BackoffBase, cfg.MaxReconnectAttempts)
	c.link.onOpen = c.announceJoin
	c.link.onMessage = c.handleMessage
	c.link.onStatus = c.dispatchStatus
	return c, nil
}

// Connect opens the diagram channel. Once open, a user_joined message
// carrying the local identity is sent automatically. Dial failures are
// recovered by the reconnect policy; the returned error is informational.
func (c *Client) Connect() error {
	c.startSweeper()
	return c.link.Connect()
}

// Close tears the connection down deliberately: a user_left message is sent
// while the transport is still open, then it closes with a normal status
// code. Pending reconnect and sweep timers are cancelled. The client may be
// reconnected later with Connect.
func (c *Client) Close() {
	if c.link.IsConnected() {
		c.sendEnvelope(MessageTypeUserLeft, UserEventPayload{
			Nickname:  c.cfg.Identity.Nickname,
			SessionID: c.cfg.Identity.SessionID,
		})
	}
	c.link.Close()
	c.stopSweeper()
}

// State reports the connection lifecycle state.
func (c *Client) State() ConnState { return c.link.State() }

// IsConnected reports whether the transport is open.
func (c *Client) IsConnected() bool { return c.link.IsConnected() }

// Identity returns the session identity this client stamps on outbound
// messages.
func (c *Client) Identity() Identity { return c.cfg.Identity }

// Subscribe registers a callback set and returns a function that removes
// it. Multiple consumers may subscribe to the same client; the network
// connection stays singular.
func (c *Client) Subscribe(cb *Callbacks) (unsubscribe func()) {
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

// ConnectedUsers returns a snapshot of the known participant roster.
func (c *Client) ConnectedUsers() []ConnectedUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]ConnectedUser, 0, len(c.users))
	for _, u := range c.users {
		users = append(users, u)
	}
	return users
}

// SendMessage stamps data with the local identity and a fresh timestamp and
// sends it. It is a no-op returning false unless the connection is open.
func (c *Client) SendMessage(t MessageType, data any) bool {
	return c.sendEnvelope(t, data)
}

// SendNodes broadcasts a full replacement node set under the given node_*
// message type.
func (c *Client) SendNodes(t MessageType, nodes []DiagramNode) bool {
	return c.sendEnvelope(t, NodesPayload{Nodes: nodes})
}

// SendEdges broadcasts a full replacement edge set under the given edge_*
// message type.
func (c *Client) SendEdges(t MessageType, edges []DiagramEdge) bool {
	return c.sendEnvelope(t, EdgesPayload{Edges: edges})
}

// SendDiagramChange broadcasts a combined snapshot. Nil fields are omitted
// from the payload.
func (c *Client) SendDiagramChange(p DiagramChangePayload) bool {
	return c.sendEnvelope(MessageTypeDiagramChange, p)
}

// SendCursor broadcasts the local pointer position.
func (c *Client) SendCursor(x, y float64) bool {
	return c.sendEnvelope(MessageTypeCursorMove, CursorEvent{
		X:         x,
		Y:         y,
		Nickname:  c.cfg.Identity.Nickname,
		SessionID: c.cfg.Identity.SessionID,
	})
}

// SendTitle broadcasts a diagram rename.
func (c *Client) SendTitle(title string) bool {
	return c.sendEnvelope(MessageTypeTitleChanged, TitlePayload{Title: title})
}

func (c *Client) sendEnvelope(t MessageType, data any) bool {
	env, err := NewEnvelope(t, data, c.cfg.Identity)
	if err != nil {
		slogging.Get().Warn("diagram %s: %v", c.cfg.DiagramID, err)
		return false
	}
	return c.link.Send(&env)
}

func (c *Client) announceJoin() {
	c.sendEnvelope(MessageTypeUserJoined, UserEventPayload{
		Nickname:  c.cfg.Identity.Nickname,
		SessionID: c.cfg.Identity.SessionID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleMessage implements the inbound pipeline: parse, duplicate
// suppression, self-echo suppression, then typed dispatch. The dedup hash
// is recorded before the echo check so a later replay of our own message is
// still recognized as a duplicate.
func (c *Client) handleMessage(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slogging.Get().Warn("diagram %s: discarding malformed message: %v", c.cfg.DiagramID, err)
		return
	}
	if err := env.Validate(); err != nil {
		slogging.Get().Warn("diagram %s: discarding message: %v", c.cfg.DiagramID, err)
		return
	}
	if c.window.Seen(env.DedupKey()) {
		slogging.Get().Debug("diagram %s: dropped duplicate %s", c.cfg.DiagramID, env.Type)
		return
	}
	if env.SessionID == c.cfg.Identity.SessionID {
		return
	}
	c.dispatch(&env)
}

func (c *Client) dispatch(env *Envelope) {
	switch env.Type {
	case MessageTypeNodeAdd, MessageTypeNodeUpdate, MessageTypeNodeDelete:
		var p NodesPayload
		if !c.parsePayload(env, &p) {
			return
		}
		nodes := cleanNodes(p.Nodes)
		c.forEach(func(cb *Callbacks) {
			if cb.OnNodesChanged != nil {
				cb.OnNodesChanged(nodes)
			}
		})

	case MessageTypeEdgeAdd, MessageTypeEdgeUpdate, MessageTypeEdgeDelete:
		var p EdgesPayload
		if !c.parsePayload(env, &p) {
			return
		}
		// Edge-only payloads do not carry the node set, so orphan
		// removal is deferred to the presentation layer's save path.
		edges := cleanEdges(p.Edges, nil)
		c.forEach(func(cb *Callbacks) {
			if cb.OnEdgesChanged != nil {
				cb.OnEdgesChanged(edges)
			}
		})

	case MessageTypeDiagramChange:
		var p DiagramChangePayload
		if !c.parsePayload(env, &p) {
			return
		}
		if p.Nodes != nil || p.Edges != nil {
			var nodes []DiagramNode
			var edges []DiagramEdge
			if p.Nodes != nil {
				nodes, edges = Clean(p.Nodes, p.Edges)
			} else {
				// Edge-only snapshots carry no node set, so orphan
				// removal is deferred just like the edge_* path.
				edges = cleanEdges(p.Edges, nil)
			}
			c.forEach(func(cb *Callbacks) {
				if p.Nodes != nil && cb.OnNodesChanged != nil {
					cb.OnNodesChanged(nodes)
				}
				if p.Edges != nil && cb.OnEdgesChanged != nil {
					cb.OnEdgesChanged(edges)
				}
			})
		}
		if p.Title != nil {
			title := *p.Title
			c.forEach(func(cb *Callbacks) {
				if cb.OnTitleChanged != nil {
					cb.OnTitleChanged(title)
				}
			})
		}

	case MessageTypeTitleChanged:
		var p TitlePayload
		if !c.parsePayload(env, &p) {
			return
		}
		c.forEach(func(cb *Callbacks) {
			if cb.OnTitleChanged != nil {
				cb.OnTitleChanged(p.Title)
			}
		})

	case MessageTypeViewportChange:
		var p Viewport
		if !c.parsePayload(env, &p) {
			return
		}
		c.forEach(func(cb *Callbacks) {
			if cb.OnViewportChanged != nil {
				cb.OnViewportChanged(p)
			}
		})

	case MessageTypeCursorMove:
		var p CursorEvent
		if !c.parsePayload(env, &p) {
			return
		}
		if p.SessionID == "" {
			p.SessionID = env.SessionID
		}
		c.forEach(func(cb *Callbacks) {
			if cb.OnCursorMoved != nil {
				cb.OnCursorMoved(p)
			}
		})

	case MessageTypeUserJoined:
		var p UserEventPayload
		if !c.parsePayload(env, &p) {
			return
		}
		if user, added := c.addUser(p, env); added {
			c.forEach(func(cb *Callbacks) {
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
			c.forEach(func(cb *Callbacks) {
				if cb.OnUserLeft != nil {
					cb.OnUserLeft(user)
				}
			})
		}

	case MessageTypeUserPresence:
		var p PresencePayload
		if !c.parsePayload(env, &p) {
			return
		}
		if p.Users != nil {
			c.replaceRoster(p.Users)
		}
		c.forEach(func(cb *Callbacks) {
			if cb.OnPresence != nil {
				cb.OnPresence(p.Count, p.Users)
			}
		})

	case MessageTypeChatMessage:
		msg, err := NormalizeChatMessage(env)
		if err != nil {
			slogging.Get().Warn("diagram %s: %v", c.cfg.DiagramID, err)
			return
		}
		c.forEach(func(cb *Callbacks) {
			if cb.OnChatMessage != nil {
				cb.OnChatMessage(msg)
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
		c.forEach(func(cb *Callbacks) {
			if cb.OnTyping != nil {
				cb.OnTyping(p)
			}
		})

	default:
		// Unrecognized types are ignored without error.
		slogging.Get().Debug("diagram %s: ignoring message type %q", c.cfg.DiagramID, env.Type)
	}
}

func (c *Client) parsePayload(env *Envelope, dst any) bool {
	if len(env.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		slogging.Get().Warn("diagram %s: discarding %s with malformed payload: %v", c.cfg.DiagramID, env.Type, err)
		return false
	}
	return true
}

// forEach invokes fn for a snapshot of the current subscribers.
func (c *Client) forEach(fn func(cb *Callbacks)) {
	c.mu.Lock()
	snapshot := make([]*Callbacks, 0, len(c.subs))
	for _, cb := range c.subs {
		snapshot = append(snapshot, cb)
	}
	c.mu.Unlock()

	for _, cb := range snapshot {
		fn(cb)
	}
}

func (c *Client) dispatchStatus(connected bool) {
	c.forEach(func(cb *Callbacks) {
		if cb.OnStatusChanged != nil {
			cb.OnStatusChanged(connected)
		}
	})
}

// addUser inserts a participant keyed by session ID. Rejoining only bumps
// last-seen; the joined callback fires once per roster entry.
func (c *Client) addUser(p UserEventPayload, env *Envelope) (ConnectedUser, bool) {
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

func (c *Client) removeUser(p UserEventPayload, env *Envelope) (ConnectedUser, bool) {
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

func (c *Client) replaceRoster(users []ConnectedUser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = make(map[string]ConnectedUser, len(users))
	for _, u := range users {
		if u.SessionID != "" {
			c.users[u.SessionID] = u
		}
	}
}

// startSweeper runs the periodic dedup-window sweep. One sweeper per
// client; stopped by Close and restarted by a later Connect.
func (c *Client) startSweeper() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sweeping {
		return
	}
	c.sweeping = true
	c.sweepCh = make(chan struct{})
	stop := c.sweepCh

	go func() {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := c.window.Sweep(); removed > 0 {
					slogging.Get().Debug("diagram %s: swept %d dedup entries", c.cfg.DiagramID, removed)
				}
			case <-stop:
				return
			}
		}
	}()
}

func (c *Client) stopSweeper() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sweeping {
		return
	}
	c.sweeping = false
	close(c.sweepCh)
	c.sweepCh = nil
}
