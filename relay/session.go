package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/umlhive/umlsync/collab"
	"github.com/umlhive/umlsync/internal/slogging"
)

// Channel distinguishes the diagram sync stream from the chat stream. The
// two are causally independent: a session key includes the channel, so a
// diagram and its chat never share a fan-out loop.
type Channel string

const (
	ChannelDiagram Channel = "diagram"
	ChannelChat    Channel = "chat"
)

// serverSessionID tags envelopes the relay synthesizes (leave events,
// presence counts). It can never collide with a client session ID, so no
// client suppresses these as self-echo.
const serverSessionID = "server"

// frame is one inbound message together with its origin, so fan-out can
// exclude the sender.
type frame struct {
	from *Client
	data []byte
}

// Session is one collaborative stream: all clients attached to a diagram's
// sync channel, or to its chat channel.
type Session struct {
	ID        string
	Key       string
	DiagramID string
	Channel   Channel

	register   chan *Client
	unregister chan *Client
	broadcast  chan frame
	done       chan struct{}
	closeOnce  sync.Once

	presence PresenceStore

	mu           sync.RWMutex
	clients      map[*Client]bool
	roster       map[string]collab.ConnectedUser
	lastActivity time.Time
	lastServerTS int64
}

func newSession(channel Channel, diagramID string, presence PresenceStore) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Key:          string(channel) + ":" + diagramID,
		DiagramID:    diagramID,
		Channel:      channel,
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan frame, 64),
		done:         make(chan struct{}),
		presence:     presence,
		clients:      make(map[*Client]bool),
		roster:       make(map[string]collab.ConnectedUser),
		lastActivity: time.Now().UTC(),
	}
}

// Run processes registration and fan-out for this session until it is
// closed. One goroutine per session.
func (s *Session) Run() {
	for {
		select {
		case client := <-s.register:
			s.handleRegister(client)

		case client := <-s.unregister:
			s.handleUnregister(client)

		case f := <-s.broadcast:
			s.fanOut(f)

		case <-s.done:
			return
		}
	}
}

func (s *Session) handleRegister(client *Client) {
	s.mu.Lock()
	s.clients[client] = true
	s.roster[client.identity.SessionID] = collab.ConnectedUser{
		SessionID: client.identity.SessionID,
		Nickname:  client.identity.Nickname,
		JoinedAt:  time.Now().UTC(),
		LastSeen:  time.Now().UTC(),
	}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	if err := s.presence.Join(context.Background(), s.DiagramID, client.identity.SessionID); err != nil {
		slogging.Get().Warn("session %s: presence join failed: %v", s.Key, err)
	}

	metricConnectionsActive.WithLabelValues(string(s.Channel)).Inc()
	slogging.Get().Info("session %s: %s (%s) joined", s.Key, client.identity.Nickname, client.identity.SessionID)

	// The joining client announces itself with its own user_joined
	// message; the relay only refreshes the shared count.
	s.broadcastPresence()
}

func (s *Session) handleUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	close(client.send)
	user, hadRoster := s.roster[client.identity.SessionID]
	delete(s.roster, client.identity.SessionID)
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	if err := s.presence.Leave(context.Background(), s.DiagramID, client.identity.SessionID); err != nil {
		slogging.Get().Warn("session %s: presence leave failed: %v", s.Key, err)
	}

	metricConnectionsActive.WithLabelValues(string(s.Channel)).Dec()
	slogging.Get().Info("session %s: %s (%s) left", s.Key, client.identity.Nickname, client.identity.SessionID)

	// Synthesize the leave for dropped connections; a voluntary leave
	// already produced one, and receivers treat repeats as no-ops.
	if hadRoster {
		s.broadcastServerMessage(collab.MessageTypeUserLeft, collab.UserEventPayload{
			Nickname:  user.Nickname,
			SessionID: user.SessionID,
		}, nil)
	}
	s.broadcastPresence()
}

// fanOut forwards one client's message to every other participant. The
// sender is excluded server-side; clients additionally suppress self-echo
// in case an older relay reflects everything.
func (s *Session) fanOut(f frame) {
	delivered := 0
	var evicted []*Client

	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	if f.from != nil {
		if user, ok := s.roster[f.from.identity.SessionID]; ok {
			user.LastSeen = time.Now().UTC()
			s.roster[f.from.identity.SessionID] = user
		}
	}
	for client := range s.clients {
		if client == f.from {
			continue
		}
		select {
		case client.send <- f.data:
			delivered++
		default:
			// Slow consumer: drop the connection rather than block
			// the whole session.
			slogging.Get().Warn("session %s: send buffer full, dropping %s", s.Key, client.identity.SessionID)
			delete(s.clients, client)
			close(client.send)
			delete(s.roster, client.identity.SessionID)
			metricConnectionsActive.WithLabelValues(string(s.Channel)).Dec()
			evicted = append(evicted, client)
		}
	}
	s.mu.Unlock()

	metricMessagesBroadcast.WithLabelValues(string(s.Channel)).Add(float64(delivered))

	// An evicted client is already out of the membership maps, so its
	// readPump's eventual Deregister is a no-op; presence release and the
	// departure announcement happen here instead. Outside the lock because
	// the broadcasts below re-enter fanOut.
	for _, client := range evicted {
		if err := s.presence.Leave(context.Background(), s.DiagramID, client.identity.SessionID); err != nil {
			slogging.Get().Warn("session %s: presence leave failed: %v", s.Key, err)
		}
		s.broadcastServerMessage(collab.MessageTypeUserLeft, collab.UserEventPayload{
			Nickname:  client.identity.Nickname,
			SessionID: client.identity.SessionID,
		}, nil)
	}
	if len(evicted) > 0 {
		s.broadcastPresence()
	}
}

// broadcastPresence pushes the current participant snapshot to everyone.
// Diagram sessions get a full user_presence roster; chat sessions get the
// lighter user_count.
func (s *Session) broadcastPresence() {
	count, err := s.presence.Count(context.Background(), s.DiagramID)
	if err != nil {
		slogging.Get().Warn("session %s: presence count failed: %v", s.Key, err)
		s.mu.RLock()
		count = len(s.roster)
		s.mu.RUnlock()
	}

	if s.Channel == ChannelChat {
		s.broadcastServerMessage(collab.MessageTypeUserCount, collab.UserCountPayload{Count: count}, nil)
		return
	}

	s.mu.RLock()
	users := make([]collab.ConnectedUser, 0, len(s.roster))
	for _, u := range s.roster {
		users = append(users, u)
	}
	s.mu.RUnlock()

	s.broadcastServerMessage(collab.MessageTypeUserPresence, collab.PresencePayload{
		Count: count,
		Users: users,
	}, nil)
}

// broadcastServerMessage sends a relay-synthesized envelope to every client
// except skip. Timestamps are forced monotonic so rapid-fire server events
// within one millisecond are not collapsed by client dedup windows.
func (s *Session) broadcastServerMessage(t collab.MessageType, payload any, skip *Client) {
	env, err := collab.NewEnvelope(t, payload, collab.Identity{SessionID: serverSessionID, Nickname: serverSessionID})
	if err != nil {
		slogging.Get().Error("session %s: %v", s.Key, err)
		return
	}

	s.mu.Lock()
	if env.Timestamp <= s.lastServerTS {
		env.Timestamp = s.lastServerTS + 1
	}
	s.lastServerTS = env.Timestamp
	s.mu.Unlock()

	data, err := json.Marshal(&env)
	if err != nil {
		slogging.Get().Error("session %s: marshal %s: %v", s.Key, t, err)
		return
	}
	s.fanOut(frame{from: skip, data: data})
}

// Register hands a client to the session goroutine, bounded so a wedged
// session cannot hang the HTTP handler.
func (s *Session) Register(client *Client, timeout time.Duration) error {
	select {
	case s.register <- client:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-time.After(timeout):
		return errRegisterTimeout
	}
}

// Deregister is safe to call after the session has been closed.
func (s *Session) Deregister(client *Client) {
	select {
	case s.unregister <- client:
	case <-s.done:
	}
}

// Forward queues an inbound frame for fan-out, dropping it if the session
// is gone.
func (s *Session) Forward(f frame) {
	select {
	case s.broadcast <- f:
	case <-s.done:
	}
}

// Close stops the session goroutine and disconnects remaining clients.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		clients := make([]*Client, 0, len(s.clients))
		for client := range s.clients {
			clients = append(clients, client)
		}
		s.clients = make(map[*Client]bool)
		s.roster = make(map[string]collab.ConnectedUser)
		s.mu.Unlock()

		for _, client := range clients {
			close(client.send)
			metricConnectionsActive.WithLabelValues(string(s.Channel)).Dec()
		}
	})
}

// ClientCount reports how many clients are attached.
func (s *Session) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// LastActivity reports the most recent register/broadcast time.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}
