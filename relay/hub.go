package relay

import (
	"context"
	"sync"
	"time"

	"github.com/umlhive/umlsync/internal/slogging"
)

// Hub maintains the active sessions, keyed by channel and diagram ID.
type Hub struct {
	opts     Options
	presence PresenceStore

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub creates a hub. A nil presence store falls back to in-memory.
func NewHub(presence PresenceStore, opts Options) *Hub {
	if presence == nil {
		presence = NewMemoryPresence()
	}
	return &Hub{
		opts:     opts.withDefaults(),
		presence: presence,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreateSession returns the session for a channel/diagram pair,
// starting its goroutine on first use.
func (h *Hub) GetOrCreateSession(channel Channel, diagramID string) *Session {
	key := string(channel) + ":" + diagramID

	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[key]; ok {
		return s
	}
	s := newSession(channel, diagramID, h.presence)
	h.sessions[key] = s
	metricSessionsActive.Inc()
	go s.Run()

	slogging.Get().Info("hub: created session %s", key)
	return s
}

// CloseSession tears down one session.
func (h *Hub) CloseSession(channel Channel, diagramID string) {
	key := string(channel) + ":" + diagramID

	h.mu.Lock()
	s, ok := h.sessions[key]
	if ok {
		delete(h.sessions, key)
	}
	h.mu.Unlock()

	if ok {
		s.Close()
		metricSessionsActive.Dec()
		slogging.Get().Info("hub: closed session %s", key)
	}
}

// CleanupIdleSessions removes sessions that have no clients or have been
// inactive past the idle timeout.
func (h *Hub) CleanupIdleSessions() {
	cutoff := time.Now().UTC().Add(-h.opts.SessionIdleTimeout)

	h.mu.Lock()
	stale := make([]*Session, 0)
	for key, s := range h.sessions {
		if s.ClientCount() == 0 || s.LastActivity().Before(cutoff) {
			delete(h.sessions, key)
			stale = append(stale, s)
		}
	}
	h.mu.Unlock()

	for _, s := range stale {
		s.Close()
		metricSessionsActive.Dec()
		slogging.Get().Info("hub: cleaned up idle session %s", s.Key)
	}
}

// StartCleanupTimer sweeps idle sessions until the context is cancelled.
func (h *Hub) StartCleanupTimer(ctx context.Context) {
	ticker := time.NewTicker(h.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CleanupIdleSessions()
		case <-ctx.Done():
			return
		}
	}
}

// SessionCount reports how many sessions are live.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Options returns the hub's effective transport options.
func (h *Hub) Options() Options {
	return h.opts
}

// Shutdown closes every session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		metricSessionsActive.Dec()
	}
}
