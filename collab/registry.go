package collab

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umlhive/umlsync/internal/slogging"
)

// RegistryConfig carries the settings shared by every client a registry
// creates.
type RegistryConfig struct {
	BaseURL  string
	Identity Identity
	Token    string

	Dialer               *websocket.Dialer
	BackoffBase          time.Duration
	MaxReconnectAttempts int
	DedupTTL             time.Duration
	SweepInterval        time.Duration
}

type registryEntry struct {
	client *Client
	refs   int
}

// Registry hands out sync clients keyed by diagram ID with explicit
// acquire/release lifecycle, guaranteeing a single connection per diagram
// per process no matter how many views subscribe.
type Registry struct {
	cfg RegistryConfig

	mu      sync.Mutex
	entries map[string]*registryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:     cfg,
		entries: make(map[string]*registryEntry),
	}
}

// Acquire returns the diagram's client, creating and connecting it on first
// use. Subsequent acquires share the same client and bump its refcount.
// Connection failures after a successful acquire are handled by the
// client's own reconnect policy.
func (r *Registry) Acquire(diagramID string) (*Client, error) {
	r.mu.Lock()
	if e, ok := r.entries[diagramID]; ok {
		e.refs++
		r.mu.Unlock()
		return e.client, nil
	}

	client, err := NewClient(ClientConfig{
		BaseURL:              r.cfg.BaseURL,
		DiagramID:            diagramID,
		Identity:             r.cfg.Identity,
		Token:                r.cfg.Token,
		Dialer:               r.cfg.Dialer,
		BackoffBase:          r.cfg.BackoffBase,
		MaxReconnectAttempts: r.cfg.MaxReconnectAttempts,
		DedupTTL:             r.cfg.DedupTTL,
		SweepInterval:        r.cfg.SweepInterval,
	})
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.entries[diagramID] = &registryEntry{client: client, refs: 1}
	r.mu.Unlock()

	if err := client.Connect(); err != nil {
		// Recoverable: the client keeps retrying with backoff.
		slogging.Get().Warn("registry: initial connect for diagram %s failed: %v", diagramID, err)
	}
	return client, nil
}

// Release drops one reference. When the last reference goes, the client is
// torn down and removed.
func (r *Registry) Release(diagramID string) {
	r.mu.Lock()
	e, ok := r.entries[diagramID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, diagramID)
	r.mu.Unlock()

	e.client.Close()
}

// Len reports how many diagrams currently hold a live client.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CloseAll tears down every client regardless of refcounts. Used at
// process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		e.client.Close()
	}
}
