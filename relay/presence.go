package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceStore tracks which sessions are present on which diagram. The
// relay consults it for user_presence counts; a shared backend lets several
// relay instances agree on the roster.
type PresenceStore interface {
	Join(ctx context.Context, diagramID, sessionID string) error
	Leave(ctx context.Context, diagramID, sessionID string) error
	Count(ctx context.Context, diagramID string) (int, error)
}

// MemoryPresence is the single-instance default.
type MemoryPresence struct {
	mu      sync.Mutex
	members map[string]map[string]struct{}
}

// NewMemoryPresence creates an empty in-memory presence store.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{members: make(map[string]map[string]struct{})}
}

func (p *MemoryPresence) Join(_ context.Context, diagramID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.members[diagramID]
	if !ok {
		set = make(map[string]struct{})
		p.members[diagramID] = set
	}
	set[sessionID] = struct{}{}
	return nil
}

func (p *MemoryPresence) Leave(_ context.Context, diagramID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.members[diagramID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(p.members, diagramID)
		}
	}
	return nil
}

func (p *MemoryPresence) Count(_ context.Context, diagramID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members[diagramID]), nil
}

// RedisPresence keeps per-diagram membership sets in Redis with a TTL so
// entries from crashed relays age out.
type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisPresence wraps an existing Redis client.
func NewRedisPresence(rdb *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisPresence{rdb: rdb, ttl: ttl}
}

func presenceKey(diagramID string) string {
	return "presence:diagram:" + diagramID
}

func (p *RedisPresence) Join(ctx context.Context, diagramID, sessionID string) error {
	key := presenceKey(diagramID)
	pipe := p.rdb.TxPipeline()
	pipe.SAdd(ctx, key, sessionID)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence join %s: %w", diagramID, err)
	}
	return nil
}

func (p *RedisPresence) Leave(ctx context.Context, diagramID, sessionID string) error {
	if err := p.rdb.SRem(ctx, presenceKey(diagramID), sessionID).Err(); err != nil {
		return fmt.Errorf("presence leave %s: %w", diagramID, err)
	}
	return nil
}

func (p *RedisPresence) Count(ctx context.Context, diagramID string) (int, error) {
	n, err := p.rdb.SCard(ctx, presenceKey(diagramID)).Result()
	if err != nil {
		return 0, fmt.Errorf("presence count %s: %w", diagramID, err)
	}
	return int(n), nil
}
