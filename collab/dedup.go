package collab

import (
	"sync"
	"time"
)

const (
	defaultDedupTTL      = 5 * time.Minute
	defaultSweepInterval = 60 * time.Second
)

// dedupWindow remembers recently seen message keys so exact duplicates can
// be dropped. Entries keep their first-seen time; duplicates do not refresh
// it.
type dedupWindow struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func newDedupWindow(ttl time.Duration) *dedupWindow {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &dedupWindow{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Seen records key and reports whether it was already present.
func (w *dedupWindow) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[key]; ok {
		return true
	}
	w.seen[key] = w.now()
	return false
}

// Sweep drops entries older than the retention window and returns how many
// were removed.
func (w *dedupWindow) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-w.ttl)
	removed := 0
	for key, at := range w.seen {
		if at.Before(cutoff) {
			delete(w.seen, key)
			removed++
		}
	}
	return removed
}

func (w *dedupWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
