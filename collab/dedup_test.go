package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupWindowSeen(t *testing.T) {
	w := newDedupWindow(time.Minute)

	assert.False(t, w.Seen("node_add_s1_100"))
	assert.True(t, w.Seen("node_add_s1_100"))
	assert.False(t, w.Seen("node_add_s1_101"))
	assert.Equal(t, 2, w.Len())
}

func TestDedupWindowSweep(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	w := newDedupWindow(5 * time.Minute)
	w.now = func() time.Time { return now }

	w.Seen("old")
	now = now.Add(4 * time.Minute)
	w.Seen("recent")

	// "old" is 4 minutes old, still inside the window.
	now = now.Add(30 * time.Second)
	assert.Equal(t, 0, w.Sweep())
	assert.Equal(t, 2, w.Len())

	// Past the TTL for "old" only.
	now = now.Add(time.Minute)
	assert.Equal(t, 1, w.Sweep())
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Seen("recent"))
	assert.False(t, w.Seen("old"))
}

func TestDedupWindowDuplicatesDoNotRefresh(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	w := newDedupWindow(5 * time.Minute)
	w.now = func() time.Time { return now }

	w.Seen("k")
	now = now.Add(4 * time.Minute)
	assert.True(t, w.Seen("k"))

	// The duplicate at t+4m did not reset the entry's first-seen time, so
	// it still expires at t+5m.
	now = now.Add(90 * time.Second)
	assert.Equal(t, 1, w.Sweep())
	assert.Equal(t, 0, w.Len())
}

func TestDedupWindowDefaultTTL(t *testing.T) {
	w := newDedupWindow(0)
	assert.Equal(t, defaultDedupTTL, w.ttl)
}
