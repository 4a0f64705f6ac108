package webhook

import (
	"sync"
	"time"
)

// commentDeduper drops webhook deliveries for comment IDs seen recently.
// The platform redelivers on timeouts, and one comment must not start two
// pipeline runs.
type commentDeduper struct {
	mu      sync.Mutex
	entries map[int64]time.Time
	ttl     time.Duration
}

func newCommentDeduper(ttl time.Duration) *commentDeduper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &commentDeduper{
		entries: make(map[int64]time.Time),
		ttl:     ttl,
	}
}

// markIfNew returns true when the ID has not been seen within the TTL, and
// records it.
func (d *commentDeduper) markIfNew(id int64) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, expiry := range d.entries {
		if now.After(expiry) {
			delete(d.entries, key)
		}
	}

	if expiry, ok := d.entries[id]; ok && now.Before(expiry) {
		return false
	}

	d.entries[id] = now.Add(d.ttl)
	return true
}
