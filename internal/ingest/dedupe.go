package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const dedupeCompactAt = 10000

// DedupeCache remembers push payloads for a short window so a terminal
// retrying the same delivery is not run through the resolver twice.
type DedupeCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]time.Time
}

func NewDedupeCache(ttl time.Duration) *DedupeCache {
	return &DedupeCache{ttl: ttl, items: make(map[string]time.Time)}
}

// PayloadKey hashes the sender together with the raw body.
func PayloadKey(sender string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(sender))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Seen records key and reports whether it was already recorded within
// the window. A zero window disables the cache.
func (d *DedupeCache) Seen(key string, now time.Time) bool {
	if d == nil || d.ttl <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok && now.Sub(ts) <= d.ttl {
		return true
	}
	d.items[key] = now
	if len(d.items) > dedupeCompactAt {
		for k, ts := range d.items {
			if now.Sub(ts) > d.ttl {
				delete(d.items, k)
			}
		}
	}
	return false
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func (d *DedupeCache) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = make(map[string]time.Time)
}
