package subscription

import (
	"sync"
	"time"
)

// Cooldown rate-limits an action per key.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time), now: time.Now}
}

// Allow reports whether key may act now and, if so, starts its cooldown.
func (c *Cooldown) Allow(key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	now := c.now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && now.Sub(ts) < cooldown {
		return false
	}
	c.last[key] = now
	return true
}
