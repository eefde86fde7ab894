package publish

import (
	"context"
	"sync"
	"time"

	"attendsync/internal/model"
)

// Recent keeps the last stored events in memory for the operator API.
type Recent struct {
	mu    sync.RWMutex
	buf   []model.NormalizedEvent
	limit int
}

func NewRecent(limit int) *Recent {
	if limit <= 0 {
		limit = 500
	}
	return &Recent{limit: limit}
}

func (r *Recent) Notify(_ context.Context, ev model.NormalizedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < r.limit {
		r.buf = append(r.buf, ev)
		return
	}
	copy(r.buf, r.buf[1:])
	r.buf[len(r.buf)-1] = ev
}

// List returns up to limit of the newest events, oldest first. A
// non-positive limit returns everything buffered.
func (r *Recent) List(limit int) []model.NormalizedEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.buf) {
		limit = len(r.buf)
	}
	out := make([]model.NormalizedEvent, limit)
	copy(out, r.buf[len(r.buf)-limit:])
	return out
}

// Since filters by event timestamp, not by arrival.
func (r *Recent) Since(ts time.Time) []model.NormalizedEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.NormalizedEvent, 0)
	for _, ev := range r.buf {
		if !ev.Timestamp.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recent) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

func (r *Recent) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
}
