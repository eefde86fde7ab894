package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"attendsync/internal/model"
)

// memoryStore keeps events in process. Used by the "memory" driver and
// by tests.
type memoryStore struct {
	mu     sync.RWMutex
	keys   map[string]struct{}
	events []model.NormalizedEvent
}

func NewMemory() Store {
	return &memoryStore{keys: make(map[string]struct{})}
}

func (m *memoryStore) Init(context.Context) error { return nil }
func (m *memoryStore) Close() error               { return nil }

func (m *memoryStore) AppendEvent(_ context.Context, ev model.NormalizedEvent) (bool, error) {
	key := DedupeKey(ev)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.keys[key]; dup {
		return false, nil
	}
	m.keys[key] = struct{}{}
	ev.Timestamp = ev.Timestamp.UTC()
	m.events = append(m.events, ev)
	return true, nil
}

func (m *memoryStore) MostRecentEvent(_ context.Context, subject, terminal string) (model.NormalizedEvent, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  model.NormalizedEvent
		found bool
	)
	for _, ev := range m.events {
		if ev.Subject() != subject || ev.Terminal != terminal {
			continue
		}
		// Later appends win ties, matching seq ordering in the SQL stores.
		if !found || !ev.Timestamp.Before(best.Timestamp) {
			best, found = ev, true
		}
	}
	return best, found, nil
}

func (m *memoryStore) EventsInRange(_ context.Context, subject string, from, to time.Time) ([]model.NormalizedEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.NormalizedEvent
	for _, ev := range m.events {
		if ev.Subject() != subject || ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
