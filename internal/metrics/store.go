package metrics

import (
	"sort"
	"sync"
	"time"
)

// DeviceStats counts what the pipeline did with one terminal's events.
type DeviceStats struct {
	Terminal    string    `json:"terminal"`
	Received    int64     `json:"received"`
	Persisted   int64     `json:"persisted"`
	Duplicates  int64     `json:"duplicates"`
	Failed      int64     `json:"failed"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Outcome int

const (
	OutcomePersisted Outcome = iota
	OutcomeDuplicate
	OutcomeFailed
)

type Store struct {
	mu       sync.RWMutex
	byDevice map[string]*DeviceStats
	limit    int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byDevice: make(map[string]*DeviceStats),
		limit:    limit,
	}
}

func (s *Store) Record(terminal string, eventAt time.Time, outcome Outcome) {
	if terminal == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byDevice[terminal]
	if !ok {
		st = &DeviceStats{Terminal: terminal}
		s.byDevice[terminal] = st
	}
	st.Received++
	switch outcome {
	case OutcomePersisted:
		st.Persisted++
	case OutcomeDuplicate:
		st.Duplicates++
	case OutcomeFailed:
		st.Failed++
	}
	if eventAt.After(st.LastEventAt) {
		st.LastEventAt = eventAt
	}
	st.UpdatedAt = time.Now().UTC()
	if len(s.byDevice) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(terminal string) (DeviceStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byDevice[terminal]
	if !ok {
		return DeviceStats{}, false
	}
	return *st, true
}

func (s *Store) GetAll() []DeviceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeviceStats, 0, len(s.byDevice))
	for _, st := range s.byDevice {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Terminal < out[j].Terminal })
	return out
}

func (s *Store) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, st := range s.byDevice {
		if oldestKey == "" || st.UpdatedAt.Before(oldest) {
			oldestKey = key
			oldest = st.UpdatedAt
		}
	}
	if oldestKey != "" {
		delete(s.byDevice, oldestKey)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDevice = make(map[string]*DeviceStats)
}
