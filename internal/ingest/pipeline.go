// Package ingest is the single funnel for terminal events: the stream
// task and the push receiver both hand events to a Pipeline, which
// resolves the person and the direction, stores the event and notifies
// downstream consumers.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"attendsync/internal/direction"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
	"attendsync/internal/model"
	"attendsync/internal/storage"
)

type UserDirectory interface {
	PersonByEmployeeNo(ctx context.Context, employeeNo string) (model.Person, bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, ev model.NormalizedEvent)
}

type Pipeline struct {
	store    storage.EventStore
	resolver *direction.Resolver
	users    UserDirectory
	notifier Notifier
	stats    *metrics.Store
	dedupe   *DedupeCache
	locks    terminalLocks
	location *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

type Options struct {
	Users        UserDirectory
	Notifier     Notifier
	Stats        *metrics.Store
	DedupeWindow time.Duration
	Location     *time.Location
	Logger       *slog.Logger
}

func NewPipeline(store storage.EventStore, opts Options) *Pipeline {
	logger := logging.OrDiscard(opts.Logger)
	return &Pipeline{
		store:    store,
		resolver: direction.NewResolver(store, logger),
		users:    opts.Users,
		notifier: opts.Notifier,
		stats:    opts.Stats,
		dedupe:   NewDedupeCache(opts.DedupeWindow),
		location: opts.Location,
		logger:   logger,
		now:      time.Now,
	}
}

// Result describes what happened to one event. Err is set only when the
// store rejected the write.
type Result struct {
	Event    model.NormalizedEvent
	Inserted bool
	Err      error
}

// Accept runs one normalized event through person lookup, direction
// resolution, persistence and notification. Events from one terminal are
// processed one at a time whichever path delivered them, since direction
// depends on the previous stored event.
func (p *Pipeline) Accept(ctx context.Context, ev model.NormalizedEvent) Result {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	unlock := p.locks.lock(ev.Terminal)
	defer unlock()
	p.resolvePerson(ctx, &ev)
	ev.Direction = p.resolver.Resolve(ctx, ev.Subject(), ev.Terminal)

	inserted, err := p.store.AppendEvent(ctx, ev)
	if err != nil {
		p.logger.Error("persist event failed", "terminal", ev.Terminal, "subject", ev.Subject(), "err", err)
		metrics.PersistFailures.Inc()
		p.record(ev, metrics.OutcomeFailed)
		return Result{Event: ev, Err: err}
	}
	if !inserted {
		metrics.EventsDuplicate.WithLabelValues(ev.Source).Inc()
		p.record(ev, metrics.OutcomeDuplicate)
		return Result{Event: ev}
	}
	metrics.EventsIngested.WithLabelValues(ev.Source, string(ev.Direction)).Inc()
	p.record(ev, metrics.OutcomePersisted)
	if p.notifier != nil {
		p.notifier.Notify(ctx, ev)
	}
	return Result{Event: ev, Inserted: true}
}

// HandleEvent lets the pipeline serve as a stream sink.
func (p *Pipeline) HandleEvent(ctx context.Context, ev model.NormalizedEvent) {
	res := p.Accept(ctx, ev)
	if res.Inserted {
		p.logger.Debug("stream event stored", "terminal", ev.Terminal, "subject", res.Event.Subject(), "direction", res.Event.Direction)
	}
}

func (p *Pipeline) resolvePerson(ctx context.Context, ev *model.NormalizedEvent) {
	if p.users == nil || ev.PersonID != "" || strings.TrimSpace(ev.EmployeeNo) == "" {
		return
	}
	person, ok, err := p.users.PersonByEmployeeNo(ctx, ev.EmployeeNo)
	if err != nil {
		p.logger.Warn("user lookup failed", "employee_no", ev.EmployeeNo, "err", err)
		return
	}
	if !ok {
		return
	}
	ev.PersonID = person.ID
	if ev.Name == "" {
		ev.Name = person.Name
	}
}

// ClearDedupe forgets remembered push payloads.
func (p *Pipeline) ClearDedupe() {
	p.dedupe.Clear()
	metrics.PushDedupeEntries.Set(0)
}

func (p *Pipeline) record(ev model.NormalizedEvent, outcome metrics.Outcome) {
	if p.stats != nil {
		p.stats.Record(ev.Terminal, ev.Timestamp, outcome)
	}
}

// terminalLocks hands out one mutex per terminal address.
type terminalLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *terminalLocks) lock(terminal string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	tm, ok := l.m[terminal]
	if !ok {
		tm = &sync.Mutex{}
		l.m[terminal] = tm
	}
	l.mu.Unlock()
	tm.Lock()
	return tm.Unlock
}
