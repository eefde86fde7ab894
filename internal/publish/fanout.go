// Package publish delivers stored events to downstream consumers.
package publish

import (
	"context"
	"log/slog"

	"attendsync/internal/ingest"
	"attendsync/internal/logging"
	"attendsync/internal/model"
)

// Fanout notifies every target in order. A panicking target is logged
// and does not stop delivery to the rest.
type Fanout struct {
	targets []ingest.Notifier
	logger  *slog.Logger
}

func NewFanout(logger *slog.Logger, targets ...ingest.Notifier) *Fanout {
	out := &Fanout{logger: logging.OrDiscard(logger)}
	for _, t := range targets {
		if t != nil {
			out.targets = append(out.targets, t)
		}
	}
	return out
}

func (f *Fanout) Notify(ctx context.Context, ev model.NormalizedEvent) {
	for _, t := range f.targets {
		f.notifyOne(ctx, t, ev)
	}
}

func (f *Fanout) notifyOne(ctx context.Context, t ingest.Notifier, ev model.NormalizedEvent) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("notifier panic", "event_id", ev.ID, "panic", r)
		}
	}()
	t.Notify(ctx, ev)
}
