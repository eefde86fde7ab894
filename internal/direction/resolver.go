// Package direction assigns entry or exit to an event by alternating
// against the last stored event for the same subject at the same terminal.
package direction

import (
	"context"
	"log/slog"

	"attendsync/internal/logging"
	"attendsync/internal/model"
)

type History interface {
	MostRecentEvent(ctx context.Context, subject, terminal string) (model.NormalizedEvent, bool, error)
}

type Resolver struct {
	history History
	logger  *slog.Logger
}

func NewResolver(history History, logger *slog.Logger) *Resolver {
	return &Resolver{history: history, logger: logging.OrDiscard(logger)}
}

// Resolve returns the opposite of the last stored direction, or entry
// when there is no history, no subject, or the lookup fails.
func (r *Resolver) Resolve(ctx context.Context, subject, terminal string) model.Direction {
	if subject == "" {
		return model.DirectionEntry
	}
	last, found, err := r.history.MostRecentEvent(ctx, subject, terminal)
	if err != nil {
		r.logger.Warn("direction lookup failed", "subject", subject, "terminal", terminal, "err", err)
		return model.DirectionEntry
	}
	if !found {
		return model.DirectionEntry
	}
	return last.Direction.Opposite()
}
