package subscription

import (
	"context"
	"log/slog"
	"time"

	"attendsync/internal/config"
	"attendsync/internal/logging"
)

// Watchdog reconnects devices whose stream ended on its own. Each device
// is retried at most once per cooldown, and devices parked by an auth
// failure are not retried at all.
type Watchdog struct {
	manager  *Manager
	cfg      *config.Manager
	cooldown *Cooldown
	logger   *slog.Logger
}

func NewWatchdog(m *Manager, cfg *config.Manager, logger *slog.Logger) *Watchdog {
	return &Watchdog{manager: m, cfg: cfg, cooldown: NewCooldown(), logger: logging.OrDiscard(logger)}
}

// Serve runs sweeps until ctx is done.
func (w *Watchdog) Serve(ctx context.Context) error {
	interval := w.cfg.Get().Subscription.WatchdogInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current := w.cfg.Get().Subscription
			if !current.WatchdogEnabled {
				continue
			}
			if current.WatchdogInterval != interval {
				interval = current.WatchdogInterval
				ticker.Reset(interval)
			}
			w.Sweep(ctx)
		}
	}
}

// Sweep attempts one reconnect per eligible device and returns how many
// were attempted.
func (w *Watchdog) Sweep(ctx context.Context) int {
	cooldown := w.cfg.Get().Subscription.ReconnectCooldown
	attempts := 0
	for _, id := range w.manager.wantedDisconnected() {
		if ctx.Err() != nil {
			break
		}
		if !w.cooldown.Allow(id, cooldown) {
			continue
		}
		attempts++
		// Success does not reset the cooldown; a flapping stream waits it out.
		_ = w.manager.Reconnect(ctx, id)
	}
	if attempts > 0 {
		w.logger.Debug("watchdog sweep", "attempts", attempts)
	}
	return attempts
}

func (w *Watchdog) String() string { return "subscription-watchdog" }
