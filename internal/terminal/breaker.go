package terminal

import (
	"context"
	"errors"
	"log/slog"

	gobreaker "github.com/sony/gobreaker/v2"

	"attendsync/internal/config"
	"attendsync/internal/metrics"
)

// newBreaker trips on transport-level failures only. A terminal that
// answers 401 or 403 is reachable, so those count as successes.
func newBreaker(deviceID string, cfg config.BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[*response] {
	metrics.BreakerState.WithLabelValues(deviceID).Set(0)
	return gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "terminal-" + deviceID,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			switch KindOf(err) {
			case KindTransport, KindNetwork, KindTLS:
				return false
			}
			return true
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Info("terminal breaker state change", "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(deviceID).Set(stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
