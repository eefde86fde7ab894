package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"attendsync/internal/config"
	"attendsync/internal/logging"
)

// HTTPServer is the lifecycle half of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server until the context ends, then shuts it
// down gracefully.
type HTTPService struct {
	name            string
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{name: name, server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return h.name }

// Subscriptions is the part of the subscription manager the lifecycle
// service needs.
type Subscriptions interface {
	StartAll(ctx context.Context) int
	StopAll(ctx context.Context)
}

// SubscriptionService optionally starts every active device, then holds
// until shutdown and stops them all.
type SubscriptionService struct {
	subs        Subscriptions
	autostart   bool
	stopTimeout time.Duration
	logger      *slog.Logger
}

func NewSubscriptionService(subs Subscriptions, cfg config.SubscriptionConfig, logger *slog.Logger) *SubscriptionService {
	return &SubscriptionService{
		subs:        subs,
		autostart:   cfg.Autostart,
		stopTimeout: cfg.StopTimeout,
		logger:      logging.OrDiscard(logger),
	}
}

func (s *SubscriptionService) Serve(ctx context.Context) error {
	if s.autostart {
		n := s.subs.StartAll(ctx)
		s.logger.Info("subscriptions started", "devices", n)
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	s.subs.StopAll(stopCtx)
	return ctx.Err()
}

func (s *SubscriptionService) String() string { return "subscriptions" }

// ConfigWatchService polls the config file and reloads it on change.
type ConfigWatchService struct {
	cfg      *config.Manager
	interval time.Duration
	onReload func(*config.Config)
	logger   *slog.Logger
}

func NewConfigWatchService(cfg *config.Manager, interval time.Duration, onReload func(*config.Config), logger *slog.Logger) *ConfigWatchService {
	return &ConfigWatchService{cfg: cfg, interval: interval, onReload: onReload, logger: logging.OrDiscard(logger)}
}

func (c *ConfigWatchService) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	c.cfg.Watch(c.interval, func(next *config.Config) {
		c.logger.Info("config reloaded", "path", c.cfg.Path(), "devices", len(next.Devices), "persons", len(next.Persons))
		if c.onReload != nil {
			c.onReload(next)
		}
	}, func(err error) {
		c.logger.Warn("config reload failed", "path", c.cfg.Path(), "err", err)
	}, stop)
	return ctx.Err()
}

func (c *ConfigWatchService) String() string { return "config-watch" }
