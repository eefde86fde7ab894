package ingest

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"attendsync/internal/config"
	"attendsync/internal/logging"
)

const maxPushBody = 8 << 20

type pushHandler struct {
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewPushHandler serves the webhook terminals deliver events to. Every
// delivery is acknowledged with 200 and a JSON outcome.
func NewPushHandler(p *Pipeline, path string, logger *slog.Logger) http.Handler {
	s := &pushHandler{pipeline: p, logger: logging.OrDiscard(logger)}
	if path == "" {
		path = "/events"
	}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Post(path, s.handlePush)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	return r
}

// NewPushServer builds the receiver's http.Server from config.
func NewPushServer(cfg config.PushConfig, p *Pipeline, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewPushHandler(p, cfg.Path, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
}

func (s *pushHandler) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushBody))
	if err != nil {
		s.logger.Warn("push body read failed", "remote", r.RemoteAddr, "err", err)
		writeJSON(w, PushResult{Outcome: PushUnrecognized, Error: err.Error()})
		return
	}
	res := s.pipeline.IngestPushEvent(r.Context(), body, r.Header, senderHost(r.RemoteAddr))
	if res.Error != "" {
		s.logger.Warn("push event not persisted", "remote", r.RemoteAddr, "err", res.Error)
	}
	writeJSON(w, res)
}

func senderHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
