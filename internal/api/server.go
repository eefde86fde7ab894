package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendsync/internal/attendance"
	"attendsync/internal/config"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
	"attendsync/internal/model"
	"attendsync/internal/publish"
	"attendsync/internal/subscription"
)

const defaultSyncWindow = 24 * time.Hour

type Subscriptions interface {
	StartSubscription(ctx context.Context, id string) error
	StopSubscription(ctx context.Context, id string) error
	Reconnect(ctx context.Context, id string) error
	GetStatus(ctx context.Context, id string) model.DeviceStatus
	GetAllStatuses(ctx context.Context) []model.DeviceStatus
	SyncRecords(ctx context.Context, id string, from, to time.Time) (subscription.SyncResult, error)
	State(id string) model.SubscriptionState
}

type Reports interface {
	Daily(ctx context.Context, personID string, date time.Time) (attendance.Report, error)
}

type DedupeClearer interface {
	ClearDedupe()
}

type Options struct {
	Config        *config.Manager
	Subscriptions Subscriptions
	Reports       Reports
	Recent        *publish.Recent
	Stats         *metrics.Store
	Dedupe        DedupeClearer
	Logger        *slog.Logger
	Version       string
}

type Server struct {
	cfg     *config.Manager
	subs    Subscriptions
	reports Reports
	recent  *publish.Recent
	stats   *metrics.Store
	dedupe  DedupeClearer
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status       string       `json:"status"`
	Time         string       `json:"time"`
	Version      string       `json:"version"`
	ConfigPath   string       `json:"config_path"`
	Timezone     string       `json:"timezone"`
	Devices      int          `json:"devices"`
	Persons      int          `json:"persons"`
	Push         pushStatus   `json:"push"`
	API          apiStatus    `json:"api"`
	Storage      string       `json:"storage"`
	Kafka        bool         `json:"kafka"`
	Subscription subStatusCfg `json:"subscription"`
}

type pushStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type subStatusCfg struct {
	Autostart        bool   `json:"autostart"`
	Watchdog         bool   `json:"watchdog"`
	WatchdogInterval string `json:"watchdog_interval"`
}

func NewServer(opts Options) *Server {
	return &Server{
		cfg:     opts.Config,
		subs:    opts.Subscriptions,
		reports: opts.Reports,
		recent:  opts.Recent,
		stats:   opts.Stats,
		dedupe:  opts.Dedupe,
		logger:  logging.OrDiscard(opts.Logger),
		version: opts.Version,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Route("/devices", func(r chi.Router) {
		r.Get("/", s.handleDevices)
		r.Get("/{id}", s.handleDevice)
		r.Post("/{id}/subscribe", s.handleSubscribe)
		r.Post("/{id}/unsubscribe", s.handleUnsubscribe)
		r.Post("/{id}/reconnect", s.handleReconnect)
		r.Post("/{id}/sync", s.handleSync)
	})
	r.Get("/events/recent", s.handleRecent)
	r.Get("/attendance/{person}", s.handleAttendance)
	r.Get("/stats", s.handleStats)
	r.Get("/stats/{terminal}", s.handleStats)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/admin/clear", s.handleClear)
	return r
}

// NewHTTPServer builds the API's http.Server from config.
func (s *Server) NewHTTPServer(cfg config.APIConfig) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Timezone:   cfg.Location().String(),
		Devices:    len(cfg.Devices),
		Persons:    len(cfg.Persons),
		Push:       pushStatus{Enabled: cfg.Push.Enabled, Addr: cfg.Push.Addr, Path: cfg.Push.Path},
		API:        apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Storage:    cfg.Storage.Driver,
		Kafka:      cfg.Publish.Kafka.Enabled,
		Subscription: subStatusCfg{
			Autostart:        cfg.Subscription.Autostart,
			Watchdog:         cfg.Subscription.WatchdogEnabled,
			WatchdogInterval: cfg.Subscription.WatchdogInterval.String(),
		},
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	all := s.subs.GetAllStatuses(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": all,
		"count":   len(all),
	})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	status := s.subs.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if status.ConnectionStatus == model.ConnectionNotFound {
		writeJSON(w, http.StatusNotFound, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, "subscribe", s.subs.StartSubscription)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, "unsubscribe", s.subs.StopSubscription)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.deviceAction(w, r, "reconnect", s.subs.Reconnect)
}

func (s *Server) deviceAction(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		s.logger.Warn("device action failed", "op", op, "device_id", id, "err", err)
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"device_id": id,
		"state":     s.subs.State(id),
	})
}

// handleSync pulls stored terminal records. from and to are RFC 3339 and
// default to the last 24 hours.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	to := time.Now().UTC()
	from := to.Add(-defaultSyncWindow)
	var err error
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid to"))
			return
		}
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid from"))
			return
		}
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, errors.New("to before from"))
		return
	}
	res, err := s.subs.SyncRecords(r.Context(), id, from, to)
	if err != nil {
		s.logger.Warn("sync failed", "device_id", id, "err", err)
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.NormalizedEvent
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid since"))
			return
		}
		list = s.recent.Since(ts)
	} else {
		list = s.recent.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	loc := s.cfg.Get().Location()
	date := time.Now().In(loc)
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := time.ParseInLocation("2006-01-02", v, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("date must be YYYY-MM-DD"))
			return
		}
		date = d
	}
	report, err := s.reports.Daily(r.Context(), chi.URLParam(r, "person"), date)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if terminal := chi.URLParam(r, "terminal"); terminal != "" {
		stats, ok := s.stats.Get(terminal)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	all := s.stats.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": all,
		"count": len(all),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.recent.Clear()
		s.stats.Clear()
		if s.dedupe != nil {
			s.dedupe.ClearDedupe()
		}
	case "events":
		s.recent.Clear()
	case "stats":
		s.stats.Clear()
	case "dedupe":
		if s.dedupe != nil {
			s.dedupe.ClearDedupe()
		}
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown target"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, subscription.ErrDeviceNotFound), errors.Is(err, attendance.ErrPersonNotFound):
		return http.StatusNotFound
	case errors.Is(err, subscription.ErrDeviceInactive):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
