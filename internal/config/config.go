package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel     string             `json:"log_level" yaml:"log_level"`
	Timezone     string             `json:"timezone" yaml:"timezone"`
	Terminal     TerminalConfig     `json:"terminal" yaml:"terminal"`
	Push         PushConfig         `json:"push" yaml:"push"`
	API          APIConfig          `json:"api" yaml:"api"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Publish      PublishConfig      `json:"publish" yaml:"publish"`
	Credentials  CredentialsConfig  `json:"credentials" yaml:"credentials"`
	Subscription SubscriptionConfig `json:"subscription" yaml:"subscription"`
	Devices      []DeviceConfig     `json:"devices" yaml:"devices"`
	Persons      []PersonConfig     `json:"persons" yaml:"persons"`
}

type TerminalConfig struct {
	RequestTimeout    time.Duration `json:"request_timeout" yaml:"request_timeout"`
	ProbeTimeout      time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	BulkTimeout       time.Duration `json:"bulk_timeout" yaml:"bulk_timeout"`
	StreamIdleTimeout time.Duration `json:"stream_idle_timeout" yaml:"stream_idle_timeout"`
	EventTypes        []string      `json:"event_types" yaml:"event_types"`
	EventPartNames    []string      `json:"event_part_names" yaml:"event_part_names"`
	HeartbeatSeconds  int           `json:"heartbeat_seconds" yaml:"heartbeat_seconds"`
	Breaker           BreakerConfig `json:"breaker" yaml:"breaker"`
}

type BreakerConfig struct {
	MinRequests  uint32        `json:"min_requests" yaml:"min_requests"`
	FailureRatio float64       `json:"failure_ratio" yaml:"failure_ratio"`
	Interval     time.Duration `json:"interval" yaml:"interval"`
	OpenTimeout  time.Duration `json:"open_timeout" yaml:"open_timeout"`
}

type PushConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Addr         string        `json:"addr" yaml:"addr"`
	Path         string        `json:"path" yaml:"path"`
	DedupeWindow time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type PublishConfig struct {
	RecentLimit int         `json:"recent_limit" yaml:"recent_limit"`
	Kafka       KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type CredentialsConfig struct {
	Secret string `json:"secret" yaml:"secret"`
}

type SubscriptionConfig struct {
	Autostart         bool          `json:"autostart" yaml:"autostart"`
	WatchdogEnabled   bool          `json:"watchdog_enabled" yaml:"watchdog_enabled"`
	WatchdogInterval  time.Duration `json:"watchdog_interval" yaml:"watchdog_interval"`
	ReconnectCooldown time.Duration `json:"reconnect_cooldown" yaml:"reconnect_cooldown"`
	StopTimeout       time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
	StatusConcurrency int           `json:"status_concurrency" yaml:"status_concurrency"`
}

type DeviceConfig struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Address     string `json:"address" yaml:"address"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	Active      bool   `json:"active" yaml:"active"`
	Kind        string `json:"kind" yaml:"kind"`
	InsecureTLS bool   `json:"insecure_tls" yaml:"insecure_tls"`
}

type PersonConfig struct {
	ID         string                `json:"id" yaml:"id"`
	EmployeeNo string                `json:"employee_no" yaml:"employee_no"`
	Name       string                `json:"name" yaml:"name"`
	Schedule   map[string]ShiftEntry `json:"schedule" yaml:"schedule"`
}

type ShiftEntry struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Timezone: "UTC",
		Terminal: TerminalConfig{
			RequestTimeout:    15 * time.Second,
			ProbeTimeout:      5 * time.Second,
			BulkTimeout:       60 * time.Second,
			StreamIdleTimeout: 90 * time.Second,
			EventTypes:        []string{"AccessControllerEvent"},
			EventPartNames:    []string{"event_log", "AccessControllerEvent"},
			HeartbeatSeconds:  30,
			Breaker: BreakerConfig{
				MinRequests:  5,
				FailureRatio: 0.6,
				Interval:     time.Minute,
				OpenTimeout:  30 * time.Second,
			},
		},
		Push:    PushConfig{Enabled: true, Addr: ":8090", Path: "/events", DedupeWindow: 10 * time.Second},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:attendsync.db?_pragma=busy_timeout(5000)"},
		Publish: PublishConfig{RecentLimit: 500},
		Subscription: SubscriptionConfig{
			Autostart:         true,
			WatchdogEnabled:   true,
			WatchdogInterval:  time.Minute,
			ReconnectCooldown: 2 * time.Minute,
			StopTimeout:       10 * time.Second,
			StatusConcurrency: 8,
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	t := &cfg.Terminal
	if t.RequestTimeout <= 0 {
		t.RequestTimeout = def.Terminal.RequestTimeout
	}
	if t.ProbeTimeout <= 0 {
		t.ProbeTimeout = def.Terminal.ProbeTimeout
	}
	if t.BulkTimeout <= 0 {
		t.BulkTimeout = def.Terminal.BulkTimeout
	}
	if t.StreamIdleTimeout <= 0 {
		t.StreamIdleTimeout = def.Terminal.StreamIdleTimeout
	}
	if len(t.EventTypes) == 0 {
		t.EventTypes = def.Terminal.EventTypes
	}
	if len(t.EventPartNames) == 0 {
		t.EventPartNames = def.Terminal.EventPartNames
	}
	if t.HeartbeatSeconds <= 0 {
		t.HeartbeatSeconds = def.Terminal.HeartbeatSeconds
	}
	if t.Breaker.MinRequests == 0 {
		t.Breaker.MinRequests = def.Terminal.Breaker.MinRequests
	}
	if t.Breaker.FailureRatio <= 0 || t.Breaker.FailureRatio > 1 {
		t.Breaker.FailureRatio = def.Terminal.Breaker.FailureRatio
	}
	if t.Breaker.Interval <= 0 {
		t.Breaker.Interval = def.Terminal.Breaker.Interval
	}
	if t.Breaker.OpenTimeout <= 0 {
		t.Breaker.OpenTimeout = def.Terminal.Breaker.OpenTimeout
	}
	if cfg.Push.Path == "" {
		cfg.Push.Path = def.Push.Path
	}
	if !strings.HasPrefix(cfg.Push.Path, "/") {
		cfg.Push.Path = "/" + cfg.Push.Path
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Publish.RecentLimit <= 0 {
		cfg.Publish.RecentLimit = def.Publish.RecentLimit
	}
	s := &cfg.Subscription
	if s.WatchdogInterval <= 0 {
		s.WatchdogInterval = def.Subscription.WatchdogInterval
	}
	if s.ReconnectCooldown < 0 {
		s.ReconnectCooldown = 0
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = def.Subscription.StopTimeout
	}
	if s.StatusConcurrency <= 0 {
		s.StatusConcurrency = def.Subscription.StatusConcurrency
	}
	for i := range cfg.Devices {
		if cfg.Devices[i].Kind == "" {
			cfg.Devices[i].Kind = "both"
		}
	}
}

func Validate(cfg *Config) error {
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Push.Enabled && cfg.Push.Addr == "" {
		return errors.New("push.addr required when push.enabled is true")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql", "memory":
	default:
		return fmt.Errorf("storage.driver unsupported: %q", cfg.Storage.Driver)
	}
	if cfg.Publish.Kafka.Enabled {
		if len(cfg.Publish.Kafka.Brokers) == 0 || cfg.Publish.Kafka.Topic == "" {
			return errors.New("publish.kafka requires brokers and topic")
		}
	}
	seen := make(map[string]struct{}, len(cfg.Devices))
	for i, d := range cfg.Devices {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("devices[%d].id required", i)
		}
		if strings.TrimSpace(d.Address) == "" {
			return fmt.Errorf("devices[%d].address required", i)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		switch d.Kind {
		case "entry", "exit", "both", "other":
		default:
			return fmt.Errorf("devices[%d].kind invalid: %q", i, d.Kind)
		}
	}
	for i, p := range cfg.Persons {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("persons[%d].id required", i)
		}
		for day, shift := range p.Schedule {
			if _, ok := ParseWeekday(day); !ok {
				return fmt.Errorf("persons[%d].schedule: unknown weekday %q", i, day)
			}
			if _, err := time.Parse("15:04", shift.Start); err != nil {
				return fmt.Errorf("persons[%d].schedule.%s.start: %w", i, day, err)
			}
			if _, err := time.Parse("15:04", shift.End); err != nil {
				return fmt.Errorf("persons[%d].schedule.%s.end: %w", i, day, err)
			}
		}
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func ParseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

// Location returns the configured zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c == nil || c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
