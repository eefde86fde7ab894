package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "cfg.yaml", `
log_level: debug
timezone: Europe/Berlin
terminal:
  probe_timeout: 2s
devices:
  - id: gate-1
    address: http://10.0.0.5
    username: admin
    active: true
persons:
  - id: p1
    employee_no: "1001"
    schedule:
      monday: {start: "09:00", end: "18:00"}
      fri: {start: "22:00", end: "06:00"}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Terminal.ProbeTimeout != 2*time.Second {
		t.Fatalf("probe timeout: %s", cfg.Terminal.ProbeTimeout)
	}
	if cfg.Terminal.BulkTimeout != DefaultConfig().Terminal.BulkTimeout {
		t.Fatalf("bulk timeout default not applied: %s", cfg.Terminal.BulkTimeout)
	}
	if cfg.Devices[0].Kind != "both" {
		t.Fatalf("device kind default: %q", cfg.Devices[0].Kind)
	}
	if cfg.Location().String() != "Europe/Berlin" {
		t.Fatalf("location: %s", cfg.Location())
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "cfg.json", `{"log_level":"warn","storage":{"driver":"memory"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.Storage.Driver != "memory" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := map[string]func(*Config){
		"duplicate device": func(c *Config) {
			c.Devices = []DeviceConfig{{ID: "a", Address: "x", Kind: "both"}, {ID: "a", Address: "y", Kind: "both"}}
		},
		"missing address": func(c *Config) {
			c.Devices = []DeviceConfig{{ID: "a", Kind: "both"}}
		},
		"bad weekday": func(c *Config) {
			c.Persons = []PersonConfig{{ID: "p", Schedule: map[string]ShiftEntry{"funday": {Start: "09:00", End: "10:00"}}}}
		},
		"bad clock": func(c *Config) {
			c.Persons = []PersonConfig{{ID: "p", Schedule: map[string]ShiftEntry{"mon": {Start: "9am", End: "10:00"}}}}
		},
		"kafka without topic": func(c *Config) {
			c.Publish.Kafka = KafkaConfig{Enabled: true, Brokers: []string{"b:9092"}}
		},
		"driver": func(c *Config) {
			c.Storage.Driver = "mysql"
		},
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "cfg.yaml", "log_level: info\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(path, []byte("log_level: error\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	needs, err := m.NeedsReload()
	if err != nil || !needs {
		t.Fatalf("expected reload needed, got %v %v", needs, err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.LogLevel != "error" || m.Get().LogLevel != "error" {
		t.Fatalf("reload not applied")
	}
}
