package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	want := Schedule{PollMinutes: 10, SessionUpdateMinutes: 60, DBFlushMinutes: 60}
	if diff := cmp.Diff(want, cfg.Schedule); diff != "" {
		t.Errorf("Default().Schedule mismatch (-want +got):\n%s", diff)
	}
	if cfg.Probe.DailyCheckInterval != time.Minute {
		t.Errorf("DailyCheckInterval = %v, want 1m", cfg.Probe.DailyCheckInterval)
	}
	if cfg.Colors != (Colors{Capacity: "#ff0000", Delta: "#00aa00"}) {
		t.Errorf("Colors = %+v", cfg.Colors)
	}
	if cfg.Database.Path == "" {
		t.Error("Database.Path is empty")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "cs_config.json", `{
  "colors": {"capacity": "#123456", "delta": "#654321"},
  "poll_minutes": 5,
  "session_update_minutes": 30,
  "db_flush_minutes": 120,
  "database": {"path": "/tmp/capscout-test.db"},
  "probe": {"workers": 2, "strategy": "walk", "daily_check_interval": "30s"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if diff := cmp.Diff(Schedule{PollMinutes: 5, SessionUpdateMinutes: 30, DBFlushMinutes: 120}, cfg.Schedule); diff != "" {
		t.Errorf("Schedule mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ProbeConfig{Workers: 2, Strategy: "walk", DailyCheckInterval: 30 * time.Second}, cfg.Probe); diff != "" {
		t.Errorf("Probe mismatch (-want +got):\n%s", diff)
	}
	if cfg.Colors.Capacity != "#123456" || cfg.Colors.Delta != "#654321" {
		t.Errorf("Colors = %+v", cfg.Colors)
	}
	if cfg.Database.Path != "/tmp/capscout-test.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.File() != path {
		t.Errorf("File() = %q, want %q", cfg.File(), path)
	}
	if got := cfg.Schedule.PollInterval(); got != 5*time.Minute {
		t.Errorf("PollInterval() = %v, want 5m", got)
	}
}

func TestLoadPerKeyFallback(t *testing.T) {
	path := writeConfig(t, "capscout.yaml", `
poll_minutes: soon
session_update_minutes: 0
db_flush_minutes: 240
probe:
  strategy: telepathy
`)

	cfg, err := Load(path)
	if err == nil {
		t.Fatal("Load() error = nil, want per-key problems")
	}
	for _, key := range []string{"poll_minutes", "session_update_minutes", "probe.strategy"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("Load() error %q does not mention %s", err, key)
		}
	}

	want := Schedule{PollMinutes: DefaultPollMinutes, SessionUpdateMinutes: DefaultSessionUpdateMinutes, DBFlushMinutes: 240}
	if diff := cmp.Diff(want, cfg.Schedule); diff != "" {
		t.Errorf("Schedule mismatch (-want +got):\n%s", diff)
	}
	if cfg.Probe.Strategy != "auto" {
		t.Errorf("Probe.Strategy = %q, want auto", cfg.Probe.Strategy)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "capscout.json", `{"poll_minutes": 5,`)

	cfg, err := Load(path)
	if err == nil {
		t.Fatal("Load() error = nil, want parse problem")
	}
	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}
	if cfg.Schedule.PollMinutes != DefaultPollMinutes {
		t.Errorf("PollMinutes = %d, want default", cfg.Schedule.PollMinutes)
	}
	if cfg.File() != "" {
		t.Errorf("File() = %q, want empty", cfg.File())
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() error = %v, want nil for a missing file", err)
	}
	if diff := cmp.Diff(Default().Schedule, cfg.Schedule); diff != "" {
		t.Errorf("Schedule mismatch (-want +got):\n%s", diff)
	}
	if cfg.Watch(func(*Config, error) {}) {
		t.Error("Watch() = true without a config file")
	}
}

func TestWatchDeliversReloadedConfig(t *testing.T) {
	path := writeConfig(t, "capscout.yaml", "poll_minutes: 5\ndb_flush_minutes: 30\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	reloaded := make(chan *Config, 16)
	if !cfg.Watch(func(next *Config, _ error) {
		select {
		case reloaded <- next:
		default:
		}
	}) {
		t.Fatal("Watch() = false for a config file")
	}

	if err := os.WriteFile(path, []byte("poll_minutes: 7\ndb_flush_minutes: 15\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// An editor may produce several events; wait for the complete file.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case next := <-reloaded:
			if next.Schedule.PollMinutes != 7 {
				continue
			}
			if next.Schedule.FlushInterval() != 15*time.Minute {
				t.Errorf("FlushInterval() = %v, want 15m", next.Schedule.FlushInterval())
			}
			if next.File() != cfg.File() {
				t.Errorf("File() = %q, want %q", next.File(), cfg.File())
			}
			return
		case <-timeout:
			t.Fatal("no reloaded config within 5s")
		}
	}
}

func TestWatchWithoutFile(t *testing.T) {
	if Default().Watch(func(*Config, error) {}) {
		t.Error("Watch() = true without a config file")
	}
}
