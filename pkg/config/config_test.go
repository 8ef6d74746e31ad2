package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	timings, err := cfg.Session.Timings()
	if err != nil {
		t.Fatalf("timings: %v", err)
	}
	if timings.HistoryLimit != DefaultHistoryLimit {
		t.Fatalf("history limit = %d", timings.HistoryLimit)
	}
	if timings.TypingIdle != DefaultTypingIdle || timings.PartnerExpiry != DefaultPartnerExpiry {
		t.Fatalf("timings = %+v", timings)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	body := `
storage:
  db_path: /data/rooms
session:
  history_limit: 25
  typing_idle: 900ms
notify:
  sweep_cron: "*/5 * * * *"
`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("ROOMSYNC_DB_PATH", "/env/rooms")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.DBPath != "/env/rooms" {
		t.Fatalf("env did not win: %q", cfg.Storage.DBPath)
	}
	if cfg.Notify.SweepCron != "*/5 * * * *" {
		t.Fatalf("sweep cron = %q", cfg.Notify.SweepCron)
	}
	timings, err := cfg.Session.Timings()
	if err != nil {
		t.Fatalf("timings: %v", err)
	}
	if timings.HistoryLimit != 25 || timings.TypingIdle != 900*time.Millisecond {
		t.Fatalf("timings = %+v", timings)
	}
}

func TestLoadRejectsBadYAMLAndDurations(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(":\nnot yaml"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("bad yaml accepted")
	}

	s := SessionConfig{TypingIdle: "soon"}
	if _, err := s.Timings(); err == nil {
		t.Fatalf("bad duration accepted")
	}
}
