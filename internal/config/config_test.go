package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.SubmitWorkers != 4 {
		t.Errorf("SubmitWorkers = %d, want 4", cfg.SubmitWorkers)
	}
	if cfg.BackoffBase != 30*time.Second {
		t.Errorf("BackoffBase = %s, want 30s", cfg.BackoffBase)
	}
	if cfg.BackoffMax != 15*time.Minute {
		t.Errorf("BackoffMax = %s, want 15m", cfg.BackoffMax)
	}
	if cfg.QuietHoursStart != "01:00" || cfg.QuietHoursEnd != "06:00" {
		t.Errorf("quiet hours = %s-%s", cfg.QuietHoursStart, cfg.QuietHoursEnd)
	}
	if cfg.JobRetention != 720*time.Hour {
		t.Errorf("JobRetention = %s, want 720h", cfg.JobRetention)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SUBMIT_WORKERS", "9")
	t.Setenv("QUIET_HOURS_START", "23:00")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SubmitWorkers != 9 {
		t.Errorf("SubmitWorkers = %d, want 9", cfg.SubmitWorkers)
	}
	if cfg.QuietHoursStart != "23:00" {
		t.Errorf("QuietHoursStart = %s", cfg.QuietHoursStart)
	}
}
