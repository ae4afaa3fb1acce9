package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DatabasePath != "./data/autopromo.db" {
		t.Errorf("database path = %q", cfg.DatabasePath)
	}
	if cfg.NATSURL != "nats://127.0.0.1:4222" {
		t.Errorf("nats url = %q", cfg.NATSURL)
	}
	if cfg.LoginInterval != 5*time.Second {
		t.Errorf("login interval = %v", cfg.LoginInterval)
	}
	if cfg.MonitorInterval != 30*time.Second {
		t.Errorf("monitor interval = %v", cfg.MonitorInterval)
	}
	if cfg.DedupTTL != 10*time.Minute {
		t.Errorf("dedup ttl = %v", cfg.DedupTTL)
	}
	if cfg.RepostWindow != 24*time.Hour {
		t.Errorf("repost window = %v", cfg.RepostWindow)
	}
	if cfg.MetricsAddr != "" {
		t.Errorf("metrics addr = %q", cfg.MetricsAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_PATH", "/tmp/x.db")
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("MONITOR_INTERVAL", "1m")
	t.Setenv("REPOST_WINDOW", "12h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabasePath != "/tmp/x.db" {
		t.Errorf("database path = %q", cfg.DatabasePath)
	}
	if cfg.NATSURL != "nats://broker:4222" {
		t.Errorf("nats url = %q", cfg.NATSURL)
	}
	if cfg.MonitorInterval != time.Minute {
		t.Errorf("monitor interval = %v", cfg.MonitorInterval)
	}
	if cfg.RepostWindow != 12*time.Hour {
		t.Errorf("repost window = %v", cfg.RepostWindow)
	}
}

func TestLoadBareSeconds(t *testing.T) {
	t.Setenv("DEDUP_TTL", "600")
	t.Setenv("SEND_INTERVAL", "15")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DedupTTL != 600*time.Second {
		t.Errorf("dedup ttl = %v", cfg.DedupTTL)
	}
	if cfg.SendInterval != 15*time.Second {
		t.Errorf("send interval = %v", cfg.SendInterval)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("LOGIN_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a malformed duration")
	}
}

func TestLoadRejectsNonPositiveWindows(t *testing.T) {
	t.Setenv("DEDUP_TTL", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for zero DEDUP_TTL")
	}
}
