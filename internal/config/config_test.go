package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != DefaultAddr {
		t.Fatalf("addr = %q, want %q", cfg.Addr, DefaultAddr)
	}
	if cfg.TickInterval != DefaultTickInterval {
		t.Fatalf("tick interval = %v, want %v", cfg.TickInterval, DefaultTickInterval)
	}
	if cfg.MaxTicks != DefaultMaxTicks {
		t.Fatalf("max ticks = %d, want %d", cfg.MaxTicks, DefaultMaxTicks)
	}
	if cfg.WSQueueMessages != DefaultWSQueueMessages || cfg.WSQueueBytes != DefaultWSQueueBytes {
		t.Fatalf("ws queue limits = %d/%d", cfg.WSQueueMessages, cfg.WSQueueBytes)
	}
	if cfg.Logging.Level != DefaultLogLevel || !cfg.Logging.Compress {
		t.Fatalf("logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadHonoursOverrides(t *testing.T) {
	t.Setenv("ARENA_ADDR", ":9090")
	t.Setenv("ARENA_TICK_INTERVAL", "50ms")
	t.Setenv("ARENA_MAX_TICKS", "12")
	t.Setenv("ARENA_QUEUE_TIMEOUT", "3s")
	t.Setenv("ARENA_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.TickInterval != 50*time.Millisecond {
		t.Fatalf("tick interval = %v", cfg.TickInterval)
	}
	if cfg.MaxTicks != 12 {
		t.Fatalf("max ticks = %d", cfg.MaxTicks)
	}
	if cfg.QueueTimeout != 3*time.Second {
		t.Fatalf("queue timeout = %v", cfg.QueueTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadCollectsEveryProblem(t *testing.T) {
	t.Setenv("ARENA_TICK_INTERVAL", "fast")
	t.Setenv("ARENA_MAX_TICKS", "-1")
	t.Setenv("ARENA_LOG_COMPRESS", "sometimes")

	_, err := Load()
	if err == nil {
		t.Fatal("expected load failure")
	}
	//1.- Every invalid override must be reported in the single error message.
	for _, fragment := range []string{"ARENA_TICK_INTERVAL", "ARENA_MAX_TICKS", "ARENA_LOG_COMPRESS"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("error %q missing %q", err.Error(), fragment)
		}
	}
}
