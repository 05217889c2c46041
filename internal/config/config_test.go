package config_test

import (
	"log/slog"
	"testing"

	"github.com/cindervm/cinder/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.Load()

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.PoolSize != 3 {
		t.Errorf("PoolSize = %d, want 3", cfg.PoolSize)
	}
	if cfg.Transport != config.TransportHTTP {
		t.Errorf("Transport = %q, want %q", cfg.Transport, config.TransportHTTP)
	}
	if cfg.BridgeName != "cinderbr0" {
		t.Errorf("BridgeName = %q, want cinderbr0", cfg.BridgeName)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CINDER_LISTEN_ADDR", ":9090")
	t.Setenv("CINDER_LOG_LEVEL", "debug")
	t.Setenv("CINDER_TRANSPORT", "fs")
	t.Setenv("CINDER_POOL_SIZE", "5")
	t.Setenv("CINDER_AGENT_PORT", "9000")

	cfg := config.Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.Transport != config.TransportFS {
		t.Errorf("Transport = %q, want fs", cfg.Transport)
	}
	if cfg.PoolSize != 5 {
		t.Errorf("PoolSize = %d, want 5", cfg.PoolSize)
	}
	if cfg.AgentPort != 9000 {
		t.Errorf("AgentPort = %d, want 9000", cfg.AgentPort)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("CINDER_TRANSPORT", "carrier-pigeon")
	t.Setenv("CINDER_POOL_SIZE", "-2")
	t.Setenv("CINDER_LOG_LEVEL", "loud")

	cfg := config.Load()

	if cfg.Transport != config.TransportHTTP {
		t.Errorf("Transport = %q, want default http", cfg.Transport)
	}
	if cfg.PoolSize != 3 {
		t.Errorf("PoolSize = %d, want default 3", cfg.PoolSize)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want default info", cfg.LogLevel)
	}
}
