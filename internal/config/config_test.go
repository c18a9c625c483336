package config

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "this-is-a-test-secret-that-is-at-least-32-chars"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REALTIME_JWT_SECRET", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Host != "0.0.0.0" || cfg.Port != 8080 {
		t.Errorf("defaults = %s:%d, want 0.0.0.0:8080", cfg.Host, cfg.Port)
	}
	if cfg.Collab.MaxCollaborators != 50 {
		t.Errorf("MaxCollaborators = %d, want 50", cfg.Collab.MaxCollaborators)
	}
	if cfg.Collab.AutoSaveInterval != 2*time.Second {
		t.Errorf("AutoSaveInterval = %v, want 2s", cfg.Collab.AutoSaveInterval)
	}
	if cfg.Collab.ConflictStrategy != "last_write_wins" {
		t.Errorf("ConflictStrategy = %q", cfg.Collab.ConflictStrategy)
	}
	if !cfg.Collab.HistoryEnabled {
		t.Error("HistoryEnabled = false, want true")
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("REALTIME_JWT_SECRET", testSecret)
	t.Setenv("REALTIME_PORT", "9090")
	t.Setenv("REALTIME_COLLAB_CONFLICT_STRATEGY", "transform")
	t.Setenv("REALTIME_COLLAB_AUTO_SAVE_INTERVAL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Collab.ConflictStrategy != "transform" {
		t.Errorf("ConflictStrategy = %q, want transform", cfg.Collab.ConflictStrategy)
	}
	if cfg.Collab.AutoSaveInterval != 5*time.Second {
		t.Errorf("AutoSaveInterval = %v, want 5s", cfg.Collab.AutoSaveInterval)
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("REALTIME_JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Error("Load succeeded without a JWT secret")
	}
}

func TestLoad_ShortSecret(t *testing.T) {
	t.Setenv("REALTIME_JWT_SECRET", "too-short")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "32") {
		t.Errorf("Load error = %v, want short-secret complaint", err)
	}
}

func TestLoad_RelayRequiresServerID(t *testing.T) {
	t.Setenv("REALTIME_JWT_SECRET", testSecret)
	t.Setenv("REALTIME_REDIS_URL", "redis://localhost:6379")
	t.Setenv("REALTIME_SERVER_ID", "")

	if _, err := Load(); err == nil {
		t.Error("Load succeeded with relay enabled and no server ID")
	}

	t.Setenv("REALTIME_SERVER_ID", "gw-1")
	if _, err := Load(); err != nil {
		t.Errorf("Load failed with server ID set: %v", err)
	}
}
