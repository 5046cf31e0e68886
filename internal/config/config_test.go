package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TOSGATE_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" || cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Terms.DocumentID != "" || cfg.Terms.SessionCache {
		t.Fatalf("gate should be unconfigured by default: %+v", cfg.Terms)
	}
	if cfg.Terms.HistoryBatch != 25 || cfg.Terms.AcceptanceBackend != "postgres" {
		t.Fatalf("unexpected terms defaults: %+v", cfg.Terms)
	}
	if !reflect.DeepEqual(cfg.Terms.PrivilegedRoles, []string{"admin"}) {
		t.Fatalf("PrivilegedRoles = %v", cfg.Terms.PrivilegedRoles)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("TOSGATE_CONFIG", "")
	t.Setenv("TOS_DOCUMENT_ID", "terms")
	t.Setenv("TOS_SESSION_CACHE", "true")
	t.Setenv("TOS_PRIVILEGED_ROLES", "admin, legal ,")
	t.Setenv("TOS_HISTORY_BATCH", "not-a-number")
	t.Setenv("TOS_ACCEPTANCE_BACKEND", "BOLT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Terms.DocumentID != "terms" || !cfg.Terms.SessionCache {
		t.Fatalf("unexpected terms config: %+v", cfg.Terms)
	}
	if !reflect.DeepEqual(cfg.Terms.PrivilegedRoles, []string{"admin", "legal"}) {
		t.Fatalf("PrivilegedRoles = %v", cfg.Terms.PrivilegedRoles)
	}
	if cfg.Terms.HistoryBatch != 25 {
		t.Fatalf("invalid batch should fall back, got %d", cfg.Terms.HistoryBatch)
	}
	if cfg.Terms.AcceptanceBackend != "bolt" {
		t.Fatalf("AcceptanceBackend = %q", cfg.Terms.AcceptanceBackend)
	}
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tosgate.toml")
	contents := `
[server]
addr = ":9000"

[terms]
document_id = "terms-of-use"
session_cache = true
privileged_roles = ["admin", "support"]
history_batch = 5
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TOSGATE_CONFIG", path)
	t.Setenv("TOS_HISTORY_BATCH", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":9000" || cfg.Terms.DocumentID != "terms-of-use" || !cfg.Terms.SessionCache {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Terms.HistoryBatch != 7 {
		t.Fatalf("environment should override file, got batch %d", cfg.Terms.HistoryBatch)
	}
	if !reflect.DeepEqual(cfg.Terms.PrivilegedRoles, []string{"admin", "support"}) {
		t.Fatalf("PrivilegedRoles = %v", cfg.Terms.PrivilegedRoles)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	t.Setenv("TOSGATE_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}

	t.Setenv("TOSGATE_CONFIG", "")
	t.Setenv("TOS_ACCEPTANCE_BACKEND", "sqlite")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
