package sync

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.StoragePath != "sync-journal.db" {
		t.Fatalf("StoragePath = %q, want %q", cfg.StoragePath, "sync-journal.db")
	}
	if cfg.BufferLen != 1024 {
		t.Fatalf("BufferLen = %d, want 1024", cfg.BufferLen)
	}
	if cfg.CommitWindow != 64 {
		t.Fatalf("CommitWindow = %d, want 64", cfg.CommitWindow)
	}
}

func TestParseConfigFlagOverrides(t *testing.T) {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{
		"-http-addr", ":9191",
		"-jwt-secret", "s3cret",
		"-buffer-len", "32",
	})
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.HTTPAddr != ":9191" {
		t.Fatalf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9191")
	}
	if cfg.JWTSecret != "s3cret" {
		t.Fatalf("JWTSecret = %q, want %q", cfg.JWTSecret, "s3cret")
	}
	if cfg.BufferLen != 32 {
		t.Fatalf("BufferLen = %d, want 32", cfg.BufferLen)
	}
}

func TestParseConfigEnv(t *testing.T) {
	t.Setenv("DRIFTWIRE_SYNC_HTTP_ADDR", ":7070")
	t.Setenv("DRIFTWIRE_SYNC_TENANT_MAP", "tenants.json")

	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":7070")
	}
	if cfg.TenantMap != "tenants.json" {
		t.Fatalf("TenantMap = %q, want %q", cfg.TenantMap, "tenants.json")
	}
}

func TestLoadRegistryEmptyPath(t *testing.T) {
	registry, err := loadRegistry("")
	if err != nil {
		t.Fatalf("loadRegistry() error = %v", err)
	}
	if registry == nil {
		t.Fatal("loadRegistry() returned nil registry")
	}
	if _, ok := registry.Owner("canvas-1"); ok {
		t.Fatal("empty registry should own no resources")
	}
}

func TestLoadRegistrySeedsOwnership(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")
	raw, err := json.Marshal(map[string][]string{
		"tenant-a": {"canvas-1", "canvas-2"},
		"tenant-b": {"canvas-9"},
	})
	if err != nil {
		t.Fatalf("marshal tenant map: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write tenant map: %v", err)
	}

	registry, err := loadRegistry(path)
	if err != nil {
		t.Fatalf("loadRegistry() error = %v", err)
	}
	owner, ok := registry.Owner("canvas-1")
	if !ok || owner != "tenant-a" {
		t.Fatalf("Owner(canvas-1) = %q, %v, want tenant-a", owner, ok)
	}
	owner, ok = registry.Owner("canvas-9")
	if !ok || owner != "tenant-b" {
		t.Fatalf("Owner(canvas-9) = %q, %v, want tenant-b", owner, ok)
	}
}

func TestLoadRegistryRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("write tenant map: %v", err)
	}
	if _, err := loadRegistry(path); err == nil {
		t.Fatal("loadRegistry() expected decode error")
	}
}

func TestLoadRegistryMissingFile(t *testing.T) {
	if _, err := loadRegistry(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("loadRegistry() expected read error")
	}
}
