package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("unexpected listen: %q", cfg.Listen)
	}
	if cfg.RateLimit.Burst != 100 {
		t.Fatalf("unexpected burst: %d", cfg.RateLimit.Burst)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perimeter.yaml")
	body := `
listen: ":9999"
pg_dsn: "postgres://localhost/perimeter"
super_organization: "ROOT"
rate_limit:
  rps: 5
  burst: 10
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":9999" {
		t.Fatalf("unexpected listen: %q", cfg.Listen)
	}
	if cfg.SuperOrganization != "ROOT" {
		t.Fatalf("unexpected super organization: %q", cfg.SuperOrganization)
	}
	if cfg.RateLimit.RPS != 5 || cfg.RateLimit.Burst != 10 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if cfg.GRPCListen != ":9090" {
		t.Fatalf("file without grpc_listen should keep default, got %q", cfg.GRPCListen)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "perimeter.yaml")
	if err := os.WriteFile(path, []byte("listen: \":9999\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PERIMETER_LISTEN", ":7777")
	t.Setenv("PERIMETER_RATE_BURST", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":7777" {
		t.Fatalf("env override lost: %q", cfg.Listen)
	}
	if cfg.RateLimit.Burst != 3 {
		t.Fatalf("env override lost: %d", cfg.RateLimit.Burst)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("unexpected listen: %q", cfg.Listen)
	}
}

func TestLoadRejectsNegativeRateLimit(t *testing.T) {
	t.Setenv("PERIMETER_RATE_BURST", "-1")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for negative burst")
	}
}
