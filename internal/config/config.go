// Package config loads service configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds everything the binaries need to run.
type Config struct {
	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string `yaml:"listen"`
	// GRPCListen is the gRPC health listen address. Empty disables gRPC.
	GRPCListen string `yaml:"grpc_listen"`
	// PGDSN is the Postgres connection string. Empty switches the
	// service to the in-memory store.
	PGDSN string `yaml:"pg_dsn"`
	// SuperOrganization is the organization whose users get the
	// implicit allow-all overlay. Empty disables superusers.
	SuperOrganization string `yaml:"super_organization"`
	// AuthSecret verifies HS256 bearer tokens. Empty means the
	// Authorization header carries a raw user id.
	AuthSecret string `yaml:"auth_secret"`
	// MigrationsDir is where cmd/migrate and the auto-migrate option
	// look for *.up.sql files.
	MigrationsDir string `yaml:"migrations_dir"`

	RateLimit RateLimit `yaml:"rate_limit"`
}

// RateLimit configures the per-client HTTP limiter.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Listen:        ":8080",
		GRPCListen:    ":9090",
		MigrationsDir: "migrations",
		RateLimit:     RateLimit{RPS: 50, Burst: 100},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist) and then applies PERIMETER_* env overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overrides
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if strings.TrimSpace(cfg.Listen) == "" {
		return Config{}, fmt.Errorf("listen address is required")
	}
	if cfg.RateLimit.RPS < 0 || cfg.RateLimit.Burst < 0 {
		return Config{}, fmt.Errorf("rate limit values must not be negative")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Listen, "PERIMETER_LISTEN")
	setString(&cfg.GRPCListen, "PERIMETER_GRPC_LISTEN")
	setString(&cfg.PGDSN, "PERIMETER_PG_DSN")
	setString(&cfg.SuperOrganization, "PERIMETER_SUPER_ORG")
	setString(&cfg.AuthSecret, "PERIMETER_AUTH_SECRET")
	setString(&cfg.MigrationsDir, "PERIMETER_MIGRATIONS_DIR")
	setFloat(&cfg.RateLimit.RPS, "PERIMETER_RATE_RPS")
	setInt(&cfg.RateLimit.Burst, "PERIMETER_RATE_BURST")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
