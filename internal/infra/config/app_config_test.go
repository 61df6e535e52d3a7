package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv(DatabaseDSNEnv, "")
	path := writeConfig(t, `
environment: STAGING
database:
  dsn: postgresql://localhost:5432/relay_test?sslmode=disable
  maxConns: 32
  minConns: 4
  maxConnLifetime: 45m
  runMigrations: false
listener:
  channel: " custom_channel "
  fallbackIntervalMs: 2000
outbox:
  batchSize: 50
  broadcastInstanceScoped: true
queue:
  maxActiveTokens: 8
  processingConcurrency: 2
  tokenScope: llm
schedule:
  lookaheadSeconds: 0
cleanup:
  expiredThresholdMs: 3600000
broadcast:
  addr: ":9999"
  path: stream
apiServer:
  addr: " :9998 "
telemetry:
  serviceName: relay-test
  enableMetrics: false
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Environment != EnvStaging {
		t.Fatalf("expected environment %s, got %s", EnvStaging, cfg.Environment)
	}
	if cfg.Database.DSN != "postgresql://localhost:5432/relay_test?sslmode=disable" {
		t.Fatalf("unexpected database DSN %q", cfg.Database.DSN)
	}
	if cfg.Database.MaxConns != 32 || cfg.Database.MinConns != 4 {
		t.Fatalf("unexpected pool sizing %d/%d", cfg.Database.MaxConns, cfg.Database.MinConns)
	}
	if cfg.Database.MaxConnLifetime != 45*time.Minute {
		t.Fatalf("expected maxConnLifetime 45m, got %s", cfg.Database.MaxConnLifetime)
	}
	if cfg.Database.MaxConnIdleTime != 5*time.Minute {
		t.Fatalf("expected default maxConnIdleTime 5m, got %s", cfg.Database.MaxConnIdleTime)
	}
	if cfg.Database.RunMigrations {
		t.Fatalf("expected runMigrations false")
	}
	if cfg.Database.MigrationsPath != "embedded" {
		t.Fatalf("expected embedded migrations, got %q", cfg.Database.MigrationsPath)
	}
	if cfg.Listener.Channel != "custom_channel" {
		t.Fatalf("expected trimmed channel, got %q", cfg.Listener.Channel)
	}
	if cfg.Listener.FallbackInterval() != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", cfg.Listener.FallbackInterval())
	}
	if cfg.Listener.DrainTimeout() != 10*time.Second {
		t.Fatalf("expected default drain timeout 10s, got %s", cfg.Listener.DrainTimeout())
	}
	if cfg.Outbox.BatchSize != 50 || !cfg.Outbox.BroadcastInstanceScoped {
		t.Fatalf("unexpected outbox config %+v", cfg.Outbox)
	}
	if cfg.Queue.MaxActiveTokens != 8 || cfg.Queue.ProcessingConcurrency != 2 || cfg.Queue.TokenScope != "llm" {
		t.Fatalf("unexpected queue config %+v", cfg.Queue)
	}
	if cfg.Queue.LeaseDurationMs != 30000 {
		t.Fatalf("expected default lease duration, got %d", cfg.Queue.LeaseDurationMs)
	}
	if cfg.Schedule.LookaheadSeconds != 0 {
		t.Fatalf("expected lookahead 0, got %d", cfg.Schedule.LookaheadSeconds)
	}
	if cfg.Cleanup.ExpiredThresholdMs != 3600000 {
		t.Fatalf("unexpected cleanup threshold %d", cfg.Cleanup.ExpiredThresholdMs)
	}
	if cfg.Broadcast.Addr != ":9999" || cfg.Broadcast.Path != "/stream" {
		t.Fatalf("unexpected broadcast config %+v", cfg.Broadcast)
	}
	if cfg.APIServer.Addr != ":9998" {
		t.Fatalf("expected trimmed api server addr, got %q", cfg.APIServer.Addr)
	}
	if cfg.Telemetry.ServiceName != "relay-test" || cfg.Telemetry.EnableMetrics {
		t.Fatalf("unexpected telemetry config %+v", cfg.Telemetry)
	}
}

func TestDatabaseDSNEnvironmentOverride(t *testing.T) {
	t.Setenv(DatabaseDSNEnv, "postgresql://override:5432/relay")
	path := writeConfig(t, "environment: dev\ndatabase:\n  dsn: postgresql://file:5432/relay\n")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.DSN != "postgresql://override:5432/relay" {
		t.Fatalf("expected DSN from environment, got %q", cfg.Database.DSN)
	}
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	t.Setenv(DatabaseDSNEnv, "")
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if loaded {
		t.Fatalf("expected defaults, not a loaded file")
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("expected dev environment, got %s", cfg.Environment)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Database.DSN != "postgresql://localhost:5432/relay" {
		t.Fatalf("unexpected default DSN %q", cfg.Database.DSN)
	}
}

func TestLoadOrDefaultPropagatesInvalidFile(t *testing.T) {
	path := writeConfig(t, "environment: qa\n")
	if _, _, err := LoadOrDefault(context.Background(), path); err == nil {
		t.Fatalf("expected invalid environment to fail")
	}
}

func TestValidateRejectsInvalidSettings(t *testing.T) {
	cases := map[string]struct {
		mutate func(*AppConfig)
		want   string
	}{
		"environment": {func(c *AppConfig) { c.Environment = "qa" }, "environment must be one of"},
		"batch size":  {func(c *AppConfig) { c.Outbox.BatchSize = 0 }, "outbox batchSize must be >0"},
		"tokens":      {func(c *AppConfig) { c.Queue.MaxActiveTokens = -1 }, "queue maxActiveTokens must be >0"},
		"retry max":   {func(c *AppConfig) { c.Queue.RetryMaxMs = 10 }, "retryMaxMs must be >= retryInitialMs"},
		"lease":       {func(c *AppConfig) { c.Queue.LeaseDurationMs = c.Queue.SweepIntervalMs }, "leaseDurationMs must be > sweepIntervalMs"},
		"lookahead":   {func(c *AppConfig) { c.Schedule.LookaheadSeconds = -1 }, "lookaheadSeconds must be >=0"},
		"broadcast":   {func(c *AppConfig) { c.Broadcast.Addr = "" }, "broadcast addr required"},
		"api server":  {func(c *AppConfig) { c.APIServer.Addr = c.Broadcast.Addr }, "apiServer addr must differ"},
		"database":    {func(c *AppConfig) { c.Database.MinConns = c.Database.MaxConns + 1 }, "database: minConns must be <= maxConns"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultAppConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
