// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseDSNEnv overrides database.dsn when set.
const DatabaseDSNEnv = "RELAY_DATABASE_DSN"

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsPath    string        `yaml:"migrationsPath"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/relay"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	c.MigrationsPath = strings.TrimSpace(c.MigrationsPath)
	if c.MigrationsPath == "" {
		c.MigrationsPath = "embedded"
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// ListenerConfig configures the LISTEN connection and the dispatcher loop.
type ListenerConfig struct {
	Channel                string `yaml:"channel"`
	FallbackIntervalMs     int    `yaml:"fallbackIntervalMs"`
	ReconnectMaxIntervalMs int    `yaml:"reconnectMaxIntervalMs"`
	DrainTimeoutMs         int    `yaml:"drainTimeoutMs"`
}

// FallbackInterval is the periodic wake-up used when notifications are missed.
func (c ListenerConfig) FallbackInterval() time.Duration { return millis(c.FallbackIntervalMs) }

// ReconnectMaxInterval caps the reconnect backoff.
func (c ListenerConfig) ReconnectMaxInterval() time.Duration {
	return millis(c.ReconnectMaxIntervalMs)
}

// DrainTimeout bounds the wait for in-flight handlers on shutdown.
func (c ListenerConfig) DrainTimeout() time.Duration { return millis(c.DrainTimeoutMs) }

// OutboxConfig configures cursor handlers.
type OutboxConfig struct {
	BatchSize int `yaml:"batchSize"`
	// BroadcastInstanceScoped gives each replica its own broadcast cursor starting at head.
	BroadcastInstanceScoped bool `yaml:"broadcastInstanceScoped"`
}

// QueueConfig configures the job manager.
type QueueConfig struct {
	PollIntervalMs        int    `yaml:"pollIntervalMs"`
	RefillDebounceMs      int    `yaml:"refillDebounceMs"`
	MaxActiveTokens       int    `yaml:"maxActiveTokens"`
	ProcessingConcurrency int    `yaml:"processingConcurrency"`
	TokenScope            string `yaml:"tokenScope"`
	TokenPoolCapacity     int    `yaml:"tokenPoolCapacity"`
	LeaseDurationMs       int    `yaml:"leaseDurationMs"`
	SweepIntervalMs       int    `yaml:"sweepIntervalMs"`
	MaxAttempts           int    `yaml:"maxAttempts"`
	RetryInitialMs        int    `yaml:"retryInitialMs"`
	RetryMaxMs            int    `yaml:"retryMaxMs"`
	ShutdownTimeoutMs     int    `yaml:"shutdownTimeoutMs"`
}

// ScheduleConfig configures tick materialization.
type ScheduleConfig struct {
	IntervalMs       int `yaml:"intervalMs"`
	LookaheadSeconds int `yaml:"lookaheadSeconds"`
	BatchSize        int `yaml:"batchSize"`
	TickExpiryMs     int `yaml:"tickExpiryMs"`
}

// CleanupConfig configures the pruning worker.
type CleanupConfig struct {
	IntervalMs         int `yaml:"intervalMs"`
	ExpiredThresholdMs int `yaml:"expiredThresholdMs"`
	BatchSize          int `yaml:"batchSize"`
}

// BroadcastConfig configures the WebSocket endpoint.
type BroadcastConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// APIServerConfig configures the operator control API.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified relay configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Database    DatabaseConfig  `yaml:"database"`
	Listener    ListenerConfig  `yaml:"listener"`
	Outbox      OutboxConfig    `yaml:"outbox"`
	Queue       QueueConfig     `yaml:"queue"`
	Schedule    ScheduleConfig  `yaml:"schedule"`
	Cleanup     CleanupConfig   `yaml:"cleanup"`
	Broadcast   BroadcastConfig `yaml:"broadcast"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// DefaultAppConfig returns the configuration used when no file is supplied.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Database:    DatabaseConfig{RunMigrations: true},
		Listener: ListenerConfig{
			Channel:                "outbox_events",
			FallbackIntervalMs:     5000,
			ReconnectMaxIntervalMs: 30000,
			DrainTimeoutMs:         10000,
		},
		Outbox: OutboxConfig{BatchSize: 100},
		Queue: QueueConfig{
			PollIntervalMs:        500,
			RefillDebounceMs:      100,
			MaxActiveTokens:       4,
			ProcessingConcurrency: 4,
			TokenScope:            "default",
			TokenPoolCapacity:     32,
			LeaseDurationMs:       30000,
			SweepIntervalMs:       15000,
			MaxAttempts:           3,
			RetryInitialMs:        1000,
			RetryMaxMs:            300000,
			ShutdownTimeoutMs:     30000,
		},
		Schedule: ScheduleConfig{
			IntervalMs:       10000,
			LookaheadSeconds: 30,
			BatchSize:        100,
			TickExpiryMs:     3600000,
		},
		Cleanup: CleanupConfig{
			IntervalMs:         60000,
			ExpiredThresholdMs: 86400000,
			BatchSize:          500,
		},
		Broadcast: BroadcastConfig{Addr: ":8880", Path: "/ws"},
		APIServer: APIServerConfig{Addr: ":8881"},
		Telemetry: TelemetryConfig{
			ServiceName:   "relay",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads, normalises and validates an AppConfig from the provided YAML file.
// Sections missing from the file keep their defaults.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultAppConfig()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to DefaultAppConfig when the file does not exist.
// The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil {
			return cfg, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return AppConfig{}, false, err
		}
	}
	cfg := DefaultAppConfig()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if dsn := strings.TrimSpace(os.Getenv(DatabaseDSNEnv)); dsn != "" {
		c.Database.DSN = dsn
	}
	c.Database.applyDefaults()

	c.Listener.Channel = strings.TrimSpace(c.Listener.Channel)
	if c.Listener.Channel == "" {
		c.Listener.Channel = "outbox_events"
	}
	c.Queue.TokenScope = strings.TrimSpace(c.Queue.TokenScope)
	if c.Queue.TokenScope == "" {
		c.Queue.TokenScope = "default"
	}

	c.Broadcast.Addr = strings.TrimSpace(c.Broadcast.Addr)
	c.Broadcast.Path = strings.TrimSpace(c.Broadcast.Path)
	if c.Broadcast.Path == "" {
		c.Broadcast.Path = "/ws"
	}
	if !strings.HasPrefix(c.Broadcast.Path, "/") {
		c.Broadcast.Path = "/" + c.Broadcast.Path
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"listener fallbackIntervalMs", c.Listener.FallbackIntervalMs},
		{"listener reconnectMaxIntervalMs", c.Listener.ReconnectMaxIntervalMs},
		{"listener drainTimeoutMs", c.Listener.DrainTimeoutMs},
		{"outbox batchSize", c.Outbox.BatchSize},
		{"queue pollIntervalMs", c.Queue.PollIntervalMs},
		{"queue refillDebounceMs", c.Queue.RefillDebounceMs},
		{"queue maxActiveTokens", c.Queue.MaxActiveTokens},
		{"queue processingConcurrency", c.Queue.ProcessingConcurrency},
		{"queue tokenPoolCapacity", c.Queue.TokenPoolCapacity},
		{"queue leaseDurationMs", c.Queue.LeaseDurationMs},
		{"queue sweepIntervalMs", c.Queue.SweepIntervalMs},
		{"queue retryInitialMs", c.Queue.RetryInitialMs},
		{"queue shutdownTimeoutMs", c.Queue.ShutdownTimeoutMs},
		{"schedule intervalMs", c.Schedule.IntervalMs},
		{"schedule batchSize", c.Schedule.BatchSize},
		{"schedule tickExpiryMs", c.Schedule.TickExpiryMs},
		{"cleanup intervalMs", c.Cleanup.IntervalMs},
		{"cleanup expiredThresholdMs", c.Cleanup.ExpiredThresholdMs},
		{"cleanup batchSize", c.Cleanup.BatchSize},
	}
	for _, field := range positive {
		if field.value <= 0 {
			return fmt.Errorf("%s must be >0", field.name)
		}
	}

	if c.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue maxAttempts must be >=0")
	}
	if c.Queue.RetryMaxMs < c.Queue.RetryInitialMs {
		return fmt.Errorf("queue retryMaxMs must be >= retryInitialMs")
	}
	if c.Queue.LeaseDurationMs <= c.Queue.SweepIntervalMs {
		return fmt.Errorf("queue leaseDurationMs must be > sweepIntervalMs")
	}
	if c.Schedule.LookaheadSeconds < 0 {
		return fmt.Errorf("schedule lookaheadSeconds must be >=0")
	}
	if c.Broadcast.Addr == "" {
		return fmt.Errorf("broadcast addr required")
	}
	if c.APIServer.Addr != "" && c.APIServer.Addr == c.Broadcast.Addr {
		return fmt.Errorf("apiServer addr must differ from broadcast addr")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
