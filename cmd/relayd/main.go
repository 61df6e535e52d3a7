// Command relayd runs the relay: outbox dispatcher, job queue, schedules, cleanup and
// the WebSocket broadcast endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/coachpo/relay/internal/app/attachments"
	"github.com/coachpo/relay/internal/app/cleanup"
	"github.com/coachpo/relay/internal/app/outbox"
	"github.com/coachpo/relay/internal/app/outbox/handlers"
	"github.com/coachpo/relay/internal/app/queue"
	"github.com/coachpo/relay/internal/app/schedule"
	"github.com/coachpo/relay/internal/infra/config"
	"github.com/coachpo/relay/internal/infra/persistence/migrations"
	"github.com/coachpo/relay/internal/infra/persistence/postgres"
	"github.com/coachpo/relay/internal/infra/pubsub"
	httpserver "github.com/coachpo/relay/internal/infra/server/http"
	"github.com/coachpo/relay/internal/infra/server/ws"
	"github.com/coachpo/relay/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	poolName                 = "relay"
	shutdownTimeout          = 45 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	componentShutdownTimeout = 15 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	databaseShutdownTimeout  = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
	startupPingTimeout       = 10 * time.Second
	listenerReconnectInitial = 500 * time.Millisecond
	migrationTimeout         = 2 * time.Minute
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(appCfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults", zap.String("path", configPath))
	}
	logger.Info("configuration initialised",
		zap.String("env", string(appCfg.Environment)),
		zap.String("channel", appCfg.Listener.Channel),
		zap.String("token_scope", appCfg.Queue.TokenScope))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatal("initialise telemetry", zap.Error(err))
	}

	if appCfg.Database.RunMigrations {
		migrateCtx, migrateCancel := context.WithTimeout(ctx, migrationTimeout)
		err := migrations.Apply(migrateCtx, appCfg.Database.DSN, appCfg.Database.MigrationsPath, logger)
		migrateCancel()
		if err != nil {
			logger.Fatal("apply migrations", zap.Error(err))
		}
	}

	pool, err := openPool(ctx, appCfg.Database)
	if err != nil {
		logger.Fatal("open database pool", zap.Error(err))
	}
	postgres.ObservePoolMetrics(pool, poolName)
	store := postgres.New(pool)

	hub := ws.NewHub(ws.WithLogger(logger.Named("ws")))

	scheduler := schedule.NewManager(store.Schedules, buildScheduleConfig(appCfg.Schedule),
		schedule.WithLogger(logger.Named("schedule")))

	queueManager := queue.NewManager(store.Jobs, store.Tokens, buildQueueConfig(appCfg.Queue),
		queue.WithLogger(logger.Named("queue")),
		queue.WithScheduler(scheduler))

	pipeline := attachments.NewPipeline(store.Attachments, attachments.PassthroughProcessor{}, queueManager, logger)
	if err := pipeline.Register(queueManager); err != nil {
		logger.Fatal("register attachment pipeline", zap.Error(err))
	}

	listener := pubsub.NewListener(appCfg.Database.DSN,
		pubsub.WithChannel(appCfg.Listener.Channel),
		pubsub.WithLogger(logger.Named("pubsub")),
		pubsub.WithReconnectBackoff(listenerReconnectInitial, appCfg.Listener.ReconnectMaxInterval()))

	dispatcher := outbox.NewDispatcher(listener,
		outbox.WithLogger(logger.Named("outbox")),
		outbox.WithFallbackInterval(appCfg.Listener.FallbackInterval()),
		outbox.WithDrainTimeout(appCfg.Listener.DrainTimeout()))

	handlerDeps := handlers.Deps{
		Events:      store.Outbox,
		Cursors:     store.Cursors,
		Jobs:        store.Jobs,
		Usage:       store.Usage,
		Broadcaster: hub,
		Logger:      logger.Named("handlers"),
		BatchSize:   appCfg.Outbox.BatchSize,
		MaxAttempts: appCfg.Queue.MaxAttempts,
	}
	if appCfg.Outbox.BroadcastInstanceScoped {
		handlerDeps.InstanceID = uuid.NewString()
	}
	for _, handler := range handlers.All(handlerDeps) {
		if err := dispatcher.Register(handler); err != nil {
			logger.Fatal("register outbox handler", zap.String("handler", handler.Name()), zap.Error(err))
		}
	}
	logger.Info("outbox handlers registered", zap.Strings("handlers", dispatcher.Handlers()))

	cleaner := cleanup.NewWorker(cleanup.Stores{
		Outbox:  store.Outbox,
		Cursors: store.Cursors,
		Ticks:   store.Schedules,
		Jobs:    store.Jobs,
		Tokens:  store.Tokens,
	}, buildCleanupConfig(appCfg.Cleanup), cleanup.WithLogger(logger.Named("cleanup")))

	var lifecycle conc.WaitGroup

	broadcastServer := buildBroadcastServer(appCfg.Broadcast, hub)
	startServer(&lifecycle, logger, "broadcast", broadcastServer)
	logger.Info("broadcast endpoint listening", zap.String("addr", broadcastServer.Addr), zap.String("path", appCfg.Broadcast.Path))

	var apiServer *http.Server
	if appCfg.APIServer.Addr != "" {
		apiServer = buildAPIServer(appCfg.APIServer, httpserver.Deps{
			Health:      pool,
			Handlers:    dispatcher,
			Events:      store.Outbox,
			Cursors:     store.Cursors,
			Jobs:        store.Jobs,
			Tokens:      store.Tokens,
			Queue:       queueManager,
			Schedules:   scheduler,
			Usage:       store.Usage,
			Attachments: store.Attachments,
			Logger:      logger.Named("api"),
		})
		startServer(&lifecycle, logger, "control api", apiServer)
		logger.Info("control API listening", zap.String("addr", apiServer.Addr))
	}

	if err := queueManager.Start(ctx); err != nil {
		logger.Fatal("start queue manager", zap.Error(err))
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("start schedule manager", zap.Error(err))
	}
	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatal("start outbox dispatcher", zap.Error(err))
	}
	cleaner.Start(ctx)

	logger.Info("relay started; awaiting shutdown signal", zap.String("owner", queueManager.Owner()))
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		servers:    []*http.Server{apiServer, broadcastServer},
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		cleaner:    cleaner,
		queue:      queueManager,
		hub:        hub,
		pool:       pool,
		telemetry:  telemetryProvider,
	})

	logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(shutdownStart)))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(env config.Environment) (*zap.Logger, error) {
	var cfg zap.Config
	if env == config.EnvDev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "json"
	}
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return logger.With(zap.String("env", string(env))), nil
}

func initTelemetry(ctx context.Context, logger *zap.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Info("telemetry initialized", zap.String("endpoint", telemetryCfg.OTLPEndpoint), zap.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func buildQueueConfig(cfg config.QueueConfig) queue.Config {
	return queue.Config{
		PollInterval:          ms(cfg.PollIntervalMs),
		RefillDebounce:        ms(cfg.RefillDebounceMs),
		MaxActiveTokens:       cfg.MaxActiveTokens,
		ProcessingConcurrency: cfg.ProcessingConcurrency,
		TokenScope:            cfg.TokenScope,
		TokenPoolCapacity:     cfg.TokenPoolCapacity,
		LeaseDuration:         ms(cfg.LeaseDurationMs),
		SweepInterval:         ms(cfg.SweepIntervalMs),
		MaxAttempts:           cfg.MaxAttempts,
		RetryInitial:          ms(cfg.RetryInitialMs),
		RetryMax:              ms(cfg.RetryMaxMs),
		ShutdownTimeout:       ms(cfg.ShutdownTimeoutMs),
	}
}

func buildScheduleConfig(cfg config.ScheduleConfig) schedule.Config {
	return schedule.Config{
		Interval:   ms(cfg.IntervalMs),
		Lookahead:  time.Duration(cfg.LookaheadSeconds) * time.Second,
		BatchSize:  cfg.BatchSize,
		TickExpiry: ms(cfg.TickExpiryMs),
	}
}

func buildCleanupConfig(cfg config.CleanupConfig) cleanup.Config {
	return cleanup.Config{
		Interval:         ms(cfg.IntervalMs),
		ExpiredThreshold: ms(cfg.ExpiredThresholdMs),
		BatchSize:        cfg.BatchSize,
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func buildBroadcastServer(cfg config.BroadcastConfig, hub *ws.Hub) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, hub)
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func buildAPIServer(cfg config.APIServerConfig, deps httpserver.Deps) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func startServer(lifecycle *conc.WaitGroup, logger *zap.Logger, name string, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.String("server", name), zap.Error(err))
		}
	})
}

type gracefulShutdownConfig struct {
	servers    []*http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	dispatcher *outbox.Dispatcher
	scheduler  *schedule.Manager
	cleaner    *cleanup.Worker
	queue      *queue.Manager
	hub        *ws.Hub
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

// performGracefulShutdown stops intake (subscribers, servers, dispatcher) ahead of the
// queue drain, and closes the pool last.
func performGracefulShutdown(ctx context.Context, logger *zap.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info(fmt.Sprintf("shutdown: %s...", name))
		if err := fn(stepCtx); err != nil {
			logger.Warn(fmt.Sprintf("shutdown: %s failed", name), zap.Error(err))
		} else {
			logger.Info(fmt.Sprintf("shutdown: %s completed", name))
		}
	}

	if cfg.hub != nil {
		shutdownStep("closing broadcast subscribers", serverShutdownTimeout, func(context.Context) error {
			cfg.hub.Close()
			return nil
		})
	}

	for _, server := range cfg.servers {
		if server == nil {
			continue
		}
		shutdownStep("stopping server "+server.Addr, serverShutdownTimeout, func(stepCtx context.Context) error {
			return server.Shutdown(stepCtx)
		})
	}

	if cfg.dispatcher != nil {
		shutdownStep("stopping outbox dispatcher", componentShutdownTimeout, cfg.dispatcher.Stop)
	}
	if cfg.scheduler != nil {
		shutdownStep("stopping schedule manager", componentShutdownTimeout, cfg.scheduler.Stop)
	}
	if cfg.cleaner != nil {
		shutdownStep("stopping cleanup worker", componentShutdownTimeout, func(context.Context) error {
			cfg.cleaner.Stop()
			return nil
		})
	}
	if cfg.queue != nil {
		shutdownStep("draining queue manager", componentShutdownTimeout, cfg.queue.Stop)
	}

	logger.Info("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.pool != nil {
		shutdownStep("closing database pool", databaseShutdownTimeout, func(context.Context) error {
			cfg.pool.Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
