package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chatline-io/chatline/internal/api"
	"github.com/chatline-io/chatline/internal/assign"
	"github.com/chatline-io/chatline/internal/auth"
	"github.com/chatline-io/chatline/internal/db"
	"github.com/chatline-io/chatline/internal/gateway"
	"github.com/chatline-io/chatline/internal/lifecycle"
	"github.com/chatline-io/chatline/internal/reconciler"
	"github.com/chatline-io/chatline/internal/registry"
	"github.com/chatline-io/chatline/internal/repositories"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr  string
	dbDriver  string
	dbDSN     string
	secret    string
	redisAddr string
	logLevel  string

	tokenTTL         string
	heartbeatTTL     string
	timeoutThreshold string
	heartbeatSweep   string
	drainEvery       string
	timeoutSweep     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "chatline-server",
		Short: "Chatline server — live-chat dispatch server",
		Long: `Chatline server accepts WebSocket connections from support agents and
website visitors, routes customer messages to the least-loaded agent,
and keeps conversations healthy with periodic background sweeps.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("CHATLINE_HTTP_ADDR", ":8080"), "HTTP and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CHATLINE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("CHATLINE_DB_DSN", "./chatline.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secret, "secret", envOrDefault("CHATLINE_SECRET", ""), "Token signing secret (required)")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("CHATLINE_REDIS_ADDR", ""), "Redis address for the registry mirror and token store (optional)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CHATLINE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.PersistentFlags().StringVar(&cfg.tokenTTL, "token-ttl", envOrDefault("CHATLINE_TOKEN_TTL", "24h"), "Agent token lifetime")
	root.PersistentFlags().StringVar(&cfg.heartbeatTTL, "heartbeat-ttl", envOrDefault("CHATLINE_HEARTBEAT_TTL", "60s"), "Agent liveness marker TTL")
	root.PersistentFlags().StringVar(&cfg.timeoutThreshold, "timeout-threshold", envOrDefault("CHATLINE_TIMEOUT_THRESHOLD", "2m"), "Unanswered-customer threshold before auto transfer")
	root.PersistentFlags().StringVar(&cfg.heartbeatSweep, "heartbeat-sweep-every", envOrDefault("CHATLINE_HEARTBEAT_SWEEP_EVERY", "30s"), "Heartbeat sweep period")
	root.PersistentFlags().StringVar(&cfg.drainEvery, "drain-every", envOrDefault("CHATLINE_DRAIN_EVERY", "60s"), "Waiting-queue drain period")
	root.PersistentFlags().StringVar(&cfg.timeoutSweep, "timeout-sweep-every", envOrDefault("CHATLINE_TIMEOUT_SWEEP_EVERY", "60s"), "Reply-timeout sweep period")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatline-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	// A default or empty secret makes every issued token forgeable.
	if cfg.secret == "" || cfg.secret == "changeme" {
		return fmt.Errorf("a real signing secret is required — set --secret or CHATLINE_SECRET")
	}

	durations, err := parseDurations(cfg)
	if err != nil {
		return err
	}

	logger.Info("starting chatline server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
		zap.Bool("redis_enabled", cfg.redisAddr != ""),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Database ---
	gormLevel := gormlogger.Warn
	if cfg.logLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLevel,
	})
	if err != nil {
		return err
	}

	agentRepo := repositories.NewAgentRepository(database)
	customerRepo := repositories.NewCustomerRepository(database)
	convRepo := repositories.NewConversationRepository(database)

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		defer rdb.Close()
	}

	// --- Auth ---
	var tokenStore auth.TokenStore
	if rdb != nil {
		tokenStore = auth.NewRedisTokenStore(rdb)
	} else {
		tokenStore = auth.NewMemoryTokenStore()
	}
	authSvc := auth.NewService([]byte(cfg.secret), durations.tokenTTL, tokenStore, agentRepo)

	// --- Registry, assignment engine, lifecycle ---
	reg := registry.New(registry.Config{
		HeartbeatTTL: durations.heartbeatTTL,
		LoadOf: func(ctx context.Context, agentID uuid.UUID) (float64, error) {
			return assign.Score(ctx, convRepo, agentID)
		},
		Redis:  rdb,
		Logger: logger,
	})
	engine := assign.NewEngine(reg, agentRepo, convRepo, logger)
	mgr := lifecycle.New(lifecycle.Config{
		Agents:    agentRepo,
		Customers: customerRepo,
		Convs:     convRepo,
		Registry:  reg,
		Engine:    engine,
		Logger:    logger,
	})

	// --- Gateway and reconcilers ---
	gw := gateway.NewHandler(gateway.Config{
		Auth:      authSvc,
		Agents:    agentRepo,
		Customers: customerRepo,
		Registry:  reg,
		Lifecycle: mgr,
		Logger:    logger,
	})
	rec, err := reconciler.New(reconciler.Config{
		Convs:               convRepo,
		Registry:            reg,
		Engine:              engine,
		Lifecycle:           mgr,
		Logger:              logger,
		HeartbeatSweepEvery: durations.heartbeatSweep,
		DrainEvery:          durations.drainEvery,
		TimeoutSweepEvery:   durations.timeoutSweep,
		TimeoutThreshold:    durations.timeoutThreshold,
	})
	if err != nil {
		return err
	}
	rec.Start()
	defer func() {
		if err := rec.Stop(); err != nil {
			logger.Warn("reconciler stop failed", zap.Error(err))
		}
	}()

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService:   authSvc,
		Lifecycle:     mgr,
		Registry:      reg,
		Logger:        logger,
		DB:            database,
		Gateway:       gw,
		Agents:        agentRepo,
		Conversations: convRepo,
	})
	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down chatline server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}

// parsedDurations holds the time knobs after validation.
type parsedDurations struct {
	tokenTTL         time.Duration
	heartbeatTTL     time.Duration
	timeoutThreshold time.Duration
	heartbeatSweep   time.Duration
	drainEvery       time.Duration
	timeoutSweep     time.Duration
}

func parseDurations(cfg *config) (*parsedDurations, error) {
	out := &parsedDurations{}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"token-ttl", cfg.tokenTTL, &out.tokenTTL},
		{"heartbeat-ttl", cfg.heartbeatTTL, &out.heartbeatTTL},
		{"timeout-threshold", cfg.timeoutThreshold, &out.timeoutThreshold},
		{"heartbeat-sweep-every", cfg.heartbeatSweep, &out.heartbeatSweep},
		{"drain-every", cfg.drainEvery, &out.drainEvery},
		{"timeout-sweep-every", cfg.timeoutSweep, &out.timeoutSweep},
	} {
		d, err := time.ParseDuration(f.raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid %s %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return out, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
