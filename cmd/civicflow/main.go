// CivicFlow routes WhatsApp webhook traffic for many municipal tenants
// through their configured conversational flows.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/civicflow/civicflow/internal/dedup"
	"github.com/civicflow/civicflow/internal/dispatch"
	"github.com/civicflow/civicflow/internal/engine"
	"github.com/civicflow/civicflow/internal/flowgraph"
	"github.com/civicflow/civicflow/internal/lockfile"
	"github.com/civicflow/civicflow/internal/store"
	"github.com/civicflow/civicflow/internal/tenant"
	"github.com/civicflow/civicflow/internal/util"
	"github.com/civicflow/civicflow/internal/webhook"
)

const (
	// DefaultStateDir is the default directory for CivicFlow state data.
	DefaultStateDir = "/var/lib/civicflow"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "civicflow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("CivicFlow could not lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil {
		slog.Error("CivicFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CivicFlow exited successfully")
}

// Config holds environment configuration.
type Config struct {
	DatabaseURL     string
	RedisURL        string
	StateDir        string
	ListenAddr      string
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	SessionTimeout  time.Duration
	SweeperInterval time.Duration
}

// Flags holds command line flag values.
type Flags struct {
	stateDir        *string
	dbDSN           *string
	redisURL        *string
	listenAddr      *string
	sessionTimeout  *time.Duration
	sweeperInterval *time.Duration

	config Config
}

func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CIVICFLOW_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables
// and an optional .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		StateDir:        os.Getenv("CIVICFLOW_STATE_DIR"),
		ListenAddr:      os.Getenv("CIVICFLOW_ADDR"),
		TwilioSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:      os.Getenv("TWILIO_WHATSAPP_FROM"),
		SessionTimeout:  util.ParseDurationEnv("CIVICFLOW_SESSION_TIMEOUT", 24*time.Hour),
		SweeperInterval: util.ParseDurationEnv("CIVICFLOW_SWEEP_INTERVAL", 15*time.Minute),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CIVICFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.ListenAddr == "" {
		config.ListenAddr = webhook.DefaultAddr
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"CIVICFLOW_STATE_DIR", config.StateDir,
		"CIVICFLOW_ADDR", config.ListenAddr,
		"TWILIO_CONFIGURED", config.TwilioSID != "",
		"SESSION_TIMEOUT", config.SessionTimeout,
		"SWEEP_INTERVAL", config.SweeperInterval)

	return config
}

func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for lock and SQLite data"),
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "Postgres DSN or SQLite path"),
		redisURL:        flag.String("redis-url", config.RedisURL, "Redis URL for the idempotency guard (empty = in-memory guard)"),
		listenAddr:      flag.String("addr", config.ListenAddr, "webhook listen address"),
		sessionTimeout:  flag.Duration("session-timeout", config.SessionTimeout, "idle time before a session is reclaimed"),
		sweeperInterval: flag.Duration("sweep-interval", config.SweeperInterval, "how often the session sweeper runs"),
		config:          config,
	}
	flag.Parse()
	return flags
}

func run(ctx context.Context, flags Flags) error {
	st, sessionRepo, tenantRepo, flowRepo, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	guard, err := buildGuard(ctx, *flags.redisURL)
	if err != nil {
		return err
	}
	if closer, ok := guard.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	sender := buildSender(flags.config)
	eng := engine.New(sessionRepo, flowgraph.NewLoader(flowRepo), dispatch.NewDispatcher(sender))

	sweeper := engine.NewSweeper(sessionRepo, *flags.sessionTimeout, *flags.sweeperInterval)
	go sweeper.Run(ctx)

	srv := webhook.NewServer(guard, tenant.NewResolver(tenantRepo), eng, webhook.WithAddr(*flags.listenAddr))
	return srv.Run(ctx)
}

// storeCloser is the shutdown surface shared by both store backends.
type storeCloser interface {
	Close() error
}

// openStore selects Postgres for postgres:// DSNs and SQLite otherwise,
// returning the one store under its three repo interfaces.
func openStore(dsn string) (storeCloser, store.SessionRepo, store.TenantRepo, store.FlowRepo, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		slog.Info("CivicFlow using Postgres store")
		st, err := store.NewPostgresStore(store.WithDSN(dsn))
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return st, st, st, st, nil
	}
	slog.Info("CivicFlow using SQLite store", "path", dsn)
	st, err := store.NewSQLiteStore(store.WithDSN(dsn))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return st, st, st, st, nil
}

// buildGuard prefers Redis so duplicate suppression survives restarts
// and spans replicas; without Redis a process-local TTL guard serves.
func buildGuard(ctx context.Context, redisURL string) (dedup.Guard, error) {
	if redisURL == "" {
		slog.Info("CivicFlow using in-memory idempotency guard")
		return dedup.NewMemoryGuard(), nil
	}
	slog.Info("CivicFlow using Redis idempotency guard")
	return dedup.NewRedisGuard(ctx, redisURL)
}

// buildSender uses Twilio when its credentials are configured and the
// Cloud API otherwise. Cloud API calls authenticate per binding, so the
// sender itself needs no credentials.
func buildSender(config Config) dispatch.Sender {
	if config.TwilioSID != "" && config.TwilioToken != "" {
		slog.Info("CivicFlow using Twilio WhatsApp sender")
		sender, err := dispatch.NewTwilioSender(
			dispatch.WithAccountSID(config.TwilioSID),
			dispatch.WithAuthToken(config.TwilioToken),
			dispatch.WithFrom(config.TwilioFrom),
		)
		if err == nil {
			return sender
		}
		slog.Error("CivicFlow Twilio sender misconfigured, falling back to Cloud API", "error", err)
	}
	slog.Info("CivicFlow using WhatsApp Cloud API sender")
	return dispatch.NewCloudSender()
}
