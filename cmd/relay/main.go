// DriftGate Relay
//
// Standalone outbox relay binary. Polls customer-owned outbox tables for
// pending rows and delivers them to the DriftGate platform APIs. Supports
// PostgreSQL, MySQL and MongoDB backends and Redis leader election for
// active/standby deployments.

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.driftgate.dev/internal/common/health"
	"go.driftgate.dev/internal/common/secrets"
	"go.driftgate.dev/internal/common/tsid"
	"go.driftgate.dev/internal/config"
	"go.driftgate.dev/internal/outbox"
	"go.driftgate.dev/internal/standby"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DRIFTGATE_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting DriftGate Relay",
		"version", version,
		"build_time", buildTime)

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resolve secret references in sensitive config values.
	secretProvider, err := secrets.NewProvider(nil)
	if err != nil {
		slog.Error("Failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}
	for _, ref := range []*string{&cfg.Database.URL, &cfg.API.AuthToken, &cfg.Standby.RedisURL} {
		resolved, err := secrets.Resolve(ctx, secretProvider, *ref)
		if err != nil {
			slog.Error("Failed to resolve secret reference", "error", err)
			os.Exit(1)
		}
		*ref = resolved
	}

	healthChecker := health.NewChecker()

	repo, dbClose, err := openRepository(ctx, cfg, healthChecker)
	if err != nil {
		slog.Error("Failed to open outbox database", "error", err)
		os.Exit(1)
	}
	defer dbClose()

	if cfg.Database.CreateSchema {
		if err := repo.CreateSchema(ctx); err != nil {
			slog.Error("Failed to create outbox schema", "error", err)
			os.Exit(1)
		}
		slog.Info("Outbox schema ready",
			"events", repo.GetTableName(outbox.ItemTypeEvent),
			"dispatchJobs", repo.GetTableName(outbox.ItemTypeDispatchJob))
	}

	if cfg.API.BaseURL == "" {
		slog.Error("API base URL is required (API_BASE_URL)")
		os.Exit(1)
	}

	apiClient := outbox.NewAPIClient(&outbox.APIClientConfig{
		BaseURL:                   cfg.API.BaseURL,
		AuthToken:                 cfg.API.AuthToken,
		ConnectionTimeout:         cfg.API.ConnectionTimeout,
		RequestTimeout:            cfg.API.RequestTimeout,
		CircuitBreakerEnabled:     cfg.API.CircuitBreakerEnabled,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	})

	dispatcher := outbox.NewDispatcher(repo, apiClient, &outbox.DispatcherConfig{
		Enabled:                  cfg.Outbox.Enabled,
		PollInterval:             cfg.Outbox.PollInterval,
		PollBatchSize:            cfg.Outbox.PollBatchSize,
		APIBatchSize:             cfg.Outbox.APIBatchSize,
		MaxConcurrentCalls:       cfg.Outbox.MaxConcurrentCalls,
		MaxInFlight:              cfg.Outbox.MaxInFlight,
		GlobalBufferSize:         cfg.Outbox.GlobalBufferSize,
		GroupQueueSize:           cfg.Outbox.GroupQueueSize,
		BatchLinger:              cfg.Outbox.BatchLinger,
		RecoveryInterval:         cfg.Outbox.RecoveryInterval,
		ProcessingTimeoutSeconds: cfg.Outbox.ProcessingTimeoutSeconds,
	})

	instanceID := cfg.Standby.InstanceID
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = host + "-" + tsid.Generate()
	}

	standbySvc := standby.NewService(&standby.Config{
		Enabled:         cfg.Standby.Enabled,
		InstanceID:      instanceID,
		LockKey:         cfg.Standby.LockKey,
		LockTTL:         cfg.Standby.LockTTL,
		RefreshInterval: cfg.Standby.RefreshInterval,
		RedisURL:        cfg.Standby.RedisURL,
	}, &standby.Callbacks{
		OnBecomePrimary: dispatcher.BecomePrimary,
		OnBecomeStandby: dispatcher.BecomeStandby,
	})

	if cfg.Standby.Enabled {
		lockProvider, err := standby.NewRedisLockProvider(cfg.Standby.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to Redis for leader election", "error", err)
			os.Exit(1)
		}
		standbySvc.SetLockProvider(lockProvider)
		healthChecker.AddReadinessCheck(health.RedisCheck(func() bool {
			checkCtx, checkCancel := context.WithTimeout(ctx, 2*time.Second)
			defer checkCancel()
			return lockProvider.IsAvailable(checkCtx)
		}))
	}

	healthChecker.AddReadinessCheck(health.DispatcherCheck(
		dispatcher.IsRunning,
		dispatcher.IsPrimary,
	))

	// The dispatcher must be listening before the first election round can
	// promote it.
	dispatcher.Start()
	defer dispatcher.Stop()

	if err := standbySvc.Start(); err != nil {
		slog.Error("Failed to start standby service", "error", err)
		os.Exit(1)
	}
	defer standbySvc.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Get("/relay/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"dispatcher": dispatcher.Stats(),
			"standby":    standbySvc.Status(),
			"database":   cfg.Database.Type,
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("HTTP server starting", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced to shutdown", "error", err)
	}

	slog.Info("DriftGate Relay stopped")
}

// openRepository connects the configured database backend and registers its
// readiness check. The returned close func releases the connection.
func openRepository(ctx context.Context, cfg *config.Config, checker *health.Checker) (outbox.Repository, func(), error) {
	repoConfig := &outbox.RepositoryConfig{
		EventsTable:       cfg.Database.EventsTable,
		DispatchJobsTable: cfg.Database.DispatchJobsTable,
		DatabaseType:      outbox.DatabaseType(strings.ToUpper(cfg.Database.Type)),
	}

	switch repoConfig.DatabaseType {
	case outbox.DatabasePostgreSQL:
		db, err := openSQL(ctx, "postgres", cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		checker.AddReadinessCheck(health.DatabaseCheck("PostgreSQL", db.Ping))
		slog.Info("Connected to PostgreSQL", "url", maskURL(cfg.Database.URL))
		return outbox.NewPostgresRepository(db, repoConfig), func() { db.Close() }, nil

	case outbox.DatabaseMySQL:
		db, err := openSQL(ctx, "mysql", cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		checker.AddReadinessCheck(health.DatabaseCheck("MySQL", db.Ping))
		slog.Info("Connected to MySQL", "url", maskURL(cfg.Database.URL))
		return outbox.NewMySQLRepository(db, repoConfig), func() { db.Close() }, nil

	case outbox.DatabaseMongoDB:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Database.URL))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to MongoDB: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("ping MongoDB: %w", err)
		}
		checker.AddReadinessCheck(health.DatabaseCheck("MongoDB", func() error {
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer pingCancel()
			return client.Ping(pingCtx, nil)
		}))
		slog.Info("Connected to MongoDB", "database", cfg.Database.MongoDatabase)
		db := client.Database(cfg.Database.MongoDatabase)
		return outbox.NewMongoRepository(db, repoConfig), func() { client.Disconnect(context.Background()) }, nil

	default:
		return nil, nil, fmt.Errorf("unknown database type: %s", cfg.Database.Type)
	}
}

func openSQL(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return db, nil
}

// maskURL masks credentials in a connection string for logging.
func maskURL(url string) string {
	if at := strings.Index(url, "@"); at >= 0 {
		if scheme := strings.Index(url, "://"); scheme >= 0 && scheme+3 < at {
			return url[:scheme+3] + "***" + url[at:]
		}
		return "***" + url[at:]
	}
	return url
}
