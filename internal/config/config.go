// Package config loads relay configuration from the environment, with an
// optional TOML file underneath. Defaults first, then the file, then
// environment variables; env always wins.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the relay.
type Config struct {
	// HTTP server configuration (admin endpoints)
	HTTP HTTPConfig

	// Database holds the outbox database connection
	Database DatabaseConfig

	// API holds the platform API client settings
	API APIConfig

	// Outbox holds the dispatcher pipeline settings
	Outbox OutboxConfig

	// Standby holds leader election settings
	Standby StandbyConfig

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port int
}

// DatabaseConfig holds the outbox database connection configuration
type DatabaseConfig struct {
	// Type selects the backend: POSTGRESQL, MYSQL or MONGODB
	Type string

	// URL is the connection string (DSN or MongoDB URI). May be a
	// "secret:<key>" reference.
	URL string

	// MongoDatabase names the database when Type is MONGODB
	MongoDatabase string

	// EventsTable and DispatchJobsTable override the default table names
	EventsTable       string
	DispatchJobsTable string

	// CreateSchema creates the outbox tables and indexes on startup
	CreateSchema bool
}

// APIConfig holds the platform API client configuration
type APIConfig struct {
	// BaseURL is the platform API base URL (required)
	BaseURL string

	// AuthToken is the Bearer token. May be a "secret:<key>" reference.
	AuthToken string

	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration

	CircuitBreakerEnabled bool
}

// OutboxConfig holds the dispatcher pipeline configuration
type OutboxConfig struct {
	Enabled                  bool
	PollInterval             time.Duration
	PollBatchSize            int
	APIBatchSize             int
	MaxConcurrentCalls       int
	MaxInFlight              int
	GlobalBufferSize         int
	GroupQueueSize           int
	BatchLinger              time.Duration
	RecoveryInterval         time.Duration
	ProcessingTimeoutSeconds int
}

// StandbyConfig holds leader election configuration
type StandbyConfig struct {
	// Enabled turns on Redis leader election. Off means standalone PRIMARY.
	Enabled bool

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// LockKey is the distributed lock key
	LockKey string

	LockTTL         time.Duration
	RefreshInterval time.Duration

	// RedisURL is the Redis connection URL. May be a "secret:<key>" reference.
	RedisURL string
}

func defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port: 8080,
		},
		Database: DatabaseConfig{
			Type:              "POSTGRESQL",
			URL:               "postgres://localhost:5432/driftgate?sslmode=disable",
			MongoDatabase:     "driftgate",
			EventsTable:       "outbox_events",
			DispatchJobsTable: "outbox_dispatch_jobs",
			CreateSchema:      false,
		},
		API: APIConfig{
			ConnectionTimeout:     10 * time.Second,
			RequestTimeout:        30 * time.Second,
			CircuitBreakerEnabled: true,
		},
		Outbox: OutboxConfig{
			Enabled:                  true,
			PollInterval:             time.Second,
			PollBatchSize:            100,
			APIBatchSize:             100,
			MaxConcurrentCalls:       50,
			MaxInFlight:              1000,
			GlobalBufferSize:         2000,
			GroupQueueSize:           1000,
			BatchLinger:              25 * time.Millisecond,
			RecoveryInterval:         60 * time.Second,
			ProcessingTimeoutSeconds: 300,
		},
		Standby: StandbyConfig{
			Enabled:         false,
			LockKey:         "driftgate:relay:leader",
			LockTTL:         30 * time.Second,
			RefreshInterval: 10 * time.Second,
			RedisURL:        "redis://localhost:6379",
		},
	}
}

// applyEnv overrides fields for which an environment variable is set.
func applyEnv(cfg *Config) {
	setEnvInt(&cfg.HTTP.Port, "HTTP_PORT")

	setEnv(&cfg.Database.Type, "OUTBOX_DB")
	setEnv(&cfg.Database.URL, "DATABASE_URL")
	setEnv(&cfg.Database.MongoDatabase, "MONGODB_DATABASE")
	setEnv(&cfg.Database.EventsTable, "OUTBOX_EVENTS_TABLE")
	setEnv(&cfg.Database.DispatchJobsTable, "OUTBOX_DISPATCH_JOBS_TABLE")
	setEnvBool(&cfg.Database.CreateSchema, "OUTBOX_CREATE_SCHEMA")

	setEnv(&cfg.API.BaseURL, "API_BASE_URL")
	setEnv(&cfg.API.AuthToken, "API_AUTH_TOKEN")
	setEnvDuration(&cfg.API.ConnectionTimeout, "API_CONNECTION_TIMEOUT")
	setEnvDuration(&cfg.API.RequestTimeout, "API_REQUEST_TIMEOUT")
	setEnvBool(&cfg.API.CircuitBreakerEnabled, "API_CIRCUIT_BREAKER_ENABLED")

	setEnvBool(&cfg.Outbox.Enabled, "OUTBOX_ENABLED")
	setEnvDuration(&cfg.Outbox.PollInterval, "OUTBOX_POLL_INTERVAL")
	setEnvInt(&cfg.Outbox.PollBatchSize, "OUTBOX_POLL_BATCH_SIZE")
	setEnvInt(&cfg.Outbox.APIBatchSize, "OUTBOX_API_BATCH_SIZE")
	setEnvInt(&cfg.Outbox.MaxConcurrentCalls, "OUTBOX_MAX_CONCURRENT_CALLS")
	setEnvInt(&cfg.Outbox.MaxInFlight, "OUTBOX_MAX_IN_FLIGHT")
	setEnvInt(&cfg.Outbox.GlobalBufferSize, "OUTBOX_BUFFER_SIZE")
	setEnvInt(&cfg.Outbox.GroupQueueSize, "OUTBOX_GROUP_QUEUE_SIZE")
	setEnvDuration(&cfg.Outbox.BatchLinger, "OUTBOX_BATCH_LINGER")
	setEnvDuration(&cfg.Outbox.RecoveryInterval, "OUTBOX_RECOVERY_INTERVAL")
	setEnvInt(&cfg.Outbox.ProcessingTimeoutSeconds, "OUTBOX_PROCESSING_TIMEOUT_SECONDS")

	setEnvBool(&cfg.Standby.Enabled, "STANDBY_ENABLED")
	setEnv(&cfg.Standby.InstanceID, "HOSTNAME")
	setEnv(&cfg.Standby.InstanceID, "STANDBY_INSTANCE_ID")
	setEnv(&cfg.Standby.LockKey, "STANDBY_LOCK_KEY")
	setEnvDuration(&cfg.Standby.LockTTL, "STANDBY_LOCK_TTL")
	setEnvDuration(&cfg.Standby.RefreshInterval, "STANDBY_REFRESH_INTERVAL")
	setEnv(&cfg.Standby.RedisURL, "REDIS_URL")

	setEnvBool(&cfg.DevMode, "DRIFTGATE_DEV")
}

// Helper functions for environment variable parsing

func setEnv(dst *string, key string) {
	if value, ok := os.LookupEnv(key); ok {
		*dst = value
	}
}

func setEnvInt(dst *int, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			*dst = intVal
		}
	}
}

func setEnvBool(dst *bool, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			*dst = boolVal
		}
	}
}

func setEnvDuration(dst *time.Duration, key string) {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			*dst = duration
		}
	}
}
