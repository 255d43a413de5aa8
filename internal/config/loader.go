package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP     TOMLHTTPConfig     `toml:"http"`
	Database TOMLDatabaseConfig `toml:"database"`
	API      TOMLAPIConfig      `toml:"api"`
	Outbox   TOMLOutboxConfig   `toml:"outbox"`
	Standby  TOMLStandbyConfig  `toml:"standby"`
	DevMode  bool               `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port int `toml:"port"`
}

// TOMLDatabaseConfig represents the outbox database configuration in TOML
type TOMLDatabaseConfig struct {
	Type              string `toml:"type"`
	URL               string `toml:"url"`
	MongoDatabase     string `toml:"mongo_database"`
	EventsTable       string `toml:"events_table"`
	DispatchJobsTable string `toml:"dispatch_jobs_table"`
	CreateSchema      bool   `toml:"create_schema"`
}

// TOMLAPIConfig represents the platform API configuration in TOML
type TOMLAPIConfig struct {
	BaseURL               string `toml:"base_url"`
	AuthToken             string `toml:"auth_token"`
	ConnectionTimeout     string `toml:"connection_timeout"`
	RequestTimeout        string `toml:"request_timeout"`
	CircuitBreakerEnabled *bool  `toml:"circuit_breaker_enabled"`
}

// TOMLOutboxConfig represents the dispatcher configuration in TOML
type TOMLOutboxConfig struct {
	Enabled                  *bool  `toml:"enabled"`
	PollInterval             string `toml:"poll_interval"`
	PollBatchSize            int    `toml:"poll_batch_size"`
	APIBatchSize             int    `toml:"api_batch_size"`
	MaxConcurrentCalls       int    `toml:"max_concurrent_calls"`
	MaxInFlight              int    `toml:"max_in_flight"`
	GlobalBufferSize         int    `toml:"buffer_size"`
	GroupQueueSize           int    `toml:"group_queue_size"`
	BatchLinger              string `toml:"batch_linger"`
	RecoveryInterval         string `toml:"recovery_interval"`
	ProcessingTimeoutSeconds int    `toml:"processing_timeout_seconds"`
}

// TOMLStandbyConfig represents leader election configuration in TOML
type TOMLStandbyConfig struct {
	Enabled         bool   `toml:"enabled"`
	InstanceID      string `toml:"instance_id"`
	LockKey         string `toml:"lock_key"`
	LockTTL         string `toml:"lock_ttl"`
	RefreshInterval string `toml:"refresh_interval"`
	RedisURL        string `toml:"redis_url"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"config.toml",
	"relay.toml",
	"./config/config.toml",
	"/etc/driftgate/relay.toml",
}

// LoadWithFile loads configuration: defaults, then the TOML file if one is
// found, then environment variable overrides.
func LoadWithFile() (*Config, error) {
	cfg := defaults()

	configPath := os.Getenv("DRIFTGATE_CONFIG")
	if configPath == "" {
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	if configPath != "" {
		if err := applyFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyFile overlays the TOML file onto cfg. Only fields present in the
// file override the defaults.
func applyFile(cfg *Config, path string) error {
	var tc TOMLConfig
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if tc.HTTP.Port != 0 {
		cfg.HTTP.Port = tc.HTTP.Port
	}

	if tc.Database.Type != "" {
		cfg.Database.Type = tc.Database.Type
	}
	if tc.Database.URL != "" {
		cfg.Database.URL = tc.Database.URL
	}
	if tc.Database.MongoDatabase != "" {
		cfg.Database.MongoDatabase = tc.Database.MongoDatabase
	}
	if tc.Database.EventsTable != "" {
		cfg.Database.EventsTable = tc.Database.EventsTable
	}
	if tc.Database.DispatchJobsTable != "" {
		cfg.Database.DispatchJobsTable = tc.Database.DispatchJobsTable
	}
	if tc.Database.CreateSchema {
		cfg.Database.CreateSchema = true
	}

	if tc.API.BaseURL != "" {
		cfg.API.BaseURL = tc.API.BaseURL
	}
	if tc.API.AuthToken != "" {
		cfg.API.AuthToken = tc.API.AuthToken
	}
	setDuration(&cfg.API.ConnectionTimeout, tc.API.ConnectionTimeout)
	setDuration(&cfg.API.RequestTimeout, tc.API.RequestTimeout)
	if tc.API.CircuitBreakerEnabled != nil {
		cfg.API.CircuitBreakerEnabled = *tc.API.CircuitBreakerEnabled
	}

	if tc.Outbox.Enabled != nil {
		cfg.Outbox.Enabled = *tc.Outbox.Enabled
	}
	setDuration(&cfg.Outbox.PollInterval, tc.Outbox.PollInterval)
	if tc.Outbox.PollBatchSize != 0 {
		cfg.Outbox.PollBatchSize = tc.Outbox.PollBatchSize
	}
	if tc.Outbox.APIBatchSize != 0 {
		cfg.Outbox.APIBatchSize = tc.Outbox.APIBatchSize
	}
	if tc.Outbox.MaxConcurrentCalls != 0 {
		cfg.Outbox.MaxConcurrentCalls = tc.Outbox.MaxConcurrentCalls
	}
	if tc.Outbox.MaxInFlight != 0 {
		cfg.Outbox.MaxInFlight = tc.Outbox.MaxInFlight
	}
	if tc.Outbox.GlobalBufferSize != 0 {
		cfg.Outbox.GlobalBufferSize = tc.Outbox.GlobalBufferSize
	}
	if tc.Outbox.GroupQueueSize != 0 {
		cfg.Outbox.GroupQueueSize = tc.Outbox.GroupQueueSize
	}
	setDuration(&cfg.Outbox.BatchLinger, tc.Outbox.BatchLinger)
	setDuration(&cfg.Outbox.RecoveryInterval, tc.Outbox.RecoveryInterval)
	if tc.Outbox.ProcessingTimeoutSeconds != 0 {
		cfg.Outbox.ProcessingTimeoutSeconds = tc.Outbox.ProcessingTimeoutSeconds
	}

	if tc.Standby.Enabled {
		cfg.Standby.Enabled = true
	}
	if tc.Standby.InstanceID != "" {
		cfg.Standby.InstanceID = tc.Standby.InstanceID
	}
	if tc.Standby.LockKey != "" {
		cfg.Standby.LockKey = tc.Standby.LockKey
	}
	setDuration(&cfg.Standby.LockTTL, tc.Standby.LockTTL)
	setDuration(&cfg.Standby.RefreshInterval, tc.Standby.RefreshInterval)
	if tc.Standby.RedisURL != "" {
		cfg.Standby.RedisURL = tc.Standby.RedisURL
	}

	if tc.DevMode {
		cfg.DevMode = true
	}

	return nil
}

func setDuration(dst *time.Duration, value string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*dst = d
	}
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# DriftGate relay configuration
# Environment variables override these settings

dev_mode = false

[http]
port = 8080

[database]
type = "POSTGRESQL"  # POSTGRESQL, MYSQL, or MONGODB
url = "postgres://localhost:5432/driftgate?sslmode=disable"
mongo_database = "driftgate"
events_table = "outbox_events"
dispatch_jobs_table = "outbox_dispatch_jobs"
create_schema = false

[api]
base_url = "https://platform.example.com"
# Literal token or "secret:<key>" to resolve via the secrets provider
auth_token = ""
connection_timeout = "10s"
request_timeout = "30s"
circuit_breaker_enabled = true

[outbox]
enabled = true
poll_interval = "1s"
poll_batch_size = 100
api_batch_size = 100
max_concurrent_calls = 50
max_in_flight = 1000
buffer_size = 2000
group_queue_size = 1000
batch_linger = "25ms"
recovery_interval = "60s"
processing_timeout_seconds = 300

[standby]
enabled = false
instance_id = ""
lock_key = "driftgate:relay:leader"
lock_ttl = "30s"
refresh_interval = "10s"
redis_url = "redis://localhost:6379"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
