package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadWithFileAppliesOverrides(t *testing.T) {
	path := writeConfigFile(t, `
[database]
type = "MYSQL"

[outbox]
poll_batch_size = 25
batch_linger = "40ms"
`)
	t.Setenv("DRIFTGATE_CONFIG", path)

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("LoadWithFile failed: %v", err)
	}

	if cfg.Database.Type != "MYSQL" {
		t.Errorf("database type = %q, want MYSQL", cfg.Database.Type)
	}
	if cfg.Outbox.PollBatchSize != 25 {
		t.Errorf("poll batch size = %d, want 25", cfg.Outbox.PollBatchSize)
	}
	if cfg.Outbox.BatchLinger != 40*time.Millisecond {
		t.Errorf("batch linger = %v, want 40ms", cfg.Outbox.BatchLinger)
	}

	// Fields absent from the file keep their defaults.
	if cfg.Outbox.APIBatchSize != 100 {
		t.Errorf("api batch size = %d, want the default 100", cfg.Outbox.APIBatchSize)
	}
	if cfg.Standby.LockKey != "driftgate:relay:leader" {
		t.Errorf("lock key = %q, want the default", cfg.Standby.LockKey)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
[outbox]
poll_batch_size = 25
`)
	t.Setenv("DRIFTGATE_CONFIG", path)
	t.Setenv("OUTBOX_POLL_BATCH_SIZE", "7")
	t.Setenv("API_BASE_URL", "https://platform.test")

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("LoadWithFile failed: %v", err)
	}

	if cfg.Outbox.PollBatchSize != 7 {
		t.Errorf("poll batch size = %d, want the env value 7", cfg.Outbox.PollBatchSize)
	}
	if cfg.API.BaseURL != "https://platform.test" {
		t.Errorf("base URL = %q, want the env value", cfg.API.BaseURL)
	}
}

func TestWriteExampleConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "relay.toml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig failed: %v", err)
	}

	t.Setenv("DRIFTGATE_CONFIG", path)
	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}

	// The example must restate the defaults, not drift from them.
	if cfg.Database.Type != "POSTGRESQL" {
		t.Errorf("database type = %q, want POSTGRESQL", cfg.Database.Type)
	}
	if cfg.Outbox.PollBatchSize != 100 {
		t.Errorf("poll batch size = %d, want 100", cfg.Outbox.PollBatchSize)
	}
	if cfg.Outbox.MaxConcurrentCalls != 50 {
		t.Errorf("max concurrent calls = %d, want 50", cfg.Outbox.MaxConcurrentCalls)
	}
	if cfg.API.RequestTimeout != 30*time.Second {
		t.Errorf("request timeout = %v, want 30s", cfg.API.RequestTimeout)
	}
	if cfg.Standby.LockTTL != 30*time.Second {
		t.Errorf("lock TTL = %v, want 30s", cfg.Standby.LockTTL)
	}
}
