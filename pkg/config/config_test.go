package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	// Point the default config dir at an empty temp dir.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Dispatcher.WatchChannel != DefaultWatchChannel {
		t.Errorf("expected watch channel %q, got %q", DefaultWatchChannel, cfg.Dispatcher.WatchChannel)
	}
	if cfg.Dispatcher.BatchSize != DefaultBatchSize {
		t.Errorf("expected batch size %d, got %d", DefaultBatchSize, cfg.Dispatcher.BatchSize)
	}
	if cfg.Bus.ReplyTimeout != DefaultReplyTimeout {
		t.Errorf("expected reply timeout %s, got %s", DefaultReplyTimeout, cfg.Bus.ReplyTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: DEBUG
database:
  host: db.internal
  port: 5433
  name: members
  user: dispatcher
  password: secret
dispatcher:
  watch_channel: dbchangenotice
  batch_size: 50
  poll_interval: 60
  strict_member_order: true
bus:
  shared_volume_path: /mnt/shared
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected level DEBUG, got %q", cfg.Logging.Level)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("expected host db.internal, got %q", cfg.Database.Host)
	}
	if cfg.Dispatcher.WatchChannel != "dbchangenotice" {
		t.Errorf("expected watch channel dbchangenotice, got %q", cfg.Dispatcher.WatchChannel)
	}
	if cfg.Dispatcher.BatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", cfg.Dispatcher.BatchSize)
	}
	if !cfg.Dispatcher.StrictMemberOrder {
		t.Error("expected strict_member_order to be true")
	}
	if cfg.Bus.SharedVolumePath != "/mnt/shared" {
		t.Errorf("expected shared volume path /mnt/shared, got %q", cfg.Bus.SharedVolumePath)
	}

	// Unset sections still get defaults.
	if cfg.Effectors.Status.Port != DefaultStatusPort {
		t.Errorf("expected default status port %d, got %d", DefaultStatusPort, cfg.Effectors.Status.Port)
	}
}

func TestDurationDecoding(t *testing.T) {
	t.Run("BareIntegerIsSeconds", func(t *testing.T) {
		path := writeConfigFile(t, `
dispatcher:
  poll_interval: 60
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Dispatcher.PollInterval != 60*time.Second {
			t.Errorf("expected 60s, got %s", cfg.Dispatcher.PollInterval)
		}
	})

	t.Run("DurationString", func(t *testing.T) {
		path := writeConfigFile(t, `
bus:
  reply_timeout: 15s
  poll_interval: 250ms
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Bus.ReplyTimeout != 15*time.Second {
			t.Errorf("expected 15s, got %s", cfg.Bus.ReplyTimeout)
		}
		if cfg.Bus.PollInterval != 250*time.Millisecond {
			t.Errorf("expected 250ms, got %s", cfg.Bus.PollInterval)
		}
	})
}

func TestEnvironmentOverride(t *testing.T) {
	path := writeConfigFile(t, `
database:
  host: from-file
`)

	t.Setenv("DEEPHARBOR_DATABASE_HOST", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Host != "from-env" {
		t.Errorf("expected env override from-env, got %q", cfg.Database.Host)
	}
}

func TestDSN(t *testing.T) {
	db := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		Name:     "members",
		User:     "dh",
		Password: "pw",
		SSLMode:  "disable",
		Schema:   "dh",
	}

	dsn := db.DSN()
	expected := "host=localhost port=5432 user=dh dbname=members password=pw sslmode=disable search_path=dbo,dh"
	if dsn != expected {
		t.Errorf("unexpected DSN:\n got: %s\nwant: %s", dsn, expected)
	}
}

func TestSaveAndReloadConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Dispatcher.WatchChannel = "custom_channel"
	cfg.Bus.SharedVolumePath = "/srv/bus"

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("saved config missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.Dispatcher.WatchChannel != "custom_channel" {
		t.Errorf("round trip lost watch channel: %q", loaded.Dispatcher.WatchChannel)
	}
	if loaded.Bus.SharedVolumePath != "/srv/bus" {
		t.Errorf("round trip lost shared volume path: %q", loaded.Bus.SharedVolumePath)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Run("InvalidLogLevel", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = "VERBOSE"
		if err := Validate(cfg); err == nil {
			t.Error("expected validation error for bad log level")
		}
	})

	t.Run("BackoffOrdering", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Dispatcher.InitialBackoff = time.Minute
		cfg.Dispatcher.MaxBackoff = time.Second
		if err := Validate(cfg); err == nil {
			t.Error("expected validation error for inverted backoff bounds")
		}
	})

	t.Run("DuplicateEffectorPorts", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Effectors.Identity.Port = cfg.Effectors.Status.Port
		if err := Validate(cfg); err == nil {
			t.Error("expected validation error for duplicate ports")
		}
	})

	t.Run("DefaultsAreValid", func(t *testing.T) {
		if err := Validate(GetDefaultConfig()); err != nil {
			t.Errorf("default config failed validation: %v", err)
		}
	})
}
