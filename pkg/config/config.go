// Package config loads and validates Deep Harbor configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config captures the static configuration shared by all Deep Harbor
// processes: the dispatcher, the effector services, the webhook receiver and
// the hardware/directory workers.
//
// Dynamic configuration — which effector handles which change type — lives in
// the service_endpoints table and is managed with `deepharbor routes`, not
// here.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DEEPHARBOR_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Database holds the PostgreSQL connection parameters. All processes that
	// touch the member database share this section.
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Dispatcher configures the change dispatcher process.
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`

	// Bus configures the file-backed request/reply queue shared between the
	// effector services and the hardware/directory workers.
	Bus BusConfig `mapstructure:"bus" yaml:"bus"`

	// Effectors configures the HTTP effector services.
	Effectors EffectorsConfig `mapstructure:"effectors" yaml:"effectors"`

	// Webhook configures the waiver webhook receiver.
	Webhook WebhookConfig `mapstructure:"webhook" yaml:"webhook"`

	// RFID configures the hardware worker that owns the door controller.
	RFID RFIDConfig `mapstructure:"rfid" yaml:"rfid"`

	// Directory configures the worker that owns the directory service.
	Directory DirectoryConfig `mapstructure:"directory" yaml:"directory"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required" yaml:"host"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	Name     string `mapstructure:"name" validate:"required" yaml:"name"`
	User     string `mapstructure:"user" validate:"required" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// Schema is appended to the search_path after dbo, matching how the
	// member tables are laid out.
	Schema  string `mapstructure:"schema" yaml:"schema"`
	SSLMode string `mapstructure:"ssl_mode" yaml:"ssl_mode"`

	MaxConns int32 `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns int32 `mapstructure:"min_conns" yaml:"min_conns"`
}

// DSN returns the key/value connection string used by both pgx and GORM.
func (c *DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s",
		c.Host, c.Port, c.User, c.Name)
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", c.Password)
	}
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	if c.Schema != "" {
		dsn += fmt.Sprintf(" search_path=dbo,%s", c.Schema)
	}
	return dsn
}

// DispatcherConfig configures the change dispatcher.
type DispatcherConfig struct {
	// WatchChannel is the NOTIFY channel the dispatcher listens on. It must
	// match the channel the insert trigger notifies (the migrations hardcode
	// "member_changes"). The notification payload is never trusted; it is
	// only a wake signal.
	WatchChannel string `mapstructure:"watch_channel" validate:"required" yaml:"watch_channel"`

	// BatchSize is the maximum number of unprocessed rows fetched per pass.
	BatchSize int `mapstructure:"batch_size" validate:"min=1" yaml:"batch_size"`

	// PollInterval bounds the notification wait. Lost notifications are
	// picked up on this cadence, so it is a correctness knob, not a tuning
	// one. Retained under its historical name.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// RequestTimeout is the client-side timeout on effector calls.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// StrictMemberOrder, when set, stops dispatching further changes for a
	// member once one of that member's changes has failed in the current
	// pass. Off by default.
	StrictMemberOrder bool `mapstructure:"strict_member_order" yaml:"strict_member_order"`

	// InitialBackoff and MaxBackoff bound the reconnect backoff after a
	// database failure.
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// BusConfig configures the file-backed request/reply queue.
type BusConfig struct {
	// SharedVolumePath is the root of the queue directories. It must live on
	// a filesystem shared by producers and consumers with POSIX rename
	// semantics.
	SharedVolumePath string `mapstructure:"shared_volume_path" validate:"required" yaml:"shared_volume_path"`

	// ReplyTimeout is how long a producer waits for a correlated reply.
	ReplyTimeout time.Duration `mapstructure:"reply_timeout" yaml:"reply_timeout"`

	// PollInterval is the producer's reply poll cadence and the consumer's
	// idle sleep.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// StaleAfter is the age past which a file under processing/ is assumed
	// orphaned by a crashed consumer and swept back to pending/.
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

// EffectorsConfig configures the HTTP effector services.
type EffectorsConfig struct {
	Status   EffectorConfig `mapstructure:"status" yaml:"status"`
	Identity EffectorConfig `mapstructure:"identity" yaml:"identity"`
	Access   EffectorConfig `mapstructure:"access" yaml:"access"`

	// ActiveStatus is the membership_status value that grants access.
	ActiveStatus string `mapstructure:"active_status" yaml:"active_status"`
}

// EffectorConfig configures a single effector HTTP service.
type EffectorConfig struct {
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// WebhookConfig configures the waiver webhook receiver.
type WebhookConfig struct {
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// RFIDConfig configures the door controller worker.
type RFIDConfig struct {
	// BindAddr and BroadcastAddr follow the UHPPOTE conventions: requests go
	// out over UDP broadcast and the board answers back to the sender.
	BindAddr      string `mapstructure:"bind_addr" yaml:"bind_addr"`
	BroadcastAddr string `mapstructure:"broadcast_addr" yaml:"broadcast_addr"`

	// SerialNumber is the controller serial, printed on the board sticker.
	SerialNumber uint32 `mapstructure:"serial_number" yaml:"serial_number"`

	// Timeout is the per-request device timeout; Retries bounds how often a
	// timed-out device call is retried before the bus reply reports failure.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries int           `mapstructure:"retries" yaml:"retries"`
}

// DirectoryConfig configures the directory (LDAP) worker.
type DirectoryConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	BindDN   string `mapstructure:"bind_dn" yaml:"bind_dn"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// UserBaseDN and GroupBaseDN root the subtree searches for accounts and
	// groups.
	UserBaseDN  string `mapstructure:"user_base_dn" yaml:"user_base_dn"`
	GroupBaseDN string `mapstructure:"group_base_dn" yaml:"group_base_dn"`

	// Retries bounds how often a call against an unreachable directory
	// server is reattempted.
	Retries int `mapstructure:"retries" yaml:"retries"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics server is started.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the config
// file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Create one first:\n"+
				"  deepharbor init\n\n"+
				"Or specify a custom config file:\n"+
				"  deepharbor <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file carries database and directory credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// DEEPHARBOR_DATABASE_HOST overrides database.host, and so on.
	v.SetEnvPrefix("DEEPHARBOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30s", "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Raw integers are taken as seconds: the historical config file
			// wrote poll_interval as a bare number of seconds.
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "deepharbor")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "deepharbor")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}
