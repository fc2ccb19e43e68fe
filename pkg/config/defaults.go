package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Default values for the dispatcher. The poll interval doubles as the
// notification wait timeout, so a lost NOTIFY delays a change by at most one
// interval.
const (
	DefaultWatchChannel   = "member_changes"
	DefaultBatchSize      = 100
	DefaultPollInterval   = 60 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// Default values for the file bus.
const (
	DefaultReplyTimeout    = 10 * time.Second
	DefaultBusPollInterval = 500 * time.Millisecond
	DefaultStaleAfter      = 5 * time.Minute
)

// Default ports for the HTTP surfaces.
const (
	DefaultStatusPort   = 8801
	DefaultIdentityPort = 8802
	DefaultAccessPort   = 8803
	DefaultWebhookPort  = 8810
	DefaultMetricsPort  = 9090
)

// DefaultActiveStatus is the membership_status value that grants access.
const DefaultActiveStatus = "active"

// GetDefaultConfig returns a configuration with sensible defaults.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in zero values with defaults. Called after unmarshaling
// so a partial config file still yields a runnable configuration.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyDatabaseDefaults(&cfg.Database)
	applyDispatcherDefaults(&cfg.Dispatcher)
	applyBusDefaults(&cfg.Bus)
	applyEffectorsDefaults(&cfg.Effectors)
	applyWebhookDefaults(&cfg.Webhook)
	applyRFIDDefaults(&cfg.RFID)
	applyDirectoryDefaults(&cfg.Directory)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = "INFO"
	}
	if l.Format == "" {
		l.Format = "text"
	}
	if l.Output == "" {
		l.Output = "stdout"
	}
}

func applyDatabaseDefaults(d *DatabaseConfig) {
	if d.Host == "" {
		d.Host = "localhost"
	}
	if d.Port == 0 {
		d.Port = 5432
	}
	if d.Name == "" {
		d.Name = "deepharbor"
	}
	if d.User == "" {
		d.User = "deepharbor"
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}
	if d.MaxConns == 0 {
		d.MaxConns = 10
	}
	if d.MinConns == 0 {
		d.MinConns = 2
	}
}

func applyDispatcherDefaults(d *DispatcherConfig) {
	if d.WatchChannel == "" {
		d.WatchChannel = DefaultWatchChannel
	}
	if d.BatchSize == 0 {
		d.BatchSize = DefaultBatchSize
	}
	if d.PollInterval == 0 {
		d.PollInterval = DefaultPollInterval
	}
	if d.RequestTimeout == 0 {
		d.RequestTimeout = DefaultRequestTimeout
	}
	if d.InitialBackoff == 0 {
		d.InitialBackoff = DefaultInitialBackoff
	}
	if d.MaxBackoff == 0 {
		d.MaxBackoff = DefaultMaxBackoff
	}
}

func applyBusDefaults(b *BusConfig) {
	if b.SharedVolumePath == "" {
		b.SharedVolumePath = "/var/lib/deepharbor/bus"
	}
	if b.ReplyTimeout == 0 {
		b.ReplyTimeout = DefaultReplyTimeout
	}
	if b.PollInterval == 0 {
		b.PollInterval = DefaultBusPollInterval
	}
	if b.StaleAfter == 0 {
		b.StaleAfter = DefaultStaleAfter
	}
}

func applyEffectorsDefaults(e *EffectorsConfig) {
	if e.Status.Port == 0 {
		e.Status.Port = DefaultStatusPort
	}
	if e.Identity.Port == 0 {
		e.Identity.Port = DefaultIdentityPort
	}
	if e.Access.Port == 0 {
		e.Access.Port = DefaultAccessPort
	}
	if e.ActiveStatus == "" {
		e.ActiveStatus = DefaultActiveStatus
	}
}

func applyWebhookDefaults(w *WebhookConfig) {
	if w.Port == 0 {
		w.Port = DefaultWebhookPort
	}
}

func applyRFIDDefaults(r *RFIDConfig) {
	if r.BindAddr == "" {
		r.BindAddr = "0.0.0.0:0"
	}
	if r.BroadcastAddr == "" {
		r.BroadcastAddr = "255.255.255.255:60000"
	}
	if r.Timeout == 0 {
		r.Timeout = 5 * time.Second
	}
	if r.Retries == 0 {
		r.Retries = 3
	}
}

func applyDirectoryDefaults(d *DirectoryConfig) {
	if d.Retries == 0 {
		d.Retries = 3
	}
}

func applyMetricsDefaults(m *MetricsConfig) {
	if m.Port == 0 {
		m.Port = DefaultMetricsPort
	}
}

// Validate checks the configuration against the struct tags plus a few
// cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Dispatcher.InitialBackoff > cfg.Dispatcher.MaxBackoff {
		return fmt.Errorf("dispatcher: initial_backoff (%s) exceeds max_backoff (%s)",
			cfg.Dispatcher.InitialBackoff, cfg.Dispatcher.MaxBackoff)
	}

	if cfg.Bus.PollInterval > cfg.Bus.ReplyTimeout {
		return fmt.Errorf("bus: poll_interval (%s) exceeds reply_timeout (%s)",
			cfg.Bus.PollInterval, cfg.Bus.ReplyTimeout)
	}

	seen := map[int]string{}
	for _, e := range []struct {
		name string
		port int
	}{
		{"effectors.status", cfg.Effectors.Status.Port},
		{"effectors.identity", cfg.Effectors.Identity.Port},
		{"effectors.access", cfg.Effectors.Access.Port},
	} {
		if other, ok := seen[e.port]; ok {
			return fmt.Errorf("effector port %d assigned to both %s and %s", e.port, other, e.name)
		}
		seen[e.port] = e.name
	}

	return nil
}
