package tillsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete configuration for a sync engine.
type Config struct {
	// Store configures the local persistent catalog store.
	Store StoreConfig `yaml:"store"`

	// Sync configures background and manual synchronization.
	Sync SyncConfig `yaml:"sync"`

	// Backup configures the durable order backup log.
	Backup BackupConfig `yaml:"backup"`

	// Archive configures optional off-device backup archival.
	Archive ArchiveConfig `yaml:"archive"`

	// Notifier configures the optional change notification listener.
	Notifier NotifierConfig `yaml:"notifier"`
}

// StoreConfig configures the local persistent store.
type StoreConfig struct {
	// Path is the SQLite database file path. Empty selects the
	// in-memory store, which loses data on restart.
	Path string `yaml:"path"`

	// BusyTimeout is how long SQLite waits on a locked database
	// before failing. Default: 5s.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// SyncConfig configures synchronization behavior.
type SyncConfig struct {
	// BackgroundInterval is the delta sync period. Default: 3m.
	BackgroundInterval time.Duration `yaml:"background_interval"`

	// StartupDelay is how long after a warm start before the first
	// background delta fires. Default: 3s.
	StartupDelay time.Duration `yaml:"startup_delay"`

	// BulkRetryInterval is how long after a failed initial download
	// before the next attempt. Default: 1s.
	BulkRetryInterval time.Duration `yaml:"bulk_retry_interval"`

	// BatchSize is the product page size for manual full sync.
	// Default: 500.
	BatchSize int `yaml:"batch_size"`

	// BatchDelay is the pause between manual sync batch fetches so
	// the remote authority is not hammered. Default: 100ms.
	BatchDelay time.Duration `yaml:"batch_delay"`

	// RequestTimeout bounds each remote procedure call. Default: 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Retry controls retries of transient remote failures.
	Retry RetryConfig `yaml:"retry"`
}

// BackupConfig configures the durable order backup log.
type BackupConfig struct {
	// RetryInterval is how long after a failed upload before the next
	// attempt. Default: 10s.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// Compress enables snappy compression of serialized order
	// payloads at rest. Default: true.
	Compress bool `yaml:"compress"`

	// EncryptionKey enables AES-256-GCM encryption of order payloads
	// at rest when non-empty. The key is derived with PBKDF2.
	EncryptionKey string `yaml:"encryption_key"`

	// RetentionPeriod prunes acknowledged backups older than this age.
	// Zero disables pruning.
	RetentionPeriod time.Duration `yaml:"retention_period"`
}

// ArchiveConfig configures off-device archival of order backups to
// object storage.
type ArchiveConfig struct {
	// Enabled turns archival on. Default: false.
	Enabled bool `yaml:"enabled"`

	// Bucket is the target object storage bucket.
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to archived object keys.
	Prefix string `yaml:"prefix"`

	// Region is the bucket region.
	Region string `yaml:"region"`

	// Endpoint overrides the object storage endpoint for
	// S3-compatible services. Empty uses the default.
	Endpoint string `yaml:"endpoint"`

	// Credentials are resolved from the environment or instance role
	// when empty. Prefer leaving these unset outside development.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// NotifierConfig configures the websocket change notification listener.
type NotifierConfig struct {
	// Enabled turns the listener on. Default: false.
	Enabled bool `yaml:"enabled"`

	// URL is the websocket endpoint of the remote authority.
	URL string `yaml:"url"`

	// ReconnectDelay is the pause before redialing a dropped
	// connection. Default: 5s.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// PingInterval keeps idle connections alive. Default: 30s.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			BusyTimeout: 5 * time.Second,
		},
		Sync: SyncConfig{
			BackgroundInterval: 3 * time.Minute,
			StartupDelay:       3 * time.Second,
			BulkRetryInterval:  time.Second,
			BatchSize:          500,
			BatchDelay:         100 * time.Millisecond,
			RequestTimeout:     30 * time.Second,
			Retry:              DefaultRetryConfig(),
		},
		Backup: BackupConfig{
			RetryInterval: 10 * time.Second,
			Compress:      true,
		},
		Archive: ArchiveConfig{},
		Notifier: NotifierConfig{
			ReconnectDelay: 5 * time.Second,
			PingInterval:   30 * time.Second,
		},
	}
}

// LoadConfig reads a YAML configuration file, applying defaults for
// any omitted settings.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Sync.BackgroundInterval <= 0 {
		return fmt.Errorf("sync background_interval must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be positive")
	}
	if c.Sync.BatchDelay < 0 {
		return fmt.Errorf("sync batch_delay must not be negative")
	}
	if c.Backup.RetryInterval <= 0 {
		return fmt.Errorf("backup retry_interval must be positive")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive bucket is required when archival is enabled")
	}
	if c.Notifier.Enabled && c.Notifier.URL == "" {
		return fmt.Errorf("notifier url is required when the notifier is enabled")
	}
	return nil
}
