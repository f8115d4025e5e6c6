package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.wppsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Lock   LockConfig   `toml:"lock"`
	Sync   SyncConfig   `toml:"sync"`
	Outbox OutboxConfig `toml:"outbox"`
	Relay  RelayConfig  `toml:"relay"`
}

// LockConfig tunes the lease-based lock manager.
type LockConfig struct {
	LeaseMinutes     int `toml:"lease_minutes"`
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
}

// SyncConfig tunes catch-up reconciliation.
type SyncConfig struct {
	StartupBatchSize    int `toml:"startup_batch_size"`
	PerChatHistoryLimit int `toml:"per_chat_history_limit"`
	Concurrency         int `toml:"concurrency"`
}

// OutboxConfig tunes the outbox dispatcher.
type OutboxConfig struct {
	PollMillis     int `toml:"poll_millis"`
	MaxAttempts    int `toml:"max_attempts"`
	BackoffSeconds int `toml:"backoff_seconds"`
}

// RelayConfig tunes the change relay.
type RelayConfig struct {
	ListenAddr       string `toml:"listen_addr"` // empty = Unix socket in the session dir
	PollMillis       int    `toml:"poll_millis"`
	HeartbeatSeconds int    `toml:"heartbeat_seconds"`
}

// Default returns a config with all tunables at their defaults.
func Default() *Config {
	return &Config{
		Lock: LockConfig{
			LeaseMinutes:     30,
			HeartbeatSeconds: 30,
		},
		Sync: SyncConfig{
			StartupBatchSize:    50,
			PerChatHistoryLimit: 200,
			Concurrency:         4,
		},
		Outbox: OutboxConfig{
			PollMillis:     500,
			MaxAttempts:    3,
			BackoffSeconds: 5,
		},
		Relay: RelayConfig{
			PollMillis:       750,
			HeartbeatSeconds: 15,
		},
	}
}

// Load reads config from the given path, filling unset values with defaults.
// Returns defaults and the error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return Default(), err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Lock.LeaseMinutes <= 0 {
		c.Lock.LeaseMinutes = d.Lock.LeaseMinutes
	}
	if c.Lock.HeartbeatSeconds <= 0 {
		c.Lock.HeartbeatSeconds = d.Lock.HeartbeatSeconds
	}
	if c.Sync.StartupBatchSize <= 0 {
		c.Sync.StartupBatchSize = d.Sync.StartupBatchSize
	}
	if c.Sync.PerChatHistoryLimit <= 0 {
		c.Sync.PerChatHistoryLimit = d.Sync.PerChatHistoryLimit
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = d.Sync.Concurrency
	}
	if c.Outbox.PollMillis <= 0 {
		c.Outbox.PollMillis = d.Outbox.PollMillis
	}
	if c.Outbox.MaxAttempts <= 0 {
		c.Outbox.MaxAttempts = d.Outbox.MaxAttempts
	}
	if c.Outbox.BackoffSeconds <= 0 {
		c.Outbox.BackoffSeconds = d.Outbox.BackoffSeconds
	}
	if c.Relay.PollMillis <= 0 {
		c.Relay.PollMillis = d.Relay.PollMillis
	}
	if c.Relay.HeartbeatSeconds <= 0 {
		c.Relay.HeartbeatSeconds = d.Relay.HeartbeatSeconds
	}
}

// LeaseDuration returns the configured lock lease duration.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Lock.LeaseMinutes) * time.Minute
}

// HeartbeatInterval returns the configured lock heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Lock.HeartbeatSeconds) * time.Second
}

// OutboxPollInterval returns the outbox drain interval.
func (c *Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.Outbox.PollMillis) * time.Millisecond
}

// OutboxBackoff returns the base retry backoff for transient send failures.
func (c *Config) OutboxBackoff() time.Duration {
	return time.Duration(c.Outbox.BackoffSeconds) * time.Second
}

// RelayPollInterval returns the change detection interval.
func (c *Config) RelayPollInterval() time.Duration {
	return time.Duration(c.Relay.PollMillis) * time.Millisecond
}

// RelayHeartbeatInterval returns the relay client heartbeat interval.
func (c *Config) RelayHeartbeatInterval() time.Duration {
	return time.Duration(c.Relay.HeartbeatSeconds) * time.Second
}
