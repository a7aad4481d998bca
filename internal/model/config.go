package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// EngineConfig holds the tuning knobs of the sync engine.
type EngineConfig struct {
	// MaxConcurrentSyncs caps how many accounts sync simultaneously.
	MaxConcurrentSyncs int `mapstructure:"max_concurrent_syncs" yaml:"max_concurrent_syncs"`

	// SendRetryLimit is how many attempts an outbound job gets before
	// it is marked failed permanently.
	SendRetryLimit int `mapstructure:"send_retry_limit" yaml:"send_retry_limit"`

	// RetrievalTimeoutSec bounds a single retrieval round-trip.
	RetrievalTimeoutSec int `mapstructure:"retrieval_timeout_sec" yaml:"retrieval_timeout_sec"`

	// SubmissionTimeoutSec bounds a single submission, sized for
	// large attachments.
	SubmissionTimeoutSec int `mapstructure:"submission_timeout_sec" yaml:"submission_timeout_sec"`

	// MaxAttachmentBytes is the hard limit on the combined attachment
	// size of an outbound message. Exceeding it fails the job before
	// any network I/O.
	MaxAttachmentBytes int64 `mapstructure:"max_attachment_bytes" yaml:"max_attachment_bytes"`

	// StreamThresholdBytes is the attachment size above which content
	// is streamed from disk instead of buffered in memory.
	StreamThresholdBytes int64 `mapstructure:"stream_threshold_bytes" yaml:"stream_threshold_bytes"`
}

// AppConfig is the top-level engine configuration.
type AppConfig struct {
	// DataDir is where per-account mailbox databases live.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Accounts []Account    `mapstructure:"accounts" yaml:"accounts"`
	Engine   EngineConfig `mapstructure:"engine" yaml:"engine"`
}

// DefaultConfigPath returns the default path for the configuration
// file, located at ~/.config/modernmail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "modernmail", "config.yaml")
}

// DefaultDataDir returns the default mailbox database directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailboxes")
	}
	return filepath.Join(home, ".local", "share", "modernmail")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		DataDir:  DefaultDataDir(),
		Accounts: []Account{},
		Engine: EngineConfig{
			MaxConcurrentSyncs:   4,
			SendRetryLimit:       3,
			RetrievalTimeoutSec:  30,
			SubmissionTimeoutSec: 60,
			MaxAttachmentBytes:   25 << 20,
			StreamThresholdBytes: 1 << 20,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. If the file does not exist, it returns a default
// configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("engine.max_concurrent_syncs", 4)
	v.SetDefault("engine.send_retry_limit", 3)
	v.SetDefault("engine.retrieval_timeout_sec", 30)
	v.SetDefault("engine.submission_timeout_sec", 60)
	v.SetDefault("engine.max_attachment_bytes", 25<<20)
	v.SetDefault("engine.stream_threshold_bytes", 1<<20)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		if cfg.Accounts[i].PollIntervalSec == 0 {
			cfg.Accounts[i].PollIntervalSec = 300
		}
		if !cfg.Accounts[i].Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.enabled", i)
			if !v.IsSet(key) {
				cfg.Accounts[i].Enabled = true
			}
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("data_dir", cfg.DataDir)
	v.Set("accounts", cfg.Accounts)
	v.Set("engine", cfg.Engine)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
