package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SyncSettings tune the coordinator's fetch cycles.
type SyncSettings struct {
	// PollIntervalSec is the fallback poll cadence. Event delivery has
	// no redelivery guarantee, so subscribers rely on this floor.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// InitialSyncDays bounds the historical backfill window.
	InitialSyncDays int `mapstructure:"initial_sync_days" yaml:"initial_sync_days"`

	// FetchPageSize caps envelopes fetched per transport call.
	FetchPageSize int `mapstructure:"fetch_page_size" yaml:"fetch_page_size"`

	// RetryBudget is the number of backoff retries after a transport
	// failure before the error state becomes terminal for the session.
	RetryBudget int `mapstructure:"retry_budget" yaml:"retry_budget"`
}

// ClassifierConfig points at the local inference endpoint used by the
// skill gateway.
type ClassifierConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
	Model   string `mapstructure:"model" yaml:"model"`
}

// LogConfig holds logging output settings.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	// DataDir holds one cache database per account.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Accounts   []Account        `mapstructure:"accounts" yaml:"accounts"`
	Sync       SyncSettings     `mapstructure:"sync" yaml:"sync"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/linebox/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "linebox", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "linebox-data")
	}
	return filepath.Join(home, ".local", "share", "linebox")
}

func defaultAppConfig() *AppConfig {
	return &AppConfig{
		DataDir: defaultDataDir(),
		Sync: SyncSettings{
			PollIntervalSec: 60,
			InitialSyncDays: 365,
			FetchPageSize:   500,
			RetryBudget:     6,
		},
		Classifier: ClassifierConfig{
			Enabled: false,
			URL:     "http://localhost:11434",
			Model:   "mistral:latest",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("sync.poll_interval_sec", 60)
	v.SetDefault("sync.initial_sync_days", 365)
	v.SetDefault("sync.fetch_page_size", 500)
	v.SetDefault("sync.retry_budget", 6)
	v.SetDefault("classifier.url", "http://localhost:11434")
	v.SetDefault("classifier.model", "mistral:latest")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)

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

	for i := range cfg.Accounts {
		if cfg.Accounts[i].IMAPPort == 0 {
			cfg.Accounts[i].IMAPPort = 993
		}
		if cfg.Accounts[i].ID == "" {
			cfg.Accounts[i].ID = cfg.Accounts[i].Email
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
	v.Set("sync", cfg.Sync)
	v.Set("classifier", cfg.Classifier)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
