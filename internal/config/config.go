// Package config loads offsync settings from offsync.toml and OFFSYNC_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/agritrace/offsync/internal/offline/conflict"
)

// FileName is the configuration file name without extension.
const FileName = "offsync"

// EnvPrefix prefixes environment overrides, e.g. OFFSYNC_REMOTE_BASE_URL.
const EnvPrefix = "OFFSYNC"

// Config is the complete offsync configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`

	// Source is the file the configuration was read from, empty if none.
	Source string `mapstructure:"-" yaml:"-"`
}

// StoreConfig locates the SQLite store.
type StoreConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	MaxPages int    `mapstructure:"max_pages" yaml:"max_pages"`
}

// RemoteConfig describes the REST service.
type RemoteConfig struct {
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Token      string        `mapstructure:"token" yaml:"-"`
	HealthPath string        `mapstructure:"health_path" yaml:"health_path"`
}

// SyncConfig tunes the orchestrator and daemon.
type SyncConfig struct {
	MaxRetries         int           `mapstructure:"max_retries" yaml:"max_retries"`
	Strategy           string        `mapstructure:"strategy" yaml:"strategy"`
	FailFast4xx        bool          `mapstructure:"fail_fast_4xx" yaml:"fail_fast_4xx"`
	RevalidateInterval time.Duration `mapstructure:"revalidate_interval" yaml:"revalidate_interval"`
	UserID             string        `mapstructure:"user_id" yaml:"user_id"`
}

// CacheConfig tunes the local cache.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// DashboardConfig controls the WebSocket dashboard. Port 0 disables it.
type DashboardConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path: filepath.Join(".offsync", "offsync.db"),
		},
		Remote: RemoteConfig{
			Timeout:    15 * time.Second,
			HealthPath: "/health",
		},
		Sync: SyncConfig{
			MaxRetries:         3,
			Strategy:           "client-wins",
			RevalidateInterval: 5 * time.Minute,
		},
		Cache: CacheConfig{
			TTL: 24 * time.Hour,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads configuration. If path is empty, offsync.toml is searched in
// $XDG_CONFIG_HOME/offsync and the working directory, and a missing file is
// not an error. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("toml")
		if dir := userConfigDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. The remote base URL is checked by commands
// that need it.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	if c.Store.MaxPages < 0 {
		return fmt.Errorf("store.max_pages must not be negative (got %d)", c.Store.MaxPages)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive (got %s)", c.Remote.Timeout)
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive (got %d)", c.Sync.MaxRetries)
	}
	if _, err := conflict.ParseStrategy(c.Sync.Strategy); err != nil {
		return fmt.Errorf("sync.strategy: %w", err)
	}
	if c.Sync.RevalidateInterval <= 0 {
		return fmt.Errorf("sync.revalidate_interval must be positive (got %s)", c.Sync.RevalidateInterval)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive (got %s)", c.Cache.TTL)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port)
	}
	return nil
}

// DefaultPath is where `offsync config init` writes when no path is given.
func DefaultPath() string {
	if dir := userConfigDir(); dir != "" {
		return filepath.Join(dir, FileName+".toml")
	}
	return FileName + ".toml"
}

func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, FileName)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, FileName)
	}
	return ""
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.max_pages", d.Store.MaxPages)
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.token", d.Remote.Token)
	v.SetDefault("remote.health_path", d.Remote.HealthPath)
	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.strategy", d.Sync.Strategy)
	v.SetDefault("sync.fail_fast_4xx", d.Sync.FailFast4xx)
	v.SetDefault("sync.revalidate_interval", d.Sync.RevalidateInterval)
	v.SetDefault("sync.user_id", d.Sync.UserID)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

// fileConfig is the on-disk shape written by WriteFile. Durations are
// strings so the file stays hand-editable.
type fileConfig struct {
	Store struct {
		Path     string `toml:"path"`
		MaxPages int    `toml:"max_pages"`
	} `toml:"store"`
	Remote struct {
		BaseURL    string `toml:"base_url"`
		Timeout    string `toml:"timeout"`
		HealthPath string `toml:"health_path"`
	} `toml:"remote"`
	Sync struct {
		MaxRetries         int    `toml:"max_retries"`
		Strategy           string `toml:"strategy"`
		FailFast4xx        bool   `toml:"fail_fast_4xx"`
		RevalidateInterval string `toml:"revalidate_interval"`
		UserID             string `toml:"user_id"`
	} `toml:"sync"`
	Cache struct {
		TTL string `toml:"ttl"`
	} `toml:"cache"`
	Dashboard struct {
		Port int `toml:"port"`
	} `toml:"dashboard"`
	Log struct {
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
		Compress   bool   `toml:"compress"`
	} `toml:"log"`
}

// WriteFile writes c to path as TOML. The remote token is never written;
// set it with OFFSYNC_REMOTE_TOKEN or `offsync login`. An existing file is
// only replaced when force is set.
func WriteFile(c *Config, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var fc fileConfig
	fc.Store.Path = c.Store.Path
	fc.Store.MaxPages = c.Store.MaxPages
	fc.Remote.BaseURL = c.Remote.BaseURL
	fc.Remote.Timeout = c.Remote.Timeout.String()
	fc.Remote.HealthPath = c.Remote.HealthPath
	fc.Sync.MaxRetries = c.Sync.MaxRetries
	fc.Sync.Strategy = c.Sync.Strategy
	fc.Sync.FailFast4xx = c.Sync.FailFast4xx
	fc.Sync.RevalidateInterval = c.Sync.RevalidateInterval.String()
	fc.Sync.UserID = c.Sync.UserID
	fc.Cache.TTL = c.Cache.TTL.String()
	fc.Dashboard.Port = c.Dashboard.Port
	fc.Log.File = c.Log.File
	fc.Log.MaxSizeMB = c.Log.MaxSizeMB
	fc.Log.MaxBackups = c.Log.MaxBackups
	fc.Log.MaxAgeDays = c.Log.MaxAgeDays
	fc.Log.Compress = c.Log.Compress

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(fc); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
