// Package config loads service configuration from a YAML file, environment
// variables, and built-in defaults, in that order of increasing precedence
// for env vars over file values.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ErrNoCredentials is returned when an operation requires the remote API
// token but none is configured.
var ErrNoCredentials = errors.New("remote API credentials are not configured")

// Config is the full service configuration.
type Config struct {
	Remote RemoteConfig `mapstructure:"remote"`
	Legacy LegacyConfig `mapstructure:"legacy"`
	DB     DBConfig     `mapstructure:"db"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

// RemoteConfig points at the master-data REST API (import source).
type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`

	// PageSize is the limit parameter sent on collection requests.
	PageSize int `mapstructure:"page_size"`

	// PageDelayMs is the pause between page fetches, in milliseconds.
	PageDelayMs int `mapstructure:"page_delay_ms"`
}

// LegacyConfig points at the outbound synchronization target.
type LegacyConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// DBConfig locates the embedded working cache.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP job-control surface.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig configures optional rotating file output.
// An empty File means log to stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads configuration from the given file path. An empty path searches
// for backsync.yaml in the working directory. Environment variables prefixed
// BACKSYNC_ override file values (BACKSYNC_REMOTE_TOKEN, BACKSYNC_DB_PATH, ...).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("backsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("backsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine when no explicit path was given;
		// defaults plus env vars are a complete configuration.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.page_size", 500)
	v.SetDefault("remote.page_delay_ms", 200)
	v.SetDefault("db.path", ".backsync/backsync.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
}

// HasRemoteCredentials reports whether the import source is usable.
func (c *Config) HasRemoteCredentials() bool {
	return c.Remote.BaseURL != "" && c.Remote.Token != ""
}

// HasLegacyCredentials reports whether the outbound sync target is usable.
func (c *Config) HasLegacyCredentials() bool {
	return c.Legacy.BaseURL != "" && c.Legacy.Token != ""
}

// ValidateRemote returns ErrNoCredentials when the remote API is not configured.
func (c *Config) ValidateRemote() error {
	if !c.HasRemoteCredentials() {
		return ErrNoCredentials
	}
	return nil
}

// ValidateLegacy returns ErrNoCredentials when the legacy target is not configured.
func (c *Config) ValidateLegacy() error {
	if !c.HasLegacyCredentials() {
		return ErrNoCredentials
	}
	return nil
}
