// Package config loads deployment settings from the environment, with
// optional overrides from a config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all deployment knobs for the gateway.
type Config struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	ServerID  string `mapstructure:"server_id"`
	JWTSecret string `mapstructure:"jwt_secret"`
	LogLevel  string `mapstructure:"log_level"`

	// DatabaseURL selects PostgreSQL persistence; empty runs on the
	// in-memory store.
	DatabaseURL string `mapstructure:"database_url"`

	// RedisURL enables the cross-instance relay; empty runs
	// single-instance.
	RedisURL string `mapstructure:"redis_url"`

	Collab CollabConfig `mapstructure:"collab"`
}

// CollabConfig tunes the collaboration engine.
type CollabConfig struct {
	MaxCollaborators int           `mapstructure:"max_collaborators"`
	AutoSaveInterval time.Duration `mapstructure:"auto_save_interval"`
	ConflictStrategy string        `mapstructure:"conflict_strategy"`
	HistoryEnabled   bool          `mapstructure:"history_enabled"`
}

// Load reads configuration from REALTIME_* environment variables and,
// if present, a realtime.yaml file in the working directory.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("server_id", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("collab.max_collaborators", 50)
	v.SetDefault("collab.auto_save_interval", 2*time.Second)
	v.SetDefault("collab.conflict_strategy", "last_write_wins")
	v.SetDefault("collab.history_enabled", true)

	v.SetEnvPrefix("REALTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("realtime")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("config: REALTIME_JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("config: JWT secret must be at least 32 characters")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.RedisURL != "" && c.ServerID == "" {
		return fmt.Errorf("config: REALTIME_SERVER_ID is required when the relay is enabled")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
