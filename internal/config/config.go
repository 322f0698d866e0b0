// Package config loads server settings from the environment, with an optional
// collab.yaml alongside the binary. Every key has a working default except the
// JWT secret, which must be provided.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DBPath     string `mapstructure:"db_path"`
	JWTSecret  string `mapstructure:"jwt_secret"`

	// RedisAddr enables cross-node room relay when set
	RedisAddr string `mapstructure:"redis_addr"`
	NodeID    string `mapstructure:"node_id"`

	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	RetentionKeep     int           `mapstructure:"retention_keep"`
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "./data/collab.db")
	// registered empty so AutomaticEnv can populate it
	v.SetDefault("jwt_secret", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("node_id", "")
	v.SetDefault("retention_interval", 10*time.Minute)
	v.SetDefault("retention_keep", 25)

	v.SetConfigName("collab")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COLLAB")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: reading collab.yaml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("config: jwt_secret is required (COLLAB_JWT_SECRET)")
	}
	if cfg.RetentionKeep < 1 {
		return nil, errors.New("config: retention_keep must be at least 1")
	}

	return &cfg, nil
}
