// Package config loads hostd's runtime configuration from a YAML file, an
// optional environment-specific overlay, and environment variables, in that
// order of increasing precedence.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sandboxrt/hostd/pkg/utils"
)

// Config is the unified configuration for one hostd node.
type Config struct {
	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	HTTP struct {
		ListenAddr      string  `mapstructure:"listen_addr" json:"listen_addr"`
		RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	} `mapstructure:"http" json:"http"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Agents struct {
		SupervisorEventBuffer int `mapstructure:"supervisor_event_buffer" json:"supervisor_event_buffer"`
	} `mapstructure:"agents" json:"agents"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads cmd/config/default.yaml and merges an env-named overlay
// (cmd/config/<env>.yaml) if env is non-empty, then lets environment
// variables and a local .env file take final precedence.
func Load(env string) (*Config, error) {
	_ = godotenv.Load()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the HOSTD_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("HOSTD_ENV", ""))
}

func applyDefaults(c *Config) {
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = utils.EnvOrDefault("HOSTD_DB_PATH", "hostd.db")
	}
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = utils.EnvOrDefault("HOSTD_LISTEN_ADDR", "127.0.0.1:3000")
	}
	if c.HTTP.RateLimitPerSec == 0 {
		c.HTTP.RateLimitPerSec = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = utils.EnvOrDefault("HOSTD_LOG_LEVEL", "info")
	}
	if c.Agents.SupervisorEventBuffer == 0 {
		c.Agents.SupervisorEventBuffer = 1024
	}
}
