package main

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the gokv server
type Config struct {
	// Server settings
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Persistence
	AOFEnabled bool   `mapstructure:"aof_enabled"`
	AOFPath    string `mapstructure:"aof_path"`

	// Background workers
	Workers int `mapstructure:"workers"`

	// Metrics
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	MetricsPort    int  `mapstructure:"metrics_port"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Host:           "0.0.0.0",
		Port:           1234,
		IdleTimeout:    5 * time.Second,
		LogLevel:       "info",
		LogFormat:      "json",
		AOFEnabled:     true,
		AOFPath:        "redis.aof",
		Workers:        4,
		MetricsEnabled: false,
		MetricsPort:    9121,
	}
}

// LoadConfig loads configuration from environment variables, config file,
// and command line flags
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("gokv")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/gokv/")
	viper.AddConfigPath("$HOME/.gokv")

	// Environment variables
	viper.SetEnvPrefix("GOKV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("host", config.Host)
	viper.SetDefault("port", config.Port)
	viper.SetDefault("idle_timeout", config.IdleTimeout)
	viper.SetDefault("log_level", config.LogLevel)
	viper.SetDefault("log_format", config.LogFormat)
	viper.SetDefault("aof_enabled", config.AOFEnabled)
	viper.SetDefault("aof_path", config.AOFPath)
	viper.SetDefault("workers", config.Workers)
	viper.SetDefault("metrics_enabled", config.MetricsEnabled)
	viper.SetDefault("metrics_port", config.MetricsPort)

	// Read config file (optional)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", c.Port)
	}

	if net.ParseIP(c.Host) == nil {
		return fmt.Errorf("invalid host: %q (must be an IP address)", c.Host)
	}

	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive")
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}

	if c.AOFEnabled && c.AOFPath == "" {
		return fmt.Errorf("aof_path must be set when aof_enabled is true")
	}

	validLogLevels := []string{"debug", "info", "warn", "error", "fatal"}
	validLevel := false
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid log_format: %s (must be json or console)", c.LogFormat)
	}

	return nil
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("gokv Config: %s:%d, AOF: %t (%s), LogLevel: %s",
		c.Host, c.Port, c.AOFEnabled, c.AOFPath, c.LogLevel)
}
