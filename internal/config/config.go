// Package config handles loading and validation of the relay configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// DefaultConfigPath is the default location for the relay configuration file.
const DefaultConfigPath = "/etc/dbgrelay/config.yaml"

// Config holds all configuration for the relay process.
type Config struct {
	// ListenAddr is the address the relay's HTTP/WebSocket server binds to.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// AgentPath is the upgrade path for the agent endpoint.
	AgentPath string `mapstructure:"agent_path" yaml:"agent_path"`

	// DriverPath is the upgrade path for the driver endpoint.
	DriverPath string `mapstructure:"driver_path" yaml:"driver_path"`

	// StatusToken, if set, is the bearer token required on GET /status.
	// Empty disables auth on that route.
	StatusToken string `mapstructure:"status_token" yaml:"status_token"`

	// LogLevel controls logging verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Load reads configuration from the given file path, falling back to the
// default path if configPath is empty. Environment variables, prefixed
// DBGRELAY_, override file values. A missing config file is not an error —
// defaults and env vars still apply — but a malformed one is, since a relay
// that silently mis-starts on bad YAML is worse than one that refuses to
// start.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":9223")
	v.SetDefault("agent_path", "/agent")
	v.SetDefault("driver_path", "/driver")
	v.SetDefault("log_level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("DBGRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"listen_addr":  "DBGRELAY_LISTEN_ADDR",
		"agent_path":   "DBGRELAY_AGENT_PATH",
		"driver_path":  "DBGRELAY_DRIVER_PATH",
		"status_token": "DBGRELAY_STATUS_TOKEN",
		"log_level":    "DBGRELAY_LOG_LEVEL",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// Config file not found; rely on env vars and defaults.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all configuration fields are well-formed.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.AgentPath == "" || c.DriverPath == "" {
		return fmt.Errorf("agent_path and driver_path are required")
	}
	if c.AgentPath == c.DriverPath {
		return fmt.Errorf("agent_path and driver_path must differ")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	return nil
}
