// Package config defines the hotplug daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server   ServerConfig  `json:"server" yaml:"server"`
	Auth     AuthConfig    `json:"auth" yaml:"auth"`
	Plugins  PluginsConfig `json:"plugins" yaml:"plugins"`
	DataDir  string        `json:"data_dir" yaml:"data_dir"`
	LogLevel string        `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls control-plane authentication. Leaving AdminUser empty
// disables authentication entirely.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// PluginsConfig controls the plugin runtime.
type PluginsConfig struct {
	Dir             string   `json:"dir" yaml:"dir"`
	MaxPlugins      int      `json:"max_plugins" yaml:"max_plugins"`
	HotReload       bool     `json:"hot_reload" yaml:"hot_reload"`
	WatchIntervalMS int      `json:"watch_interval_ms" yaml:"watch_interval_ms"`
	DebounceMS      int      `json:"debounce_ms" yaml:"debounce_ms"`
	ResourceDirs    []string `json:"resource_dirs,omitempty" yaml:"resource_dirs"`
}

// WatchInterval returns the polling backstop period.
func (p PluginsConfig) WatchInterval() time.Duration {
	return time.Duration(p.WatchIntervalMS) * time.Millisecond
}

// Debounce returns the event settle window.
func (p PluginsConfig) Debounce() time.Duration {
	return time.Duration(p.DebounceMS) * time.Millisecond
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Plugins: PluginsConfig{
			Dir:             "./plugins",
			MaxPlugins:      100,
			HotReload:       true,
			WatchIntervalMS: 1000,
			DebounceMS:      500,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
