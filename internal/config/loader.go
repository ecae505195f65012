package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"compiled/internal/events"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr          string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel      string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format" toml:"log_format"`
	DefaultDevice string `json:"default_device" yaml:"default_device" toml:"default_device"`
	// PluginDir is scanned for compiled-backend-* executables at startup.
	PluginDir  string       `json:"plugin_dir" yaml:"plugin_dir" toml:"plugin_dir"`
	Cache      CacheConfig  `json:"cache" yaml:"cache" toml:"cache"`
	Devices    []Device     `json:"devices" yaml:"devices" toml:"devices"`
	Extensions []string     `json:"extensions" yaml:"extensions" toml:"extensions"`
	Events     EventsConfig `json:"events" yaml:"events" toml:"events"`
	CORS       CORSConfig   `json:"cors" yaml:"cors" toml:"cors"`
}

// CacheConfig configures the compilation cache.
type CacheConfig struct {
	Dir string `json:"dir" yaml:"dir" toml:"dir"`
	// Store is "fs" (default) or "sqlite".
	Store                string `json:"store" yaml:"store" toml:"store"`
	TolerateWriteFailure bool   `json:"tolerate_write_failure" yaml:"tolerate_write_failure" toml:"tolerate_write_failure"`
}

// Device describes one device backend. Location is an executable path, or
// "builtin:<name>" for a backend linked into the daemon.
type Device struct {
	Name       string                    `json:"name" yaml:"name" toml:"name"`
	Location   string                    `json:"location" yaml:"location" toml:"location"`
	Options    map[string]any            `json:"options" yaml:"options" toml:"options"`
	Extensions []string                  `json:"extensions" yaml:"extensions" toml:"extensions"`
	SubDevices map[string]map[string]any `json:"sub_devices" yaml:"sub_devices" toml:"sub_devices"`
}

// EventsConfig enables optional event sinks besides the log.
type EventsConfig struct {
	MQTT   *events.MQTTConfig   `json:"mqtt" yaml:"mqtt" toml:"mqtt"`
	Influx *events.InfluxConfig `json:"influx" yaml:"influx" toml:"influx"`
}

// CORSConfig is opt-in; when disabled no CORS middleware is installed.
type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks fields whose values are constrained.
func (c Config) Validate() error {
	switch c.Cache.Store {
	case "", "fs", "sqlite":
	default:
		return fmt.Errorf("cache.store: unknown store %q", c.Cache.Store)
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if d.Location == "" {
			return fmt.Errorf("devices[%d] %s: location is required", i, d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate device %s", i, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}
