package config

import (
	"time"

	"github.com/wudi/wasmbridge/wasm"
)

// Config is the complete server configuration.
type Config struct {
	Listener ListenerConfig `yaml:"listener"`
	Logging  LoggingConfig  `yaml:"logging"`
	Admin    AdminConfig    `yaml:"admin"`
	Plugins  []PluginConfig `yaml:"plugins"`
	// Upstream is the backend the chain proxies to. Empty serves 404 behind
	// the plugins, which suits guests that answer requests themselves.
	Upstream string `yaml:"upstream"`
	// Watch enables hot reload of plugin module files.
	Watch bool `yaml:"watch"`
}

// ListenerConfig defines the HTTP listener.
type ListenerConfig struct {
	Address           string        `yaml:"address"` // e.g., ":8080"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AdminConfig defines the admin endpoint (health, stats, metrics).
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g., ":9090"
}

// PluginConfig defines one WebAssembly middleware in chain order.
type PluginConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	// Config is the opaque blob surfaced to the guest via get_config.
	// ConfigFile loads the blob from a file instead; Config wins when both
	// are set.
	Config     string `yaml:"config"`
	ConfigFile string `yaml:"config_file"`

	PoolSize       int           `yaml:"pool_size"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxMemoryPages uint32        `yaml:"max_memory_pages"`
	RuntimeMode    string        `yaml:"runtime_mode"` // "compiler" (default) or "interpreter"

	// Features pre-enables host features in addition to whatever the guest
	// negotiates during init: buffer-request, buffer-response, trailers.
	Features []string `yaml:"features"`
}

// DefaultConfig returns a configuration with defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8080",
			ReadHeaderTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Admin:   AdminConfig{Address: ":9090"},
	}
}

// featureNames maps config names to feature bits.
var featureNames = map[string]wasm.Features{
	"buffer-request":  wasm.FeatureBufferRequest,
	"buffer-response": wasm.FeatureBufferResponse,
	"trailers":        wasm.FeatureTrailers,
}

// ParseFeatures converts configured feature names to a bitmask.
func ParseFeatures(names []string) (wasm.Features, error) {
	var f wasm.Features
	for _, name := range names {
		bit, ok := featureNames[name]
		if !ok {
			return 0, &UnknownFeatureError{Name: name}
		}
		f = f.WithEnabled(bit)
	}
	return f, nil
}

// UnknownFeatureError is returned for a feature name outside the known set.
type UnknownFeatureError struct {
	Name string
}

func (e *UnknownFeatureError) Error() string {
	return "unknown feature: " + e.Name
}
