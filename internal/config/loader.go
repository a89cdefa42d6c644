package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("listener address is required")
	}

	names := make(map[string]bool)
	for i, p := range cfg.Plugins {
		if p.Name == "" {
			return fmt.Errorf("plugin %d: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate plugin name: %s", p.Name)
		}
		names[p.Name] = true
		if p.Path == "" {
			return fmt.Errorf("plugin %s: path is required", p.Name)
		}
		if p.RuntimeMode != "" && p.RuntimeMode != "compiler" && p.RuntimeMode != "interpreter" {
			return fmt.Errorf("plugin %s: invalid runtime_mode: %s", p.Name, p.RuntimeMode)
		}
		if _, err := ParseFeatures(p.Features); err != nil {
			return fmt.Errorf("plugin %s: %w", p.Name, err)
		}
	}
	return nil
}

// GuestConfig resolves the opaque config blob for a plugin.
func (p *PluginConfig) GuestConfig() ([]byte, error) {
	if p.Config != "" {
		return []byte(p.Config), nil
	}
	if p.ConfigFile != "" {
		b, err := os.ReadFile(p.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: config file: %w", p.Name, err)
		}
		return b, nil
	}
	return nil, nil
}
