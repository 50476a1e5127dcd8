// Package config loads the server configuration from YAML, filling defaults
// for anything the file leaves out.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig selects the agent CLI the orchestrator drives.
type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Config is the full server configuration.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLSMode  string `yaml:"tls_mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// DataDir holds the device registry, conversations, and queues.
	DataDir string `yaml:"data_dir"`

	// FlushInterval is how often in-flight output is persisted, as a
	// duration string ("1s", "500ms").
	FlushInterval string `yaml:"flush_interval"`

	// AuthRateLimit is auth attempts allowed per second per source address.
	AuthRateLimit float64 `yaml:"auth_rate_limit"`
	AuthBurst     int     `yaml:"auth_burst"`

	Agent AgentConfig `yaml:"agent"`

	// Projects maps project ids to working directories.
	Projects       map[string]string `yaml:"projects"`
	DefaultWorkDir string            `yaml:"default_workdir"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Host:          "0.0.0.0",
		Port:          7600,
		TLSMode:       "self-signed",
		DataDir:       filepath.Join(home, ".afar"),
		FlushInterval: "1s",
		AuthRateLimit: 1,
		AuthBurst:     5,
		Agent:         AgentConfig{Command: "claude"},
		DefaultWorkDir: func() string {
			wd, err := os.Getwd()
			if err != nil {
				return home
			}
			return wd
		}(),
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".afar", "config.yaml")
}

// Load reads the config at path, or returns defaults when it does not exist.
// File values override defaults field by field.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if _, err := cfg.Interval(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Interval parses FlushInterval.
func (c Config) Interval() (time.Duration, error) {
	if c.FlushInterval == "" {
		return time.Second, nil
	}
	d, err := time.ParseDuration(c.FlushInterval)
	if err != nil {
		return 0, fmt.Errorf("config: invalid flush_interval %q: %w", c.FlushInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: flush_interval must be positive")
	}
	return d, nil
}
