package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the shell's settings. Flags override config file values.
type Config struct {
	// Address is the peripheral to operate on. On Linux this is a MAC
	// address; on macOS it is the CoreBluetooth UUID.
	Address        string        `yaml:"address"`
	Service        string        `yaml:"service"`
	Characteristic string        `yaml:"characteristic"`
	Timeout        time.Duration `yaml:"timeout"`
	LogLevel       string        `yaml:"log_level"`
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bluesh", "config.yaml")
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:  10 * time.Second,
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML config file, filling missing fields with
// defaults. A missing file at the default path is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultConfigPath() {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return cfg, nil
}
