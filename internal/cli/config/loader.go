package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Keys lists the settable profile keys.
var Keys = []string{"server", "output", "timeout"}

// DefaultConfigPath returns the default CLI config file path.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".topomesh", "cli.yaml")
}

// Load reads the profile at path over the defaults. A missing file yields
// the defaults.
func Load(path string) (*CLIConfig, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the profile to path, readable only by the owner.
func Save(cfg *CLIConfig, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Set assigns one profile key from its string form.
func Set(cfg *CLIConfig, key, value string) error {
	switch key {
	case "server":
		if value == "" {
			return errors.New("server must not be empty")
		}
		cfg.Server = value
	case "output":
		switch value {
		case "table", "json", "yaml":
			cfg.Output = value
		default:
			return fmt.Errorf("output must be table, json or yaml, got %q", value)
		}
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		cfg.Timeout = d
	default:
		return fmt.Errorf("unknown key %q (want one of %v)", key, Keys)
	}
	return nil
}
