// Package config owns the ~/.pchat directory layout and the global
// config.toml.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Backend selects the document store implementation.
const (
	BackendLite = "lite"
	BackendNATS = "nats"
)

// Config represents the global ~/.pchat/config.toml.
type Config struct {
	// Backend is "lite" (embedded sqlite) or "nats" (JetStream server).
	Backend string `toml:"backend"`
	// NATSURL is the server URL used when Backend is "nats".
	NATSURL string `toml:"nats_url"`
	// SuggestURL is the smart-reply endpoint. Empty disables suggestions.
	SuggestURL string `toml:"suggest_url"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{Backend: BackendLite}
}

// Load reads config from the given path. Returns zero config and error if
// file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendLite
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
