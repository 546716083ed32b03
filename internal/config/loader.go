package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables.
// A missing config file is not an error: the built-in defaults describe a
// complete pipeline and the file only overrides them.
func Load(configPath string) (*Config, *Secrets, error) {
	var cfg Config

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults only
	default:
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, LoadSecrets(), nil
}

// LoadEnvFile loads environment variables from a dotenv file. The file is
// optional; a missing path is reported so callers can log it, but conveys
// no failure beyond that.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return err
	}
	return godotenv.Load(path)
}
