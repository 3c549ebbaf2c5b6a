// Package config loads runtime configuration from environment variables,
// per spec §6.1.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration, loaded from environment
// variables (optionally seeded by a local .env file).
type Config struct {
	DatabaseURL               string `env:"DATABASE_URL" envDefault:"sqlite:./fcmworker.db?mode=rwc"`
	Port                      int    `env:"PORT" envDefault:"3000"`
	APIKey                    string `env:"API_KEY"`
	DedupSeconds              int    `env:"DEDUP_SECONDS" envDefault:"5"`
	MaxMessagesPerCredential  int    `env:"MAX_MESSAGES_PER_CREDENTIAL" envDefault:"50"`
}

// Load reads configuration from the environment. If a .env file is present
// in the working directory it is loaded first (without overriding
// variables already set in the environment), matching the teacher CLI's
// "flag, then env override" precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}

	if cfg.APIKey == "" {
		generated, err := randomAPIKey()
		if err != nil {
			return nil, fmt.Errorf("generating API key: %w", err)
		}
		cfg.APIKey = generated
	}

	return cfg, nil
}

func randomAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
