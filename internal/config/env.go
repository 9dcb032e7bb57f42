package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that take precedence over the config file. Secrets
// belong here rather than in a file that gets checked in.
const (
	EnvTelegramToken = "POSTPILOT_TELEGRAM_TOKEN"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvOpsToken      = "POSTPILOT_OPS_TOKEN"
)

// LoadEnvFiles loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
// It returns the files that were loaded.
func LoadEnvFiles(files ...string) ([]string, error) {
	loaded := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return loaded, err
		}
		loaded = append(loaded, f)
	}
	return loaded, nil
}

// applyEnv overlays secrets from the environment onto cfg.
func applyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		if cfg.Telegram == nil {
			cfg.Telegram = &TelegramConfig{}
		}
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseURL)); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOpsToken)); v != "" {
		cfg.Ops.Token = v
	}
}
