package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML config at path. A missing file is not an error; the
// zero Config with env overrides applied is returned instead.
func Load(path string) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnv(&cfg)
	return &cfg, nil
}

// applyEnv lets the environment override file values. Env wins, matching
// the precedence flags > env > file used by the CLI.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ROOMSYNC_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("ROOMSYNC_BLOB_UPLOAD_URL"); v != "" {
		cfg.Storage.Blob.UploadURL = v
	}
	if v := os.Getenv("ROOMSYNC_BLOB_PUBLIC_URL"); v != "" {
		cfg.Storage.Blob.PublicURL = v
	}
	if v := os.Getenv("ROOMSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ROOMSYNC_NOTIFY_SWEEP_CRON"); v != "" {
		cfg.Notify.SweepCron = v
	}
}
