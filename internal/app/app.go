// Package app wires the backend and the per-user components together for
// hosts and the CLI tooling.
package app

import (
	"fmt"
	"path/filepath"

	"github.com/joho/godotenv"

	"roomsync/pkg/backend"
	"roomsync/pkg/blob"
	"roomsync/pkg/config"
	"roomsync/pkg/logger"
	"roomsync/pkg/store"
)

// App holds the shared backend handles.
type App struct {
	cfg     *config.Config
	timings config.SessionTimings

	Local *store.Local
	Blobs backend.BlobStore
}

// New loads config, initializes logging and opens the local backend.
func New(cfgPath string) (*App, error) {
	_ = godotenv.Load(".env")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.InitWithLevel(cfg.Logging.Level)

	timings, err := cfg.Session.Timings()
	if err != nil {
		return nil, err
	}

	dbPath := cfg.Storage.DBPath
	if dbPath == "" {
		dbPath = "./.roomsync"
	}
	local, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", dbPath, err)
	}

	var blobs backend.BlobStore
	if cfg.Storage.Blob.UploadURL != "" {
		blobs = blob.NewHTTPUploader(cfg.Storage.Blob.UploadURL, cfg.Storage.Blob.PublicURL)
	} else {
		blobs = &blob.DirUploader{Dir: filepath.Join(dbPath, "blobs")}
	}

	return &App{cfg: cfg, timings: timings, Local: local, Blobs: blobs}, nil
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Close releases the backend.
func (a *App) Close() error {
	return a.Local.Close()
}
