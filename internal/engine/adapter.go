package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ehrlich-b/stepline/internal/config"
	"github.com/ehrlich-b/stepline/internal/history"
	"github.com/ehrlich-b/stepline/internal/kv"
	"github.com/ehrlich-b/stepline/internal/state"
	"github.com/ehrlich-b/stepline/internal/store"
)

// OpenAdapter builds the persistence_adapter named in cfg.
func OpenAdapter(cfg *config.Config, logger *slog.Logger) (state.Adapter, error) {
	switch cfg.PersistenceAdapter {
	case "", "memory":
		return state.NewMemoryAdapter(), nil
	case "file":
		return history.NewStore(HistoryDir(cfg), cfg.FileExt), nil
	case "database":
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		return store.Open(cfg.DatabasePath)
	case "custom":
		return kv.Open(kv.Config{
			Path:       cfg.BadgerPath,
			SyncWrites: true,
			Logger:     logger,
			GCInterval: 5 * time.Minute,
		})
	}
	return nil, fmt.Errorf("unknown persistence adapter %q", cfg.PersistenceAdapter)
}

// HistoryDir is where the file adapter keeps its documents.
func HistoryDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "history")
}
