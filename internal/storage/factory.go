package storage

import (
	"context"
	"fmt"

	"github.com/agentwire/agentwire/internal/common/config"
)

// New creates the MessageStore selected by the storage configuration.
func New(ctx context.Context, cfg config.StorageConfig) (MessageStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "agentwire.db"
		}
		return NewSQLiteStore(path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN())
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
