package storage

import (
	"context"
	"fmt"

	"github.com/samirrijal/bilbotrack/internal/adapters/memory"
	"github.com/samirrijal/bilbotrack/internal/adapters/postgres"
	"github.com/samirrijal/bilbotrack/internal/adapters/valkey"
	"github.com/samirrijal/bilbotrack/internal/core/ports"
	"github.com/samirrijal/bilbotrack/internal/pkg/config"
)

// Store is a KV store that can report its health.
type Store interface {
	ports.KeyValueStore
	Ping(ctx context.Context) error
}

// Backend is an opened storage backend.
type Backend struct {
	Name  string
	Store Store
	// DB is set for the postgres backend so callers can export pool stats.
	DB *postgres.DB

	close func()
}

// Close releases the backend's connections.
func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// Open connects to the backend selected by cfg.Storage.Backend.
func Open(ctx context.Context, cfg *config.Config) (*Backend, error) {
	switch cfg.Storage.Backend {
	case config.StorageValkey, "":
		store, err := valkey.New(cfg.Valkey.Addr, "")
		if err != nil {
			return nil, fmt.Errorf("valkey: %w", err)
		}
		return &Backend{Name: config.StorageValkey, Store: store, close: store.Close}, nil

	case config.StoragePostgres:
		db, err := postgres.New(ctx, cfg.Database.DSN(), cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return &Backend{Name: config.StoragePostgres, Store: postgres.NewKVStore(db), DB: db, close: db.Close}, nil

	case config.StorageMemory:
		return &Backend{Name: config.StorageMemory, Store: memory.NewStore()}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
