package main

import (
	"context"
	"fmt"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/db"
	"github.com/relaydev/relay/internal/installation"
	"github.com/relaydev/relay/internal/task/store"
)

// provideStorage opens the relational store per config and ensures the
// schema exists.
func provideStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (*db.Pool, store.Store, *installation.Store, error) {
	var pool *db.Pool
	var err error
	switch cfg.Database.Driver {
	case "pgx":
		pool, err = db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	case "sqlite3", "":
		pool, err = db.OpenSQLite(cfg.Database.Path)
	default:
		return nil, nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}

	if err := store.InitSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("initialize schema: %w", err)
	}

	return pool, store.NewSQLStore(pool), installation.NewStore(pool), nil
}
