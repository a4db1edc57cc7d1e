package storage

import (
	"context"
	"fmt"

	"blockingest/internal/application"
	"blockingest/internal/config"
	"blockingest/internal/infrastructure/mysql"
	"blockingest/internal/infrastructure/postgres"
	"blockingest/internal/infrastructure/sqlite"
)

type Repository interface {
	application.RowStore
	application.WatermarkSource
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the configured engine without migrating it.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Repository, error) {
	var (
		repo Repository
		err  error
	)
	switch cfg.Driver {
	case config.DriverPostgres:
		repo, err = postgres.NewRepository(ctx, cfg.DSN)
	case config.DriverMySQL:
		repo, err = mysql.Open(ctx, cfg.DSN)
	case config.DriverSQLite:
		repo, err = sqlite.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	return repo, nil
}
