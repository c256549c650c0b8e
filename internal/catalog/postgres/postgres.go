// Package postgres registers the "postgres" catalog driver on a pgx pool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/git-pkgs/depot/internal/catalog/sqlstore"
	"github.com/git-pkgs/depot/internal/core"
)

const driver = "postgres"

func init() {
	core.RegisterCatalog(driver, func(ctx context.Context, dsn string) (core.Catalog, error) {
		return Open(ctx, dsn)
	})
}

// Catalog is a sqlstore.Catalog that also owns its connection pool.
type Catalog struct {
	*sqlstore.Catalog
	pool *pgxpool.Pool
}

// Open connects to dsn, pings, and migrates the schema.
func Open(ctx context.Context, dsn string) (*Catalog, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	c, err := sqlstore.New(ctx, stdlib.OpenDBFromPool(pool), sqlstore.Postgres)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Catalog{Catalog: c, pool: pool}, nil
}

// Close releases the sql handle and the pool.
func (c *Catalog) Close() error {
	err := c.Catalog.Close()
	c.pool.Close()
	return err
}

// Health pings the database.
func (c *Catalog) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.pool.Ping(ctx)
}
