// Package sqlite registers the "sqlite" catalog driver backed by
// modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/git-pkgs/depot/internal/catalog/sqlstore"
	"github.com/git-pkgs/depot/internal/core"
)

const driver = "sqlite"

func init() {
	core.RegisterCatalog(driver, func(ctx context.Context, dsn string) (core.Catalog, error) {
		return Open(ctx, dsn)
	})
}

// Open opens (creating if needed) the database at path and migrates it.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*sqlstore.Catalog, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite catalog: path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite catalog: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer at a time; also keeps :memory: on a single connection
	db.SetMaxOpenConns(1)

	c, err := sqlstore.New(ctx, db, sqlstore.SQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
