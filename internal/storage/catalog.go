// Package storage owns every SQLite file vaultd touches: the shared
// catalog database and the pool of per-tenant entry databases.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/vaultd/internal/logging"
)

// catalogFile is the shared database holding tenants, rate windows,
// processed events, and the usage log.
const catalogFile = "catalog.db"

// Catalog is the handle to the shared catalog database. Unlike tenant
// handles it is opened once at startup and lives for the process.
type Catalog struct {
	db     *sql.DB
	logger *logging.Logger
}

// OpenCatalog opens (creating if needed) the catalog database under
// dataDir and applies pending migrations.
func OpenCatalog(ctx context.Context, dataDir string, busyTimeout time.Duration, logger *logging.Logger) (*Catalog, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("catalog")

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating data dir: %v", ErrStorage, err)
	}

	path := filepath.Join(dataDir, catalogFile)
	db, err := openSQLite(path, busyTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err := applyMigrations(ctx, db, catalogMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrating catalog: %v", ErrStorage, err)
	}

	logger.Debug(ctx, "catalog opened")
	return &Catalog{db: db, logger: logger}, nil
}

// DB exposes the underlying database for the catalog-backed repositories
// (tenant store, usage ledger).
func (c *Catalog) DB() *sql.DB {
	return c.db
}

// Ping verifies the catalog is reachable. Used by the readiness probe.
func (c *Catalog) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: catalog ping: %v", ErrStorage, err)
	}
	return nil
}

// Close checkpoints the WAL and closes the catalog.
func (c *Catalog) Close(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		c.logger.Warn(ctx, "catalog checkpoint failed")
	}
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("%w: closing catalog: %v", ErrStorage, err)
	}
	return nil
}
