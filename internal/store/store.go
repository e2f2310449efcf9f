// Package store persists conversations as an append-only transcript of
// messages and tool calls in SQLite, and reads them back in write order.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"shellmind/internal/logging"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverCGO is github.com/mattn/go-sqlite3.
	DriverCGO = "sqlite3"
	// DriverPureGo is modernc.org/sqlite.
	DriverPureGo = "sqlite"
)

// Options configures Open.
type Options struct {
	// Driver is DriverCGO (default) or DriverPureGo.
	Driver string

	// Path is the database file, or ":memory:".
	Path string

	// Clock stamps messages and conversations. Defaults to time.Now.
	Clock func() time.Time
}

// Store is the conversation store. Within one run there is a single writer.
type Store struct {
	db     *sql.DB
	path   string
	driver string
	now    func() time.Time

	lastMigration MigrationResult
}

// Open opens (creating if needed) the database and migrates it to
// CurrentSchemaVersion. A store that cannot be migrated is not returned.
func Open(ctx context.Context, opts Options) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	if opts.Driver == "" {
		opts.Driver = DriverCGO
	}
	if opts.Driver != DriverCGO && opts.Driver != DriverPureGo {
		return nil, fmt.Errorf("unsupported sqlite driver %q", opts.Driver)
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	logging.Store("Opening conversation store at %s (driver=%s)", opts.Path, opts.Driver)

	if opts.Path != ":memory:" {
		dir := filepath.Dir(opts.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(opts.Driver, opts.Path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", opts.Path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if opts.Path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
		}
	}

	res, err := migrate(ctx, db, CurrentSchemaVersion)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Schema migration failed: %v", err)
		db.Close()
		return nil, err
	}

	s := &Store{
		db:            db,
		path:          opts.Path,
		driver:        opts.Driver,
		now:           opts.Clock,
		lastMigration: res,
	}
	logging.Store("Conversation store ready (schema v%d, %d migration statements)", res.ToVersion, res.Statements)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// LastMigration reports what Open had to do to bring the schema up to date.
func (s *Store) LastMigration() MigrationResult {
	return s.lastMigration
}

// SchemaVersion reads the recorded schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}
