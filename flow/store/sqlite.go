package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteFactory hands out stores persisted in one single-file SQLite
// database. The database is opened when the first store starts and closed
// when the last one stops, so factories can be built eagerly at assembly time
// without touching the disk. Use ":memory:" as the path for an in-process
// throwaway database.
type SQLiteFactory struct {
	path string
	reg  registry

	mu   sync.Mutex
	db   *sql.DB
	refs int
}

var _ Factory = (*SQLiteFactory)(nil)
var _ sqlOwner = (*SQLiteFactory)(nil)

// NewSQLiteFactory creates a factory over the given database file.
func NewSQLiteFactory(path string) *SQLiteFactory {
	return &SQLiteFactory{path: path}
}

// Get returns the SQLite store for the given ID, creating it on first use.
func (f *SQLiteFactory) Get(storeID string) (*Store, error) {
	return f.reg.get(storeID, func() (*Store, error) {
		return New(&sqlBackend{owner: f, storeID: storeID}), nil
	})
}

// List returns the IDs of stores created so far.
func (f *SQLiteFactory) List() []string { return f.reg.list() }

// Drop forgets the store instance for the given ID; rows stay in the
// database.
func (f *SQLiteFactory) Drop(storeID string) error { return f.reg.drop(storeID) }

// acquire opens the shared database on first use and bumps the refcount.
func (f *SQLiteFactory) acquire(ctx context.Context) (*sql.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refs == 0 {
		db, err := sql.Open("sqlite", f.path)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite database: %w", err)
		}
		// modernc.org/sqlite serializes access; a single connection avoids
		// SQLITE_BUSY under concurrent stores.
		db.SetMaxOpenConns(1)

		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		}
		for _, pragma := range pragmas {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to set pragma: %w", err)
			}
		}
		if err := createSQLiteTables(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		f.db = db
	}
	f.refs++
	return f.db, nil
}

// release drops one reference and closes the database when none remain.
func (f *SQLiteFactory) release() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refs--
	if f.refs > 0 {
		return nil
	}
	db := f.db
	f.db = nil
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close SQLite database: %w", err)
	}
	return nil
}

func createSQLiteTables(ctx context.Context, db *sql.DB) error {
	table := `
		CREATE TABLE IF NOT EXISTS stored_entries (
			store_id TEXT NOT NULL,
			id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			meta TEXT NOT NULL,
			message TEXT NOT NULL,
			PRIMARY KEY (store_id, id)
		)
	`
	if _, err := db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create stored_entries table: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_stored_entries_span ON stored_entries(store_id, timestamp)"); err != nil {
		return fmt.Errorf("failed to create idx_stored_entries_span: %w", err)
	}
	return nil
}
