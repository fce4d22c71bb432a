package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// MySQLFactory hands out stores persisted in a MySQL/MariaDB database, for
// deployments where several processes need to inspect the same message
// history. The schema mirrors the SQLite one; the connection pool is opened
// when the first store starts and closed when the last one stops.
//
// DSN format (github.com/go-sql-driver/mysql):
//
//	user:password@tcp(localhost:3306)/millrace
//
// Never hardcode credentials; read the DSN from the environment.
type MySQLFactory struct {
	dsn string
	reg registry

	mu   sync.Mutex
	db   *sql.DB
	refs int
}

var _ Factory = (*MySQLFactory)(nil)
var _ sqlOwner = (*MySQLFactory)(nil)

// NewMySQLFactory creates a factory over the given DSN.
func NewMySQLFactory(dsn string) *MySQLFactory {
	return &MySQLFactory{dsn: dsn}
}

// Get returns the MySQL store for the given ID, creating it on first use.
func (f *MySQLFactory) Get(storeID string) (*Store, error) {
	return f.reg.get(storeID, func() (*Store, error) {
		return New(&sqlBackend{owner: f, storeID: storeID}), nil
	})
}

// List returns the IDs of stores created so far.
func (f *MySQLFactory) List() []string { return f.reg.list() }

// Drop forgets the store instance for the given ID; rows stay in the
// database.
func (f *MySQLFactory) Drop(storeID string) error { return f.reg.drop(storeID) }

// acquire opens the shared pool on first use and bumps the refcount.
func (f *MySQLFactory) acquire(ctx context.Context) (*sql.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refs == 0 {
		// SaveMeta's existence check needs RowsAffected to count matched
		// rows; without this flag MySQL counts changed rows and reports 0
		// for updates that rewrite identical values.
		dsn := f.dsn
		if strings.Contains(dsn, "?") {
			dsn += "&clientFoundRows=true"
		} else {
			dsn += "?clientFoundRows=true"
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(10 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping MySQL: %w", err)
		}
		if err := createMySQLTables(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		f.db = db
	}
	f.refs++
	return f.db, nil
}

// release drops one reference and closes the pool when none remain.
func (f *MySQLFactory) release() error {
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
		return fmt.Errorf("failed to close MySQL connection: %w", err)
	}
	return nil
}

func createMySQLTables(ctx context.Context, db *sql.DB) error {
	table := `
		CREATE TABLE IF NOT EXISTS stored_entries (
			store_id VARCHAR(191) NOT NULL,
			id VARCHAR(191) NOT NULL,
			timestamp BIGINT NOT NULL,
			meta LONGTEXT NOT NULL,
			message LONGTEXT NOT NULL,
			PRIMARY KEY (store_id, id),
			INDEX idx_stored_entries_span (store_id, timestamp)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create stored_entries table: %w", err)
	}
	return nil
}
