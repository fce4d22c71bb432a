package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/millrace/millrace/flow/message"
)

// sqlOwner manages the database handle shared by the SQL-backed stores of one
// factory: acquire opens it for the first starting store, release closes it
// after the last one stops.
type sqlOwner interface {
	acquire(ctx context.Context) (*sql.DB, error)
	release() error
}

// sqlBackend implements Backend over a relational stored_entries table keyed
// by (store_id, id), with messages and meta as JSON text and timestamps as
// Unix microseconds. SQLite and MySQL share this implementation; their
// factories differ only in driver, schema dialect and pool configuration.
type sqlBackend struct {
	owner   sqlOwner
	storeID string

	mu sync.Mutex
	db *sql.DB
}

var _ Backend = (*sqlBackend)(nil)

func (b *sqlBackend) Start(ctx context.Context) error {
	db, err := b.owner.acquire(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.db = db
	b.mu.Unlock()
	return nil
}

func (b *sqlBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	started := b.db != nil
	b.db = nil
	b.mu.Unlock()
	if !started {
		return nil
	}
	return b.owner.release()
}

func (b *sqlBackend) conn() (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil, fmt.Errorf("store: database store %q not started", b.storeID)
	}
	return b.db, nil
}

func (b *sqlBackend) Insert(ctx context.Context, msg *message.Message, meta map[string]any) (string, error) {
	db, err := b.conn()
	if err != nil {
		return "", err
	}
	msgJSON, err := msg.ToJSON()
	if err != nil {
		return "", err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to serialize meta: %w", err)
	}

	query := `
		INSERT INTO stored_entries (store_id, id, timestamp, meta, message)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query, b.storeID, msg.ID, msg.Timestamp.UnixMicro(), string(metaJSON), string(msgJSON))
	if err != nil {
		// Constraint error codes differ per driver; probing for the row
		// keeps duplicate detection driver-agnostic.
		if exists, checkErr := b.exists(ctx, db, msg.ID); checkErr == nil && exists {
			return "", fmt.Errorf("%w: message %s", ErrDuplicate, msg.ID)
		}
		return "", fmt.Errorf("failed to insert entry: %w", err)
	}
	return msg.ID, nil
}

func (b *sqlBackend) exists(ctx context.Context, db *sql.DB, id string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx,
		"SELECT 1 FROM stored_entries WHERE store_id = ? AND id = ?", b.storeID, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *sqlBackend) Remove(ctx context.Context, id string) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		"DELETE FROM stored_entries WHERE store_id = ? AND id = ?", b.storeID, id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (b *sqlBackend) Count(ctx context.Context) (int, error) {
	db, err := b.conn()
	if err != nil {
		return 0, err
	}
	var count int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM stored_entries WHERE store_id = ?", b.storeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

func (b *sqlBackend) LoadMessage(ctx context.Context, id string) (*message.Message, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	var msgJSON string
	err = db.QueryRowContext(ctx,
		"SELECT message FROM stored_entries WHERE store_id = ? AND id = ?", b.storeID, id).Scan(&msgJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	return message.FromJSON([]byte(msgJSON))
}

func (b *sqlBackend) LoadMeta(ctx context.Context, id string) (map[string]any, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	var metaJSON string
	err = db.QueryRowContext(ctx,
		"SELECT meta FROM stored_entries WHERE store_id = ? AND id = ?", b.storeID, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load meta: %w", err)
	}
	meta := map[string]any{}
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse meta of %s: %w", id, err)
	}
	return meta, nil
}

func (b *sqlBackend) SaveMeta(ctx context.Context, id string, meta map[string]any) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize meta: %w", err)
	}
	res, err := db.ExecContext(ctx,
		"UPDATE stored_entries SET meta = ? WHERE store_id = ? AND id = ?",
		string(metaJSON), b.storeID, id)
	if err != nil {
		return fmt.Errorf("failed to update meta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (b *sqlBackend) SpanIDs(ctx context.Context, start, end time.Time) ([]string, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	query := "SELECT id FROM stored_entries WHERE store_id = ?"
	args := []any{b.storeID}
	if !start.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, start.UnixMicro())
	}
	if !end.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, end.UnixMicro())
	}
	query += " ORDER BY timestamp, id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan span: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan span: %w", err)
	}
	return ids, nil
}
