package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv_entries (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

type sqliteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating when needed) a single-table store at path.
func OpenSQLite(path string) (Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("kv: sqlite path is required")
	}

	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: open sqlite db: %w", err)
	}
	// One writer keeps ordering per key identical to the call order.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv: ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv: create schema: %w", err)
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, b.wrap("get", err)
	}
	return value, true, nil
}

func (b *sqliteBackend) Set(ctx context.Context, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return b.wrap("set", err)
	}
	return nil
}

func (b *sqliteBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return b.wrap("delete", err)
	}
	return nil
}

func (b *sqliteBackend) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key FROM kv_entries ORDER BY key`)
	if err != nil {
		return nil, b.wrap("keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, b.wrap("scan key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, b.wrap("keys", err)
	}
	return keys, nil
}

func (b *sqliteBackend) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv_entries`); err != nil {
		return b.wrap("clear", err)
	}
	return nil
}

func (b *sqliteBackend) Close(context.Context) error {
	return b.db.Close()
}

func (b *sqliteBackend) wrap(op string, err error) error {
	if strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	return fmt.Errorf("kv: sqlite %s: %w", op, err)
}
