package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "ad-v1-2026-09-02-kv-sets-lists"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// SQLiteBackend persists keys, sets, and lists in a single SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentdeck", "agentdeck.db")
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := b.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) DB() *sql.DB {
	return b.db
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *SQLiteBackend) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := b.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (b *SQLiteBackend) initSchema(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch: have %q want %q", existing, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS set_members (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(key, member)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_set_members_key ON set_members(key, seq);`,
		`CREATE TABLE IF NOT EXISTS list_items (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_list_items_key ON list_items(key, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with capped
// exponential backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (b *SQLiteBackend) exec(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := b.db.ExecContext(ctx, query, args...)
		return err
	})
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, key, value string) error {
	err := b.exec(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
	`, key, value)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// Delete removes key from every keyspace (kv, set, list).
func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range []string{
		`DELETE FROM kv_store WHERE key = ?`,
		`DELETE FROM set_members WHERE key = ?`,
		`DELETE FROM list_items WHERE key = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, key); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) AddToSet(ctx context.Context, key, member string) error {
	err := b.exec(ctx, `
		INSERT INTO set_members (key, member, created_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key, member) DO NOTHING;
	`, key, member)
	if err != nil {
		return fmt.Errorf("set add: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) RemoveFromSet(ctx context.Context, key, member string) error {
	if err := b.exec(ctx, `DELETE FROM set_members WHERE key = ? AND member = ?`, key, member); err != nil {
		return fmt.Errorf("set remove: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Members(ctx context.Context, key string) ([]string, error) {
	return b.queryStrings(ctx, `SELECT member FROM set_members WHERE key = ? ORDER BY seq ASC`, key)
}

func (b *SQLiteBackend) Push(ctx context.Context, key, value string) error {
	err := b.exec(ctx, `
		INSERT INTO list_items (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP);
	`, key, value)
	if err != nil {
		return fmt.Errorf("list push: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Range(ctx context.Context, key string, last int) ([]string, error) {
	if last <= 0 {
		return b.queryStrings(ctx, `SELECT value FROM list_items WHERE key = ? ORDER BY seq ASC`, key)
	}
	return b.queryStrings(ctx, `
		SELECT value FROM (
			SELECT seq, value FROM list_items WHERE key = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, key, last)
}

func (b *SQLiteBackend) Trim(ctx context.Context, key string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	err := b.exec(ctx, `
		DELETE FROM list_items
		WHERE key = ? AND seq NOT IN (
			SELECT seq FROM list_items WHERE key = ? ORDER BY seq DESC LIMIT ?
		);
	`, key, key, keep)
	if err != nil {
		return fmt.Errorf("list trim: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Take(ctx context.Context, key string) ([]string, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin take tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT seq, value FROM list_items WHERE key = ? ORDER BY seq ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("list take: %w", err)
	}
	var out []string
	var maxSeq int64
	for rows.Next() {
		var seq int64
		var v string
		if err := rows.Scan(&seq, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan list item: %w", err)
		}
		out = append(out, v)
		maxSeq = seq
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list rows: %w", err)
	}
	rows.Close()
	if len(out) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM list_items WHERE key = ? AND seq <= ?`, key, maxSeq); err != nil {
		return nil, fmt.Errorf("list clear: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit take: %w", err)
	}
	return out, nil
}

func (b *SQLiteBackend) Len(ctx context.Context, key string) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM list_items WHERE key = ?`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("list len: %w", err)
	}
	return n, nil
}

func (b *SQLiteBackend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := b.queryStrings(ctx, `
		SELECT key FROM kv_store WHERE substr(key, 1, length(?1)) = ?1
		UNION
		SELECT DISTINCT key FROM set_members WHERE substr(key, 1, length(?1)) = ?1
		UNION
		SELECT DISTINCT key FROM list_items WHERE substr(key, 1, length(?1)) = ?1
	`, prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *SQLiteBackend) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
