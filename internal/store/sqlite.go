package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key      TEXT PRIMARY KEY,
	value    BLOB NOT NULL,
	revision INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_sequence (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO kv_sequence (id, value) VALUES (1, 0);
`

// SQLiteBucket is a Bucket persisted in a single SQLite file. Conditional
// writes compare the stored revision inside the UPDATE statement.
type SQLiteBucket struct {
	db *sql.DB
}

// OpenSQLiteBucket opens (creating if needed) the database at path.
func OpenSQLiteBucket(ctx context.Context, path string) (*SQLiteBucket, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteBucket{db: db}, nil
}

// Close closes the database.
func (b *SQLiteBucket) Close() error {
	return b.db.Close()
}

// Ready pings the database.
func (b *SQLiteBucket) Ready(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Get implements Bucket.
func (b *SQLiteBucket) Get(ctx context.Context, key string) (*Entry, error) {
	e := Entry{Key: key}
	err := b.db.QueryRowContext(ctx, `SELECT value, revision FROM kv WHERE key = ?`, key).Scan(&e.Value, &e.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return &e, nil
}

// Create implements Bucket.
func (b *SQLiteBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return b.write(ctx, func(tx *sql.Tx, revision uint64) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, revision) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
			key, value, revision)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrKeyExists
		}
		return nil
	})
}

// Update implements Bucket.
func (b *SQLiteBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return b.write(ctx, func(tx *sql.Tx, next uint64) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE kv SET value = ?, revision = ? WHERE key = ? AND revision = ?`,
			value, next, key, revision)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM kv WHERE key = ?`, key).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		return ErrRevisionMismatch
	})
}

// Delete implements Bucket.
func (b *SQLiteBucket) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Keys implements Bucket.
func (b *SQLiteBucket) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// write runs fn in a transaction with the next revision number.
func (b *SQLiteBucket) write(ctx context.Context, fn func(tx *sql.Tx, revision uint64) error) (uint64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE kv_sequence SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	var revision uint64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM kv_sequence WHERE id = 1`).Scan(&revision); err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}

	if err := fn(tx, revision); err != nil {
		if errors.Is(err, ErrKeyExists) || errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrRevisionMismatch) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return revision, nil
}
