package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/ledgerkeep/ledgerkeep/internal/dbx"
	"github.com/ledgerkeep/ledgerkeep/internal/store/migrations"
)

// DefaultMaxBytes mirrors the ceiling of the browser storage layer the data
// originally lived in.
const DefaultMaxBytes int64 = 5 << 20

// SQLiteStore implements KV on top of a single sqlite table.
type SQLiteStore struct {
	db       *sql.DB
	maxBytes int64
}

// NewSQLiteStore binds a store to an already-migrated database handle.
// maxBytes <= 0 selects DefaultMaxBytes.
func NewSQLiteStore(db *sql.DB, maxBytes int64) *SQLiteStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &SQLiteStore{db: db, maxBytes: maxBytes}
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

// Open opens (creating if necessary) the sqlite database at dsn, applies
// migrations and returns a ready store.
func Open(ctx context.Context, dsn string, maxBytes int64) (*SQLiteStore, *sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return NewSQLiteStore(db, maxBytes), db, nil
}

func (s *SQLiteStore) Read(ctx context.Context, key string) ([]byte, error) {
	query := `select value from kv where key = ?`
	var value []byte
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return value, nil
}

// Write runs the ceiling check and the upsert in one transaction so a
// concurrent writer cannot slip past the capacity ceiling between them.
func (s *SQLiteStore) Write(ctx context.Context, key string, value []byte) error {
	return dbx.WithTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		// Ceiling check counts all other keys plus the incoming value.
		var used int64
		query := `select coalesce(sum(length(value)), 0) from kv where key <> ?`
		if err := tx.QueryRowContext(ctx, query, key).Scan(&used); err != nil {
			return fmt.Errorf("failed to compute store usage: %w", err)
		}
		if used+int64(len(value)) > s.maxBytes {
			return fmt.Errorf("writing %d bytes to %q: %w", len(value), key, ErrCapacityExceeded)
		}

		upsert := `insert into kv (key, value, updated_at) values (?, ?, unixepoch())
				on conflict(key) do update set value = excluded.value, updated_at = excluded.updated_at`
		if _, err := tx.ExecContext(ctx, upsert, key, value); err != nil {
			return fmt.Errorf("failed to write key %q: %w", key, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `delete from kv where key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove key %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	query := `select key from kv where key like ? || '%' order by key`
	rows, err := s.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
