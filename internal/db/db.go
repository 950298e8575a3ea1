// Package db owns the SQLCipher-backed relational store.
package db

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MaxOpenConns bounds the pool. SQLite is single-writer, so high
	// connection counts only add lock contention.
	MaxOpenConns = 10

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns = 2

	// KeySize is the SQLCipher raw key length in bytes.
	KeySize = 32
)

// Querier is satisfied by *sql.DB and *sql.Tx so helpers run in or out of a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the database handle shared by every service.
type Store struct {
	db *sql.DB
}

// NewFromSQL wraps an existing sql.DB that already has Schema applied.
func NewFromSQL(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

// DB returns the underlying sql.DB for direct access when needed.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Open opens (creating if needed) the encrypted database at path with the raw
// SQLCipher key, then applies Schema.
func Open(path string, key []byte) (*Store, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("database key must be exactly %d bytes, got %d", KeySize, len(key))
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// Format: file.db?_pragma_key=x'HEX_KEY'&_pragma_cipher_page_size=4096
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", path, hex.EncodeToString(key))
	dsn = appendSQLiteParams(dsn, sqliteCommonParams())

	sqlDB, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(MaxOpenConns)
	sqlDB.SetMaxIdleConns(MaxIdleConns)

	// A wrong key surfaces here as "file is not a database".
	var sqliteVersion string
	if err := sqlDB.QueryRow("SELECT sqlite_version()").Scan(&sqliteVersion); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}

	if err := Migrate(context.Background(), sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return NewFromSQL(sqlDB), nil
}

// Migrate applies Schema, runs the upgrades a database written by an older
// version still needs and records SchemaVersion. It is idempotent.
func Migrate(ctx context.Context, sqlDB *sql.DB) error {
	var version int
	if err := sqlDB.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if version > 0 {
		for v := version + 1; v <= SchemaVersion; v++ {
			stmt, ok := upgrades[v]
			if !ok {
				continue
			}
			if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to upgrade schema to version %d: %w", v, err)
			}
		}
	}
	if _, err := sqlDB.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling back otherwise.
// Transactions start with BEGIN IMMEDIATE (see sqliteCommonParams), so two
// writers racing on the same rows serialize instead of failing at commit.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func sqliteCommonParams() string {
	// WAL + NORMAL gives good throughput while preserving durability.
	// _txlock=immediate takes the write lock at BEGIN.
	return "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
}

func appendSQLiteParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}
