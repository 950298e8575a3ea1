// Package testdb provides throwaway in-memory stores for tests.
package testdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/kuitang/gatehouse/internal/db"
)

var seq atomic.Int64

// NewInMemory creates an isolated in-memory Store with the schema applied.
//
// The pool is capped at one connection: every connection to a named
// in-memory database shares it, and a single connection makes transactions
// serialize exactly like BEGIN IMMEDIATE does on disk.
func NewInMemory() (*db.Store, error) {
	name := fmt.Sprintf("gatehouse-test-%d", seq.Add(1))
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on&_txlock=immediate", name)

	sqlDB, err := sql.Open(db.SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping in-memory database: %w", err)
	}
	if err := applyFastSQLitePragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply fast SQLite pragmas: %w", err)
	}
	if err := db.Migrate(context.Background(), sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db.NewFromSQL(sqlDB), nil
}

// New is NewInMemory for tests; the store is closed on cleanup.
func New(tb testing.TB) *db.Store {
	tb.Helper()
	store, err := NewInMemory()
	if err != nil {
		tb.Fatalf("testdb: %v", err)
	}
	tb.Cleanup(func() { _ = store.Close() })
	return store
}

func applyFastSQLitePragmas(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=MEMORY",
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}
