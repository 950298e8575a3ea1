package db

import (
	"database/sql"
	"errors"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
)

const (
	// SQLiteDriverName is the project-specific SQLCipher driver name.
	SQLiteDriverName = "sqlite3_gatehouse"
)

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{})
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY conflict.
// Callers turn these into Conflict errors instead of check-then-act races.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
