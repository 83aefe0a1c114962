package db

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite targets embedded databases through the pure Go modernc driver
type SQLite struct{}

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite" }

func (SQLite) Rebind(query string) string { return query }

func (SQLite) Quote(identifier string) string { return quoteParts(identifier, `"`, `"`) }

func (SQLite) Limit(selectQuery string, n int) string { return limitClause(selectQuery, n) }

func (SQLite) SupportsSavepoints() bool { return true }

func (SQLite) Savepoint(name string) string { return "SAVEPOINT " + name }

func (SQLite) RollbackToSavepoint(name string) string { return "ROLLBACK TO SAVEPOINT " + name }

func (SQLite) ReleaseSavepoint(name string) string { return "RELEASE SAVEPOINT " + name }

// IsUniqueViolation matches SQLITE_CONSTRAINT_PRIMARYKEY and
// SQLITE_CONSTRAINT_UNIQUE, falling back to the primary result code when
// extended codes are not reported
func (SQLite) IsUniqueViolation(err error) bool {
	var e *sqlite.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return e.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(e.Error(), "UNIQUE")
}

func (SQLite) CreateTable(name, body string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", name, body)
}

func (SQLite) Varchar(n int) string { return fmt.Sprintf("VARCHAR(%d)", n) }

func (SQLite) Text() string { return "TEXT" }
