package db

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Postgres targets PostgreSQL through lib/pq
type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "postgres" }

func (Postgres) Rebind(query string) string { return rebindNumbered(query, "$") }

func (Postgres) Quote(identifier string) string { return quoteParts(identifier, `"`, `"`) }

func (Postgres) Limit(selectQuery string, n int) string { return limitClause(selectQuery, n) }

func (Postgres) SupportsSavepoints() bool { return true }

func (Postgres) Savepoint(name string) string { return "SAVEPOINT " + name }

func (Postgres) RollbackToSavepoint(name string) string { return "ROLLBACK TO SAVEPOINT " + name }

func (Postgres) ReleaseSavepoint(name string) string { return "RELEASE SAVEPOINT " + name }

// IsUniqueViolation matches SQLSTATE 23505
func (Postgres) IsUniqueViolation(err error) bool {
	var e *pq.Error
	if errors.As(err, &e) {
		return e.Code == "23505"
	}
	return false
}

func (Postgres) CreateTable(name, body string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", name, body)
}

func (Postgres) Varchar(n int) string { return fmt.Sprintf("VARCHAR(%d)", n) }

func (Postgres) Text() string { return "TEXT" }
