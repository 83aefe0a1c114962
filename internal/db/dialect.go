package db

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect hides the SQL differences between the supported databases
type Dialect interface {
	// Name is the configuration name of the dialect
	Name() string
	// DriverName is the database/sql driver name
	DriverName() string
	// Rebind converts ? placeholders into the driver's placeholder style
	Rebind(query string) string
	// Quote quotes an identifier, splitting schema qualified names
	Quote(identifier string) string
	// Limit restricts a SELECT statement to n rows
	Limit(selectQuery string, n int) string
	// SupportsSavepoints reports whether statement checkpoints are available
	SupportsSavepoints() bool
	Savepoint(name string) string
	RollbackToSavepoint(name string) string
	// ReleaseSavepoint returns "" when the database has no release statement
	ReleaseSavepoint(name string) string
	// IsUniqueViolation reports whether err is a primary key or unique
	// constraint violation
	IsUniqueViolation(err error) bool
	// CreateTable wraps a CREATE TABLE body so it is a no-op when the table exists
	CreateTable(name, body string) string
	// Varchar returns the type of a bounded string column
	Varchar(n int) string
	// Text returns the type of an unbounded string column
	Text() string
}

// DialectFor resolves a dialect by configuration name
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlserver", "mssql":
		return SQLServer{}, nil
	case "postgres", "postgresql":
		return Postgres{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	}
	return nil, fmt.Errorf("unsupported database dialect: %s", name)
}

func rebindNumbered(query, prefix string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteString(prefix)
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func quoteParts(identifier, open, close string) string {
	parts := strings.Split(identifier, ".")
	for i, p := range parts {
		p = strings.Trim(p, `"[]`+"`")
		parts[i] = open + strings.ReplaceAll(p, close, close+close) + close
	}
	return strings.Join(parts, ".")
}

func limitClause(selectQuery string, n int) string {
	return strings.TrimRight(selectQuery, " \n\t;") + " LIMIT " + strconv.Itoa(n)
}
