// Package dbtest opens throwaway SQLite databases with the replication schema
// for package tests.
package dbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-replicator/internal/db"
)

// Open creates a file backed SQLite database under t.TempDir with the core
// schema installed. The pool is limited to one connection so transactions
// never contend for the database lock.
func Open(t *testing.T) (*sql.DB, db.Dialect) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replicator.db")
	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	d := db.SQLite{}
	require.NoError(t, db.EnsureSchema(context.Background(), conn, d))
	return conn, d
}

// Exec runs statements and fails the test on the first error
func Exec(t *testing.T, conn *sql.DB, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		_, err := conn.Exec(s)
		require.NoError(t, err, s)
	}
}
