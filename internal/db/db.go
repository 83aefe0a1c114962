package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/katasec/dstream-replicator/internal/logging"
	"github.com/katasec/dstream-replicator/pkg/cdc"
)

// DBTX is satisfied by *sql.DB and *sql.Tx
type DBTX = cdc.DBTX

// Connect opens a connection pool for the named dialect and verifies it with a ping
func Connect(ctx context.Context, dialectName, connectionString string) (*sql.DB, Dialect, error) {
	d, err := DialectFor(dialectName)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(d.DriverName(), connectionString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logging.GetLogger().Info("Successfully connected to database", "dialect", d.Name())
	return db, d, nil
}

// IsConnectionError reports whether err came from losing the connection or
// the transaction rather than from the statement itself. Statement errors
// such as bad syntax or a missing table return false.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
