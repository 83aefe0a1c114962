// Package router decides which nodes receive a change record.
//
// A Router is one routing strategy. The Service evaluates every configured
// router bound to a record's table in configuration order and unions their
// results. Routers are stateless across calls; anything worth reusing within
// one routing pass (parsed expressions, materialized lookup tables, compiled
// scripts) goes into the pass scoped Context cache.
package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/katasec/dstream-replicator/internal/db"
	"github.com/katasec/dstream-replicator/pkg/types"
)

// ErrConfig marks a router that cannot be evaluated because of its own
// configuration. The Service skips such a router for the record and keeps
// routing.
var ErrConfig = errors.New("router configuration error")

func configError(routerID, format string, args ...any) error {
	return fmt.Errorf("%w: router %s: %s", ErrConfig, routerID, fmt.Sprintf(format, args...))
}

// Record is a change record together with the table layout it was captured with
type Record struct {
	Change *types.ChangeRecord
	Table  *types.TableVersion
}

// Row returns the current row image keyed by upper case column name
func (r Record) Row() map[string]any { return r.Table.RowMap(r.Change.RowValues) }

// OldRow returns the previous row image keyed by upper case column name
func (r Record) OldRow() map[string]any { return r.Table.RowMap(r.Change.PreviousValues) }

// value resolves a column of the record. An OLD_ prefix reads the previous
// image unless the table really has a column by that name.
func (r Record) value(column string) (any, bool) {
	if i := r.Table.ColumnIndex(column); i >= 0 {
		return r.Change.RowValues.Get(i), true
	}
	if len(column) > 4 && strings.EqualFold(column[:4], "OLD_") {
		if i := r.Table.ColumnIndex(column[4:]); i >= 0 {
			return r.Change.PreviousValues.Get(i), true
		}
	}
	return nil, false
}

// Router is one routing strategy
type Router interface {
	// Route returns the subset of candidates that should receive the record.
	// A nil error with an empty set means the router matched nothing.
	Route(ctx context.Context, rc *Context, cfg *types.RouterConfig, rec Record, candidates []types.Node) (types.NodeSet, error)
}

// Stats counts routing outcomes within one pass
type Stats struct {
	Records      int
	Unrouted     int
	ConfigErrors int
}

// Context is the working state of one routing pass: the transaction the pass
// reads source tables through, a cache keyed by router id and the flags the
// routing worker uses to pick commit and cut points.
type Context struct {
	Tx      db.DBTX
	Dialect db.Dialect

	// NeedsCommit is set once the pass produced something worth committing
	NeedsCommit bool
	// CrossedTxBoundary is set when the last observed record started a new
	// source transaction
	CrossedTxBoundary bool

	Stats Stats

	lastTx string
	seen   bool
	cache  map[string]any
}

// NewContext creates the routing context for one pass
func NewContext(tx db.DBTX, d db.Dialect) *Context {
	return &Context{Tx: tx, Dialect: d, cache: make(map[string]any)}
}

type failedLoad struct{ err error }

// Cached returns the pass scoped value stored under key, loading it on first use.
// Configuration errors are cached for the rest of the pass, any other failed
// load is retried on the next call.
func (c *Context) Cached(key string, load func() (any, error)) (any, error) {
	if v, ok := c.cache[key]; ok {
		if f, failed := v.(failedLoad); failed {
			return nil, f.err
		}
		return v, nil
	}
	v, err := load()
	if err != nil {
		if errors.Is(err, ErrConfig) {
			c.cache[key] = failedLoad{err: err}
		}
		return nil, err
	}
	c.cache[key] = v
	return v, nil
}

const routerSavepoint = "repl_router"

// query runs a router's own SQL inside the pass transaction and hands every
// row to scan. The statement runs under a savepoint where the dialect has
// them, so a bad query is rolled back on its own and reported as a
// configuration error of the router. Losing the connection or the
// transaction is returned as is and fails the pass.
func (c *Context) query(ctx context.Context, routerID, query string, args []any, scan func(*sql.Rows) error) error {
	savepoint := c.Dialect.SupportsSavepoints()
	if savepoint {
		if _, err := c.Tx.ExecContext(ctx, c.Dialect.Savepoint(routerSavepoint)); err != nil {
			return fmt.Errorf("router %s: failed to set savepoint: %w", routerID, err)
		}
	}
	err := c.queryRows(ctx, query, args, scan)
	if err != nil && db.IsConnectionError(err) {
		return err
	}
	if err != nil && savepoint {
		if _, rerr := c.Tx.ExecContext(ctx, c.Dialect.RollbackToSavepoint(routerSavepoint)); rerr != nil {
			return fmt.Errorf("router %s: failed to roll back savepoint: %w", routerID, rerr)
		}
	}
	if release := c.Dialect.ReleaseSavepoint(routerSavepoint); savepoint && release != "" {
		if _, rerr := c.Tx.ExecContext(ctx, release); rerr != nil {
			return fmt.Errorf("router %s: failed to release savepoint: %w", routerID, rerr)
		}
	}
	if err != nil {
		return configError(routerID, "query failed: %v", err)
	}
	return nil
}

func (c *Context) queryRows(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	rows, err := c.Tx.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return rows.Close()
}

// ObserveTransaction records the source transaction of the next record and
// reports whether it differs from the previous one
func (c *Context) ObserveTransaction(txID string) bool {
	crossed := c.seen && txID != c.lastTx
	c.CrossedTxBoundary = crossed
	c.lastTx = txID
	c.seen = true
	return crossed
}
