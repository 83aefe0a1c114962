package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/katasec/dstream-replicator/pkg/cdc"
	"github.com/katasec/dstream-replicator/pkg/types"
)

const fallbackSavepoint = "repl_fallback"

var errNoRowsAffected = errors.New("statement affected no rows")

// applyRecord runs the statements for one record and updates the batch counters
func (l *Loader) applyRecord(ctx context.Context, tx *sql.Tx, rec *types.PayloadRecord, batch *types.IncomingBatch) error {
	c := &rec.Change
	var err error
	switch c.EventType {
	case types.EventInsert, types.EventReload:
		err = l.insert(ctx, tx, rec, batch)
	case types.EventUpdate:
		err = l.update(ctx, tx, rec, batch)
	case types.EventDelete:
		err = l.delete(ctx, tx, rec, batch)
	case types.EventSQL, types.EventCreate:
		stmt, ok := c.RowValues.String(0)
		if !ok || strings.TrimSpace(stmt) == "" {
			return fmt.Errorf("%s event without a statement", c.EventType)
		}
		_, err = tx.ExecContext(ctx, stmt)
	case types.EventBulkConfig:
		return nil
	default:
		return fmt.Errorf("unsupported event type %q", c.EventType)
	}
	if err != nil {
		return fmt.Errorf("%s on %s: %w", c.EventType, rec.Table.TableName, err)
	}

	batch.StatementCount++
	if l.earlyCommitThreshold > 0 && batch.StatementCount%l.earlyCommitThreshold == 0 {
		l.notify(func(ls cdc.BatchListener) { ls.EarlyCommit(ctx, batch) })
	}
	return nil
}

// insert falls back to an update of the existing row on a key conflict
func (l *Loader) insert(ctx context.Context, tx *sql.Tx, rec *types.PayloadRecord, batch *types.IncomingBatch) error {
	if !l.savepoints || !l.dialect.SupportsSavepoints() {
		n, err := l.execUpdate(ctx, tx, rec)
		if err != nil {
			return err
		}
		if n > 0 {
			batch.FallbackUpdateCount++
			return nil
		}
		return l.execInsert(ctx, tx, rec)
	}

	if _, err := tx.ExecContext(ctx, l.dialect.Savepoint(fallbackSavepoint)); err != nil {
		return fmt.Errorf("failed to set savepoint: %w", err)
	}
	err := l.execInsert(ctx, tx, rec)
	if err != nil && l.dialect.IsUniqueViolation(err) {
		if _, rerr := tx.ExecContext(ctx, l.dialect.RollbackToSavepoint(fallbackSavepoint)); rerr != nil {
			return fmt.Errorf("failed to roll back to savepoint: %w", rerr)
		}
		n, uerr := l.execUpdate(ctx, tx, rec)
		if uerr != nil {
			return uerr
		}
		if n == 0 {
			return fmt.Errorf("fallback update after duplicate key: %w", errNoRowsAffected)
		}
		batch.FallbackUpdateCount++
		err = nil
	}
	if err != nil {
		return err
	}
	if release := l.dialect.ReleaseSavepoint(fallbackSavepoint); release != "" {
		if _, err := tx.ExecContext(ctx, release); err != nil {
			return fmt.Errorf("failed to release savepoint: %w", err)
		}
	}
	return nil
}

// update falls back to inserting the full row image when the row is missing
func (l *Loader) update(ctx context.Context, tx *sql.Tx, rec *types.PayloadRecord, batch *types.IncomingBatch) error {
	n, err := l.execUpdate(ctx, tx, rec)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if err := l.execInsert(ctx, tx, rec); err != nil {
		return fmt.Errorf("fallback insert: %w", err)
	}
	batch.FallbackInsertCount++
	return nil
}

// delete treats an already absent row as deleted
func (l *Loader) delete(ctx context.Context, tx *sql.Tx, rec *types.PayloadRecord, batch *types.IncomingBatch) error {
	tv := rec.Table
	where, args, err := l.keyClause(tv, tv.KeyValues(&rec.Change))
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, l.dialect.Rebind("DELETE FROM "+l.dialect.Quote(tv.TableName)+" WHERE "+where), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		batch.MissingDeleteCount++
	}
	return nil
}

func (l *Loader) execInsert(ctx context.Context, tx *sql.Tx, rec *types.PayloadRecord) error {
	tv := rec.Table
	if len(rec.Change.RowValues) != len(tv.Columns) {
		return fmt.Errorf("row has %d values for %d columns", len(rec.Change.RowValues), len(tv.Columns))
	}
	cols := make([]string, len(tv.Columns))
	marks := make([]string, len(tv.Columns))
	for i, c := range tv.Columns {
		cols[i] = l.dialect.Quote(c)
		marks[i] = "?"
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", l.dialect.Quote(tv.TableName),
		strings.Join(cols, ", "), strings.Join(marks, ", "))
	_, err := tx.ExecContext(ctx, l.dialect.Rebind(query), []any(rec.Change.RowValues)...)
	return err
}

// execUpdate writes the full row image over the row identified by the key
// (the old key when the record carries one) and returns the affected count
func (l *Loader) execUpdate(ctx context.Context, tx *sql.Tx, rec *types.PayloadRecord) (int64, error) {
	tv := rec.Table
	if len(rec.Change.RowValues) != len(tv.Columns) {
		return 0, fmt.Errorf("row has %d values for %d columns", len(rec.Change.RowValues), len(tv.Columns))
	}
	sets := make([]string, len(tv.Columns))
	for i, c := range tv.Columns {
		sets[i] = l.dialect.Quote(c) + " = ?"
	}
	where, keyArgs, err := l.keyClause(tv, tv.KeyValues(&rec.Change))
	if err != nil {
		return 0, err
	}
	args := append(append([]any{}, rec.Change.RowValues...), keyArgs...)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", l.dialect.Quote(tv.TableName), strings.Join(sets, ", "), where)
	res, err := tx.ExecContext(ctx, l.dialect.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (l *Loader) keyClause(tv *types.TableVersion, keys types.Row) (string, []any, error) {
	if len(tv.KeyColumns) == 0 {
		return "", nil, fmt.Errorf("table %s has no key columns", tv.TableName)
	}
	parts := make([]string, len(tv.KeyColumns))
	args := make([]any, 0, len(tv.KeyColumns))
	for i, k := range tv.KeyColumns {
		v := keys.Get(i)
		if v == nil {
			parts[i] = l.dialect.Quote(k) + " IS NULL"
			continue
		}
		parts[i] = l.dialect.Quote(k) + " = ?"
		args = append(args, v)
	}
	return strings.Join(parts, " AND "), args, nil
}
