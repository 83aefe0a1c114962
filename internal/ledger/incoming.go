package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/katasec/dstream-replicator/internal/db"
	"github.com/katasec/dstream-replicator/pkg/types"
)

const selectIncoming = `SELECT batch_id, node_id, attempt, channel_id, status, statement_count, fallback_insert_count,
	fallback_update_count, missing_delete_count, failed_row_number, error_message, start_time, end_time FROM ` + db.TableIncomingBatch

// RecordIncoming appends one apply attempt for a batch. The attempt number is
// assigned here; earlier attempts are kept for diagnostics.
func (l *Ledger) RecordIncoming(ctx context.Context, q db.DBTX, b *types.IncomingBatch) error {
	var last sql.NullInt64
	err := q.QueryRowContext(ctx, l.rebind(`SELECT MAX(attempt) FROM `+db.TableIncomingBatch+
		` WHERE batch_id = ? AND node_id = ?`), b.BatchID, b.NodeID).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to read attempts of incoming batch %d: %w", b.BatchID, err)
	}
	b.Attempt = int(last.Int64) + 1
	if b.EndTime.IsZero() {
		b.EndTime = l.now()
	}
	_, err = q.ExecContext(ctx, l.rebind(`INSERT INTO `+db.TableIncomingBatch+`
		(batch_id, node_id, attempt, channel_id, status, statement_count, fallback_insert_count, fallback_update_count,
		 missing_delete_count, failed_row_number, error_message, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		b.BatchID, b.NodeID, b.Attempt, b.ChannelID, string(b.Status), b.StatementCount, b.FallbackInsertCount,
		b.FallbackUpdateCount, b.MissingDeleteCount, b.FailedRowNumber, nullString(b.ErrorMessage),
		b.StartTime.UnixMilli(), b.EndTime.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record incoming batch %d from %s: %w", b.BatchID, b.NodeID, err)
	}
	return nil
}

// LatestIncoming returns the most recent apply attempt of a batch
func (l *Ledger) LatestIncoming(ctx context.Context, q db.DBTX, batchID int64, nodeID string) (*types.IncomingBatch, error) {
	query := l.dialect.Limit(selectIncoming+` WHERE batch_id = ? AND node_id = ? ORDER BY attempt DESC`, 1)
	rows, err := q.QueryContext(ctx, l.rebind(query), batchID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load incoming batch %d: %w", batchID, err)
	}
	batches, err := scanIncoming(rows)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("%w: incoming %d from %s", ErrNotFound, batchID, nodeID)
	}
	return &batches[0], nil
}

// IsLoaded reports whether the latest attempt of a batch succeeded
func (l *Ledger) IsLoaded(ctx context.Context, q db.DBTX, batchID int64, nodeID string) (bool, error) {
	b, err := l.LatestIncoming(ctx, q, batchID, nodeID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return b.Status == types.IncomingOK, nil
}

// ListIncoming returns every attempt recorded for batches from a source node,
// newest first
func (l *Ledger) ListIncoming(ctx context.Context, q db.DBTX, nodeID string, limit int) ([]types.IncomingBatch, error) {
	query := selectIncoming + ` WHERE node_id = ? ORDER BY batch_id DESC, attempt DESC`
	if limit > 0 {
		query = l.dialect.Limit(query, limit)
	}
	rows, err := q.QueryContext(ctx, l.rebind(query), nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incoming batches: %w", err)
	}
	return scanIncoming(rows)
}

func scanIncoming(rows *sql.Rows) ([]types.IncomingBatch, error) {
	defer rows.Close()
	var out []types.IncomingBatch
	for rows.Next() {
		var (
			b          types.IncomingBatch
			status     string
			msg        sql.NullString
			start, end int64
		)
		if err := rows.Scan(&b.BatchID, &b.NodeID, &b.Attempt, &b.ChannelID, &status, &b.StatementCount,
			&b.FallbackInsertCount, &b.FallbackUpdateCount, &b.MissingDeleteCount, &b.FailedRowNumber,
			&msg, &start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan incoming batch: %w", err)
		}
		b.Status = types.IncomingStatus(status)
		b.ErrorMessage = msg.String
		b.StartTime = time.UnixMilli(start)
		b.EndTime = time.UnixMilli(end)
		out = append(out, b)
	}
	return out, rows.Err()
}
