package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/katasec/dstream-replicator/internal/db"
	"github.com/katasec/dstream-replicator/pkg/types"
)

const selectOutgoing = `SELECT batch_id, node_id, channel_id, status, previous_batch_id, record_count,
	sent_count, error_row_number, error_message, create_time, last_update_time FROM ` + db.TableOutgoingBatch

// NextBatchID allocates a batch id. Ids increase across all nodes, which keeps
// them unique per node.
func (l *Ledger) NextBatchID(ctx context.Context, q db.DBTX) (int64, error) {
	return db.NextValues(ctx, q, l.dialect, db.SequenceBatch, 1)
}

// RecordCreated persists a new batch in status NEW together with the ordered
// references to its change records. A zero BatchID is allocated.
func (l *Ledger) RecordCreated(ctx context.Context, q db.DBTX, b *types.OutgoingBatch) error {
	if b.BatchID == 0 {
		id, err := l.NextBatchID(ctx, q)
		if err != nil {
			return err
		}
		b.BatchID = id
	}
	now := l.now()
	b.Status = types.StatusNew
	b.CreateTime = now
	b.LastUpdateTime = now
	b.RecordCount = len(b.SequenceIDs)
	_, err := q.ExecContext(ctx, l.rebind(`INSERT INTO `+db.TableOutgoingBatch+`
		(batch_id, node_id, channel_id, status, previous_batch_id, record_count, sent_count, error_row_number, error_message, create_time, last_update_time)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, NULL, ?, ?)`),
		b.BatchID, b.NodeID, b.ChannelID, string(b.Status), b.PreviousBatchID, b.RecordCount, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create batch %d for node %s: %w", b.BatchID, b.NodeID, err)
	}
	insert := l.rebind(`INSERT INTO ` + db.TableOutgoingRecord + ` (batch_id, node_id, position, sequence_id) VALUES (?, ?, ?, ?)`)
	for i, seq := range b.SequenceIDs {
		if _, err := q.ExecContext(ctx, insert, b.BatchID, b.NodeID, i, seq); err != nil {
			return fmt.Errorf("failed to add record %d to batch %d: %w", seq, b.BatchID, err)
		}
	}
	return nil
}

// RecordStatus moves a batch to a new status if it is currently in expected
func (l *Ledger) RecordStatus(ctx context.Context, q db.DBTX, batchID int64, nodeID string, expected, to types.BatchStatus, stats types.BatchStats) error {
	if !types.CanTransition(expected, to) {
		return fmt.Errorf("%w: %s -> %s is not a valid transition", ErrStatusConflict, expected, to)
	}
	return l.transition(ctx, q, batchID, nodeID, []types.BatchStatus{expected}, to, stats)
}

// Advance moves a batch to a new status from any status that may legally
// precede it
func (l *Ledger) Advance(ctx context.Context, q db.DBTX, batchID int64, nodeID string, to types.BatchStatus, stats types.BatchStats) error {
	prior := types.PriorStatuses(to)
	if len(prior) == 0 {
		return fmt.Errorf("%w: nothing transitions to %s", ErrStatusConflict, to)
	}
	return l.transition(ctx, q, batchID, nodeID, prior, to, stats)
}

func (l *Ledger) transition(ctx context.Context, q db.DBTX, batchID int64, nodeID string, from []types.BatchStatus, to types.BatchStatus, stats types.BatchStats) error {
	set := "status = ?, last_update_time = ?"
	args := []any{string(to), l.now().UnixMilli()}
	if to == types.StatusError {
		set += ", error_row_number = ?, error_message = ?"
		args = append(args, stats.ErrorRowNumber, nullString(stats.ErrorMessage))
	}
	if to == types.StatusLoaded {
		set += ", error_row_number = 0, error_message = NULL"
	}
	if stats.IncrementSent {
		set += ", sent_count = sent_count + 1"
	}
	in, sargs := statusArgs(from)
	args = append(args, batchID, nodeID)
	args = append(args, sargs...)
	res, err := q.ExecContext(ctx, l.rebind(`UPDATE `+db.TableOutgoingBatch+` SET `+set+
		` WHERE batch_id = ? AND node_id = ? AND status IN `+in), args...)
	if err != nil {
		return fmt.Errorf("failed to update batch %d for node %s: %w", batchID, nodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := l.Get(ctx, q, batchID, nodeID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: batch %d for node %s is %s, cannot move to %s", ErrStatusConflict, batchID, nodeID, current.Status, to)
}

// Get loads one outgoing batch without its record references
func (l *Ledger) Get(ctx context.Context, q db.DBTX, batchID int64, nodeID string) (*types.OutgoingBatch, error) {
	rows, err := q.QueryContext(ctx, l.rebind(selectOutgoing+` WHERE batch_id = ? AND node_id = ?`), batchID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %d: %w", batchID, err)
	}
	batches, err := scanOutgoing(rows)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("%w: %d for node %s", ErrNotFound, batchID, nodeID)
	}
	return &batches[0], nil
}

// SequenceIDs returns the change record references of a batch in order
func (l *Ledger) SequenceIDs(ctx context.Context, q db.DBTX, batchID int64, nodeID string) ([]int64, error) {
	rows, err := q.QueryContext(ctx, l.rebind(`SELECT sequence_id FROM `+db.TableOutgoingRecord+
		` WHERE batch_id = ? AND node_id = ? ORDER BY position`), batchID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load records of batch %d: %w", batchID, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindPending returns READY_TO_SEND batches for a node and channel in batch order
func (l *Ledger) FindPending(ctx context.Context, q db.DBTX, nodeID, channelID string) ([]types.OutgoingBatch, error) {
	rows, err := q.QueryContext(ctx, l.rebind(selectOutgoing+
		` WHERE node_id = ? AND channel_id = ? AND status = ? ORDER BY batch_id`), nodeID, channelID, string(types.StatusReadyToSend))
	if err != nil {
		return nil, fmt.Errorf("failed to find pending batches for %s/%s: %w", nodeID, channelID, err)
	}
	return scanOutgoing(rows)
}

// FindUnacked returns every batch of a node that has not been loaded yet, in
// batch order
func (l *Ledger) FindUnacked(ctx context.Context, q db.DBTX, nodeID string) ([]types.OutgoingBatch, error) {
	in, args := statusArgs(types.UnackedStatuses)
	rows, err := q.QueryContext(ctx, l.rebind(selectOutgoing+` WHERE node_id = ? AND status IN `+in+` ORDER BY batch_id`),
		append([]any{nodeID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to find unacked batches for %s: %w", nodeID, err)
	}
	return scanOutgoing(rows)
}

// CountUnacked counts batches of a node and channel that are not loaded yet
func (l *Ledger) CountUnacked(ctx context.Context, q db.DBTX, nodeID, channelID string) (int, error) {
	in, args := statusArgs(types.UnackedStatuses)
	var n int
	err := q.QueryRowContext(ctx, l.rebind(`SELECT COUNT(*) FROM `+db.TableOutgoingBatch+
		` WHERE node_id = ? AND channel_id = ? AND status IN `+in), append([]any{nodeID, channelID}, args...)...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unacked batches for %s/%s: %w", nodeID, channelID, err)
	}
	return n, nil
}

// LastBatchID returns the newest batch id for a node and channel, 0 when none
func (l *Ledger) LastBatchID(ctx context.Context, q db.DBTX, nodeID, channelID string) (int64, error) {
	var id sql.NullInt64
	err := q.QueryRowContext(ctx, l.rebind(`SELECT MAX(batch_id) FROM `+db.TableOutgoingBatch+
		` WHERE node_id = ? AND channel_id = ?`), nodeID, channelID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read last batch for %s/%s: %w", nodeID, channelID, err)
	}
	return id.Int64, nil
}

// PendingNodes returns the nodes that have READY_TO_SEND batches, or batches
// in any of statuses when given
func (l *Ledger) PendingNodes(ctx context.Context, q db.DBTX, statuses ...types.BatchStatus) ([]string, error) {
	if len(statuses) == 0 {
		statuses = []types.BatchStatus{types.StatusReadyToSend}
	}
	in, args := statusArgs(statuses)
	rows, err := q.QueryContext(ctx, l.rebind(`SELECT DISTINCT node_id FROM `+db.TableOutgoingBatch+
		` WHERE status IN `+in+` ORDER BY node_id`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending nodes: %w", err)
	}
	defer rows.Close()
	var nodes []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// OutgoingFilter narrows ListOutgoing; empty fields match everything
type OutgoingFilter struct {
	NodeID    string
	ChannelID string
	Status    types.BatchStatus
	Limit     int
}

// ListOutgoing returns ledger rows for operational dashboards, newest first
func (l *Ledger) ListOutgoing(ctx context.Context, q db.DBTX, f OutgoingFilter) ([]types.OutgoingBatch, error) {
	query := selectOutgoing + ` WHERE 1 = 1`
	var args []any
	if f.NodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, f.NodeID)
	}
	if f.ChannelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, f.ChannelID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY batch_id DESC`
	if f.Limit > 0 {
		query = l.dialect.Limit(query, f.Limit)
	}
	rows, err := q.QueryContext(ctx, l.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outgoing batches: %w", err)
	}
	return scanOutgoing(rows)
}

func scanOutgoing(rows *sql.Rows) ([]types.OutgoingBatch, error) {
	defer rows.Close()
	var out []types.OutgoingBatch
	for rows.Next() {
		var (
			b               types.OutgoingBatch
			status          string
			msg             sql.NullString
			created, update int64
		)
		if err := rows.Scan(&b.BatchID, &b.NodeID, &b.ChannelID, &status, &b.PreviousBatchID, &b.RecordCount,
			&b.SentCount, &b.ErrorRowNumber, &msg, &created, &update); err != nil {
			return nil, fmt.Errorf("failed to scan outgoing batch: %w", err)
		}
		b.Status = types.BatchStatus(status)
		b.ErrorMessage = msg.String
		b.CreateTime = time.UnixMilli(created)
		b.LastUpdateTime = time.UnixMilli(update)
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// IsConflict reports whether err is a lost compare-and-set
func IsConflict(err error) bool { return errors.Is(err, ErrStatusConflict) }
