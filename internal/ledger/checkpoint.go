package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/katasec/dstream-replicator/internal/db"
)

// IsNotFound reports whether err means a missing ledger row
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Checkpoint returns the last routed sequence id of a channel, 0 when the
// channel was never routed
func (l *Ledger) Checkpoint(ctx context.Context, q db.DBTX, channelID string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, l.rebind(`SELECT last_sequence_id FROM `+db.TableChannelCheckpoint+
		` WHERE channel_id = ?`), channelID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint for %s: %w", channelID, err)
	}
	return seq, nil
}

// SaveCheckpoint updates the last routed sequence id of a channel
func (l *Ledger) SaveCheckpoint(ctx context.Context, q db.DBTX, channelID string, sequenceID int64) error {
	now := l.now().UnixMilli()
	res, err := q.ExecContext(ctx, l.rebind(`UPDATE `+db.TableChannelCheckpoint+
		` SET last_sequence_id = ?, update_time = ? WHERE channel_id = ?`), sequenceID, now, channelID)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", channelID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = q.ExecContext(ctx, l.rebind(`INSERT INTO `+db.TableChannelCheckpoint+
		` (channel_id, last_sequence_id, update_time) VALUES (?, ?, ?)`), channelID, sequenceID, now)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", channelID, err)
	}
	return nil
}
