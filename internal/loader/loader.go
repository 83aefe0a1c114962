// Package loader applies incoming batches to the destination database.
//
// A batch is applied inside one destination transaction in payload order.
// Row level conflicts are resolved in place: an INSERT hitting an existing key
// becomes an UPDATE, an UPDATE missing its row becomes an INSERT and a DELETE
// of an absent row is counted and ignored. Only the failing statement is
// undone (savepoint) before its fallback runs. Any other failure rolls the
// whole batch back; the next delivery reapplies it from the first record.
package loader

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-replicator/internal/db"
	"github.com/katasec/dstream-replicator/internal/ledger"
	"github.com/katasec/dstream-replicator/internal/logging"
	"github.com/katasec/dstream-replicator/pkg/cdc"
	"github.com/katasec/dstream-replicator/pkg/types"
)

// Loader is the destination side apply engine
type Loader struct {
	conn    *sql.DB
	dialect db.Dialect
	ledger  *ledger.Ledger

	listeners            []cdc.BatchListener
	earlyCommitThreshold int64
	savepoints           bool
	logger               hclog.Logger
	now                  func() time.Time

	mu    sync.Mutex
	lanes map[string]*sync.Mutex
}

// Option customizes a Loader
type Option func(*Loader)

// WithListeners registers batch listeners, notified in the given order
func WithListeners(ls ...cdc.BatchListener) Option {
	return func(l *Loader) { l.listeners = append(l.listeners, ls...) }
}

// WithEarlyCommitThreshold notifies listeners every n applied statements
func WithEarlyCommitThreshold(n int) Option {
	return func(l *Loader) { l.earlyCommitThreshold = int64(n) }
}

// WithSavepoints allows or forbids savepoints around inserts. Without them a
// conflicting insert is avoided by updating the row first and inserting only
// when no row matched.
func WithSavepoints(enabled bool) Option {
	return func(l *Loader) { l.savepoints = enabled }
}

// WithLogger sets the logger
func WithLogger(lg hclog.Logger) Option {
	return func(l *Loader) { l.logger = lg }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// New creates a Loader writing to conn
func New(conn *sql.DB, d db.Dialect, lg *ledger.Ledger, opts ...Option) *Loader {
	l := &Loader{conn: conn, dialect: d, ledger: lg, now: time.Now, savepoints: true, lanes: make(map[string]*sync.Mutex)}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrDefault(l.logger, "loader")
	return l
}

// lane returns the mutex serializing batches of one source node and channel
func (l *Loader) lane(nodeID, channelID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := nodeID + "/" + channelID
	m, ok := l.lanes[key]
	if !ok {
		m = &sync.Mutex{}
		l.lanes[key] = m
	}
	return m
}

// Apply loads a payload and returns the recorded attempt.
//
// A batch already loaded OK is not reapplied; its stored result is returned.
// A batch whose predecessor on the same channel is not loaded yet is not
// applied either and comes back SKIPPED so the source resends it later.
// Data errors produce an ERROR attempt with FailedRowNumber set and a nil
// error. The returned error is reserved for failures that leave no attempt
// behind: cancellation and unreachable ledger storage.
func (l *Loader) Apply(ctx context.Context, p *types.IncomingPayload) (*types.IncomingBatch, error) {
	h := p.Header
	lane := l.lane(h.SourceNodeID, h.ChannelID)
	lane.Lock()
	defer lane.Unlock()

	log := l.logger.With("batch_id", h.BatchID, "source", h.SourceNodeID, "channel", h.ChannelID)

	prev, err := l.ledger.LatestIncoming(ctx, l.conn, h.BatchID, h.SourceNodeID)
	if err != nil && !ledger.IsNotFound(err) {
		return nil, err
	}
	if prev != nil && prev.Status == types.IncomingOK {
		log.Debug("Batch already loaded, skipping")
		return prev, nil
	}

	batch := &types.IncomingBatch{
		BatchID:   h.BatchID,
		NodeID:    h.SourceNodeID,
		ChannelID: h.ChannelID,
		StartTime: l.now(),
	}

	if h.PreviousBatchID != 0 {
		loaded, err := l.ledger.IsLoaded(ctx, l.conn, h.PreviousBatchID, h.SourceNodeID)
		if err != nil {
			return nil, err
		}
		if !loaded {
			log.Info("Batch arrived before its predecessor, deferring", "previous_batch_id", h.PreviousBatchID)
			batch.Status = types.IncomingSkipped
			batch.ErrorMessage = fmt.Sprintf("waiting for batch %d", h.PreviousBatchID)
			if err := l.ledger.RecordIncoming(ctx, l.conn, batch); err != nil {
				return nil, err
			}
			return batch, nil
		}
	}

	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin apply transaction: %w", err)
	}

	for i := range p.Records {
		if err := ctx.Err(); err != nil {
			_ = tx.Rollback()
			l.notifyRolledBack(ctx, batch, err)
			return nil, err
		}
		if err := l.applyRecord(ctx, tx, &p.Records[i], batch); err != nil {
			return l.fail(ctx, tx, batch, int64(i+1), err)
		}
	}

	l.notify(func(ls cdc.BatchListener) { ls.BatchComplete(ctx, batch) })

	batch.Status = types.IncomingOK
	batch.EndTime = l.now()
	if err := l.ledger.RecordIncoming(ctx, tx, batch); err != nil {
		return l.fail(ctx, tx, batch, 0, err)
	}
	if err := tx.Commit(); err != nil {
		return l.fail(ctx, nil, batch, 0, fmt.Errorf("failed to commit: %w", err))
	}

	log.Debug("Batch loaded", "statements", batch.StatementCount, "fallback_inserts", batch.FallbackInsertCount,
		"fallback_updates", batch.FallbackUpdateCount, "missing_deletes", batch.MissingDeleteCount)
	l.notify(func(ls cdc.BatchListener) { ls.BatchCommitted(ctx, batch) })
	return batch, nil
}

// fail rolls back the apply transaction and records an ERROR attempt outside of it
func (l *Loader) fail(ctx context.Context, tx *sql.Tx, batch *types.IncomingBatch, row int64, cause error) (*types.IncomingBatch, error) {
	if tx != nil {
		_ = tx.Rollback()
	}
	l.notifyRolledBack(ctx, batch, cause)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	l.logger.Warn("Batch failed to load", "batch_id", batch.BatchID, "source", batch.NodeID,
		"channel", batch.ChannelID, "row", row, "error", cause)
	batch.Status = types.IncomingError
	batch.FailedRowNumber = row
	batch.ErrorMessage = cause.Error()
	batch.EndTime = l.now()
	if err := l.ledger.RecordIncoming(ctx, l.conn, batch); err != nil {
		return nil, fmt.Errorf("failed to record failed batch %d: %w", batch.BatchID, err)
	}
	return batch, nil
}

func (l *Loader) notifyRolledBack(ctx context.Context, batch *types.IncomingBatch, cause error) {
	l.notify(func(ls cdc.BatchListener) { ls.BatchRolledBack(ctx, batch, cause) })
}

// notify calls every listener, ignoring panics
func (l *Loader) notify(fn func(cdc.BatchListener)) {
	for _, ls := range l.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Warn("Batch listener failed", "error", r)
				}
			}()
			fn(ls)
		}()
	}
}
