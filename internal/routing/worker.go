// Package routing runs routing passes. A pass reads the next slice of a
// channel's change log inside one source transaction, routes every record,
// assembles outgoing batches and advances the channel checkpoint. Either all
// of that becomes visible or none of it does.
package routing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-replicator/internal/batch"
	"github.com/katasec/dstream-replicator/internal/db"
	"github.com/katasec/dstream-replicator/internal/ledger"
	"github.com/katasec/dstream-replicator/internal/locking"
	"github.com/katasec/dstream-replicator/internal/logging"
	"github.com/katasec/dstream-replicator/internal/router"
	"github.com/katasec/dstream-replicator/internal/utils"
	"github.com/katasec/dstream-replicator/pkg/cdc"
	"github.com/katasec/dstream-replicator/pkg/types"
)

// DefaultReadLimit is the number of change records a pass reads when the
// worker is not configured otherwise
const DefaultReadLimit = 10000

// PassResult summarizes one routing pass
type PassResult struct {
	Records      int
	Batches      int
	Unrouted     int
	ConfigErrors int
	Checkpoint   int64
	// Paused is set when a node ran out of batches in flight and the pass
	// stopped before the end of what it read
	Paused bool
}

// Worker routes one channel. Only one worker per channel may run at a time.
type Worker struct {
	conn      *sql.DB
	dialect   db.Dialect
	channel   types.Channel
	source    cdc.ChangeSource
	tables    cdc.TableVersionLookup
	ledger    *ledger.Ledger
	router    *router.Service
	nodes     []types.Node
	readLimit int
	locker    locking.DistributedLocker
	lockName  string
	logger    hclog.Logger
}

// Option customizes a Worker
type Option func(*Worker)

// WithReadLimit sets how many change records one pass reads
func WithReadLimit(n int) Option {
	return func(w *Worker) { w.readLimit = n }
}

// WithLock makes Run hold lockName while it routes
func WithLock(locker locking.DistributedLocker, lockName string) Option {
	return func(w *Worker) {
		w.locker = locker
		w.lockName = lockName
	}
}

// WithLogger sets the logger
func WithLogger(l hclog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// Source bundles the change log and its table versions, normally a
// *capture.Store
type Source interface {
	cdc.ChangeSource
	cdc.TableVersionLookup
}

// NewWorker creates the routing worker of a channel. nodes is the set of
// known nodes every record is routed against.
func NewWorker(conn *sql.DB, d db.Dialect, channel types.Channel, source Source, lg *ledger.Ledger,
	svc *router.Service, nodes []types.Node, opts ...Option) *Worker {
	w := &Worker{
		conn:      conn,
		dialect:   d,
		channel:   channel,
		source:    source,
		tables:    source,
		ledger:    lg,
		router:    svc,
		nodes:     nodes,
		readLimit: DefaultReadLimit,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.OrDefault(w.logger, "routing").With("channel", channel.ID)
	return w
}

// RunPass routes the change records after the channel checkpoint. Any error,
// including cancellation between records, rolls the whole pass back so the
// next pass starts again from the last committed checkpoint.
func (w *Worker) RunPass(ctx context.Context) (PassResult, error) {
	var res PassResult
	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin routing pass: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	after, err := w.ledger.Checkpoint(ctx, tx, w.channel.ID)
	if err != nil {
		return res, err
	}
	res.Checkpoint = after
	records, err := w.source.Read(ctx, tx, w.channel.ID, after, w.readLimit)
	if err != nil {
		return res, err
	}
	if len(records) == 0 {
		return res, nil
	}

	rc := router.NewContext(tx, w.dialect)
	asm := batch.NewAssembler(w.channel)
	counted := make(map[string]bool)

	for _, group := range transactions(records) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		targets := make([]types.NodeSet, len(group))
		union := types.NewNodeSet()
		for i := range group {
			rec := &group[i]
			rc.ObserveTransaction(rec.TransactionID)
			tv, err := w.tables.TableVersion(ctx, tx, rec.TableVersionID)
			if err != nil {
				return res, err
			}
			nodes, err := w.router.Route(ctx, rc, router.Record{Change: rec, Table: tv}, w.nodes)
			if err != nil {
				return res, fmt.Errorf("failed to route record %d: %w", rec.SequenceID, err)
			}
			targets[i] = nodes
			union.Union(nodes)
		}

		for node := range union {
			if counted[node] {
				continue
			}
			n, err := w.ledger.CountUnacked(ctx, tx, node, w.channel.ID)
			if err != nil {
				return res, err
			}
			asm.SetUnacked(node, n)
			counted[node] = true
		}
		if !asm.HasCapacity(union, group[0].TransactionID, len(group)) {
			res.Paused = true
			break
		}

		for i := range group {
			if len(targets[i]) > 0 {
				asm.Add(&group[i], targets[i])
			}
		}
		res.Records += len(group)
		res.Checkpoint = group[len(group)-1].SequenceID
		rc.NeedsCommit = true
	}
	res.Unrouted = rc.Stats.Unrouted
	res.ConfigErrors = rc.Stats.ConfigErrors

	if !rc.NeedsCommit {
		w.logger.Debug("Routing paused, no capacity for the next transaction", "checkpoint", after)
		return res, nil
	}

	batches := asm.Flush()
	if err := w.persist(ctx, tx, batches); err != nil {
		return res, err
	}
	if err := w.ledger.SaveCheckpoint(ctx, tx, w.channel.ID, res.Checkpoint); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit routing pass: %w", err)
	}
	committed = true
	res.Batches = len(batches)

	w.logger.Debug("Routing pass committed", "records", res.Records, "batches", res.Batches,
		"unrouted", res.Unrouted, "config_errors", res.ConfigErrors, "checkpoint", res.Checkpoint, "paused", res.Paused)
	return res, nil
}

// persist writes finalized batches to the ledger, chaining each batch to the
// previous batch of the same node and channel
func (w *Worker) persist(ctx context.Context, tx *sql.Tx, batches []types.OutgoingBatch) error {
	previous := make(map[string]int64)
	for i := range batches {
		b := &batches[i]
		prev, ok := previous[b.NodeID]
		if !ok {
			var err error
			if prev, err = w.ledger.LastBatchID(ctx, tx, b.NodeID, w.channel.ID); err != nil {
				return err
			}
		}
		b.PreviousBatchID = prev
		if err := w.ledger.RecordCreated(ctx, tx, b); err != nil {
			return err
		}
		if err := w.ledger.RecordStatus(ctx, tx, b.BatchID, b.NodeID, types.StatusNew, types.StatusRouted, types.BatchStats{}); err != nil {
			return err
		}
		if err := w.ledger.RecordStatus(ctx, tx, b.BatchID, b.NodeID, types.StatusRouted, types.StatusReadyToSend, types.BatchStats{}); err != nil {
			return err
		}
		previous[b.NodeID] = b.BatchID
	}
	return nil
}

// transactions splits records into runs sharing a source transaction id.
// Records without a transaction id form runs of their own.
func transactions(records []types.ChangeRecord) [][]types.ChangeRecord {
	var out [][]types.ChangeRecord
	start := 0
	for i := 1; i <= len(records); i++ {
		if i == len(records) || records[i].TransactionID == "" || records[i].TransactionID != records[i-1].TransactionID {
			out = append(out, records[start:i])
			start = i
		}
	}
	return out
}

// Run routes the channel until ctx is done, polling faster while there is
// work and backing off while idle. With a lock configured the worker waits
// until it holds the channel lock and keeps it renewed while routing.
func (w *Worker) Run(ctx context.Context, backoff *utils.BackoffManager) error {
	if w.locker != nil {
		release, err := w.acquire(ctx, backoff)
		if err != nil || release == nil {
			return err
		}
		defer release()
	}

	w.logger.Info("Routing worker started", "batch_algorithm", w.channel.BatchAlgorithm,
		"max_batch_size", w.channel.MaxBatchSize, "max_batches_in_flight", w.channel.MaxBatchesInFlight)
	for {
		res, err := w.RunPass(ctx)
		if ctx.Err() != nil {
			w.logger.Info("Stopping routing worker due to context cancellation")
			return nil
		}
		switch {
		case err != nil:
			w.logger.Error("Routing pass failed, rolled back", "error", err, "retry_in", backoff.GetInterval())
			backoff.IncreaseInterval()
		case res.Records > 0:
			if res.Unrouted > 0 || res.ConfigErrors > 0 {
				w.logger.Warn("Records not routed", "unrouted", res.Unrouted, "config_errors", res.ConfigErrors)
			}
			backoff.ResetInterval()
		default:
			backoff.IncreaseInterval()
		}
		if backoff.Wait(ctx) != nil {
			return nil
		}
	}
}

// acquire blocks until the channel lock is held. The returned release func is
// nil when ctx ended first.
func (w *Worker) acquire(ctx context.Context, backoff *utils.BackoffManager) (func(), error) {
	for {
		leaseID, err := w.locker.AcquireLock(ctx, w.lockName)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("Failed to acquire channel lock", "lock", w.lockName, "error", err)
		}
		if leaseID != "" {
			lockCtx, cancel := context.WithCancel(ctx)
			w.locker.StartLockRenewal(lockCtx, w.lockName)
			return func() {
				cancel()
				releaseCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
				defer done()
				if err := w.locker.ReleaseLock(releaseCtx, w.lockName, leaseID); err != nil {
					w.logger.Error("Failed to release channel lock", "lock", w.lockName, "error", err)
				}
			}, nil
		}
		w.logger.Debug("Channel lock held elsewhere, waiting", "lock", w.lockName, "retry_in", backoff.GetInterval())
		if backoff.Wait(ctx) != nil {
			return nil, nil
		}
		backoff.IncreaseInterval()
	}
}
