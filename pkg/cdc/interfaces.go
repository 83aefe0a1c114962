package cdc

import (
	"context"
	"database/sql"

	"github.com/katasec/dstream-replicator/pkg/types"
)

// DBTX is satisfied by *sql.DB, *sql.Tx and *sql.Conn
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ChangeSource is an ordered, resumable cursor over the change log
type ChangeSource interface {
	// Read returns change records of one channel with a sequence id greater
	// than afterSequence, in sequence order. Reads stop at a source
	// transaction boundary.
	Read(ctx context.Context, tx DBTX, channelID string, afterSequence int64, limit int) ([]types.ChangeRecord, error)
}

// TableVersionLookup resolves the frozen layout a change record refers to
type TableVersionLookup interface {
	TableVersion(ctx context.Context, tx DBTX, id int64) (*types.TableVersion, error)
}

// Transport moves encoded batches between nodes
type Transport interface {
	// Deliver hands a batch to the destination node
	Deliver(ctx context.Context, env Envelope) types.DeliveryOutcome

	// Receive blocks until a batch addressed to the local node arrives
	Receive(ctx context.Context) (Envelope, error)

	// Close releases any resources used by the transport
	Close() error
}

// AckTransport carries acknowledgments back to the source node
type AckTransport interface {
	SendAck(ctx context.Context, ack types.Ack) error
	ReceiveAck(ctx context.Context) (types.Ack, error)
}

// BatchListener is notified around the apply transaction of a batch. The data
// loader ignores listener failures.
type BatchListener interface {
	// EarlyCommit fires every time the configured statement threshold is crossed
	EarlyCommit(ctx context.Context, batch *types.IncomingBatch)

	// BatchComplete fires after the last record applied, before commit
	BatchComplete(ctx context.Context, batch *types.IncomingBatch)

	// BatchCommitted fires after a successful commit
	BatchCommitted(ctx context.Context, batch *types.IncomingBatch)

	// BatchRolledBack fires after the apply transaction was rolled back
	BatchRolledBack(ctx context.Context, batch *types.IncomingBatch, cause error)
}
