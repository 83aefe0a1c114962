// Package ledger is the durable record of outgoing and incoming batches and
// of the routing checkpoint of every channel.
//
// Every method takes the db.DBTX to run on, so ledger writes join the caller's
// transaction: a routing pass creates its batches and advances the channel
// checkpoint atomically, and the data loader records a successful incoming
// batch in the same transaction that applied it. Status changes are
// compare-and-set on the expected prior status; a lost race surfaces as
// ErrStatusConflict instead of two components overwriting each other.
package ledger

import (
	"errors"
	"strings"
	"time"

	"github.com/katasec/dstream-replicator/internal/db"
	"github.com/katasec/dstream-replicator/pkg/types"
)

var (
	// ErrNotFound is returned when a batch does not exist
	ErrNotFound = errors.New("batch not found")
	// ErrStatusConflict is returned when a batch is not in an expected prior status
	ErrStatusConflict = errors.New("batch status conflict")
)

// Ledger reads and writes batch ledger rows
type Ledger struct {
	dialect db.Dialect
	now     func() time.Time
}

// Option customizes a Ledger
type Option func(*Ledger)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger for the given dialect
func New(d db.Dialect, opts ...Option) *Ledger {
	l := &Ledger{dialect: d, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) rebind(q string) string { return l.dialect.Rebind(q) }

func statusArgs(statuses []types.BatchStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}
