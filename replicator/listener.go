package replicator

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-replicator/pkg/types"
)

// logListener reports apply progress through the logger
type logListener struct {
	logger hclog.Logger
}

func newLogListener(logger hclog.Logger) *logListener {
	return &logListener{logger: logger}
}

func (l *logListener) EarlyCommit(_ context.Context, b *types.IncomingBatch) {
	l.logger.Debug("Batch in progress", "batch_id", b.BatchID, "source", b.NodeID, "statements", b.StatementCount)
}

func (l *logListener) BatchComplete(context.Context, *types.IncomingBatch) {}

func (l *logListener) BatchCommitted(_ context.Context, b *types.IncomingBatch) {
	if b.Outcome() == types.ApplyPartialFallback {
		l.logger.Info("Batch loaded with conflict fallbacks", "batch_id", b.BatchID, "source", b.NodeID,
			"channel", b.ChannelID, "fallback_inserts", b.FallbackInsertCount, "fallback_updates", b.FallbackUpdateCount,
			"missing_deletes", b.MissingDeleteCount)
	}
}

func (l *logListener) BatchRolledBack(_ context.Context, b *types.IncomingBatch, cause error) {
	l.logger.Debug("Batch rolled back", "batch_id", b.BatchID, "source", b.NodeID, "channel", b.ChannelID, "error", cause)
}
