package push

import (
	"context"
	"database/sql"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-replicator/internal/ledger"
	"github.com/katasec/dstream-replicator/internal/logging"
	"github.com/katasec/dstream-replicator/internal/utils"
	"github.com/katasec/dstream-replicator/pkg/cdc"
	"github.com/katasec/dstream-replicator/pkg/types"
)

// AckHandler applies destination acknowledgments to the outgoing ledger
type AckHandler struct {
	conn       *sql.DB
	ledger     *ledger.Ledger
	maxRetries int
	logger     hclog.Logger
}

// NewAckHandler creates an AckHandler. Failed batches are resent until they
// were sent maxRetries times; zero means no ceiling.
func NewAckHandler(conn *sql.DB, lg *ledger.Ledger, maxRetries int, logger hclog.Logger) *AckHandler {
	return &AckHandler{conn: conn, ledger: lg, maxRetries: maxRetries, logger: logging.OrDefault(logger, "ack")}
}

// HandleAck records the verdict of a destination for one batch
func (h *AckHandler) HandleAck(ctx context.Context, ack types.Ack) error {
	log := h.logger.With("batch_id", ack.BatchID, "node", ack.NodeID, "channel", ack.ChannelID, "status", ack.Status)
	var err error
	switch ack.Status {
	case types.AckOK:
		err = h.ledger.Advance(ctx, h.conn, ack.BatchID, ack.NodeID, types.StatusLoaded, types.BatchStats{})
		if err == nil {
			log.Debug("Batch loaded", "statements", ack.StatementCount)
		}
	case types.AckDeferred:
		log.Debug("Batch deferred by destination", "reason", ack.Message)
		err = h.Resend(ctx, ack.BatchID, ack.NodeID)
	case types.AckError:
		err = h.ledger.Advance(ctx, h.conn, ack.BatchID, ack.NodeID, types.StatusError,
			types.BatchStats{ErrorRowNumber: ack.FailedRowNumber, ErrorMessage: ack.Message})
		if err == nil {
			err = h.retry(ctx, ack, log)
		}
	default:
		log.Warn("Ignoring acknowledgment with unknown status")
		return nil
	}
	if ledger.IsConflict(err) || ledger.IsNotFound(err) {
		log.Warn("Acknowledgment does not match the ledger", "error", err)
		return nil
	}
	return err
}

func (h *AckHandler) retry(ctx context.Context, ack types.Ack, log hclog.Logger) error {
	b, err := h.ledger.Get(ctx, h.conn, ack.BatchID, ack.NodeID)
	if err != nil {
		return err
	}
	if !retriesLeft(h.maxRetries, b.SentCount) {
		log.Error("Batch failed too many times, manual intervention required",
			"sent_count", b.SentCount, "failed_row", ack.FailedRowNumber, "error", ack.Message)
		return nil
	}
	log.Warn("Batch failed at destination, resending", "sent_count", b.SentCount,
		"failed_row", ack.FailedRowNumber, "error", ack.Message)
	return h.Resend(ctx, ack.BatchID, ack.NodeID)
}

// Resend puts a batch back into READY_TO_SEND
func (h *AckHandler) Resend(ctx context.Context, batchID int64, nodeID string) error {
	return h.ledger.Advance(ctx, h.conn, batchID, nodeID, types.StatusReadyToSend, types.BatchStats{})
}

// Run handles acknowledgments from the transport until ctx is done
func (h *AckHandler) Run(ctx context.Context, acks cdc.AckTransport) error {
	backoff := utils.NewTransportBackoff()
	for {
		ack, err := acks.ReceiveAck(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.logger.Error("Failed to receive acknowledgment", "error", err, "retry_in", backoff.GetInterval())
			if backoff.Wait(ctx) != nil {
				return nil
			}
			backoff.IncreaseInterval()
			continue
		}
		backoff.ResetInterval()
		if err := h.HandleAck(ctx, ack); err != nil {
			h.logger.Error("Failed to handle acknowledgment", "batch_id", ack.BatchID, "error", err)
		}
	}
}
