package push

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-replicator/internal/logging"
	"github.com/katasec/dstream-replicator/internal/payload"
	"github.com/katasec/dstream-replicator/internal/utils"
	"github.com/katasec/dstream-replicator/pkg/cdc"
	"github.com/katasec/dstream-replicator/pkg/types"
)

// Applier applies a decoded payload, normally a *loader.Loader
type Applier interface {
	Apply(ctx context.Context, p *types.IncomingPayload) (*types.IncomingBatch, error)
}

// Receiver takes batches addressed to the local node off the transport,
// applies them and acknowledges the outcome to the source node
type Receiver struct {
	nodeID    string
	applier   Applier
	transport cdc.Transport
	acks      cdc.AckTransport
	logger    hclog.Logger
}

// NewReceiver creates a Receiver for the local node
func NewReceiver(nodeID string, applier Applier, t cdc.Transport, acks cdc.AckTransport, logger hclog.Logger) *Receiver {
	return &Receiver{nodeID: nodeID, applier: applier, transport: t, acks: acks, logger: logging.OrDefault(logger, "receiver")}
}

// Run receives and applies batches until ctx is done
func (r *Receiver) Run(ctx context.Context) error {
	backoff := utils.NewTransportBackoff()
	for {
		env, err := r.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("Failed to receive batch", "error", err, "retry_in", backoff.GetInterval())
			if backoff.Wait(ctx) != nil {
				return nil
			}
			backoff.IncreaseInterval()
			continue
		}
		backoff.ResetInterval()
		if err := r.Handle(ctx, env); err != nil && ctx.Err() == nil {
			r.logger.Error("Failed to handle batch", "batch_id", env.BatchID, "source", env.SourceNodeID, "error", err)
		}
	}
}

// Handle applies one envelope and acknowledges it. The envelope is settled
// once the acknowledgment is sent; on error it is left for redelivery.
func (r *Receiver) Handle(ctx context.Context, env cdc.Envelope) error {
	ack := types.Ack{BatchID: env.BatchID, SourceNodeID: env.SourceNodeID, NodeID: r.nodeID, ChannelID: env.ChannelID}

	p, err := payload.Decode(env.Body)
	switch {
	case err != nil:
		ack.Status = types.AckError
		ack.Message = err.Error()
	case p.Header.TargetNodeID != r.nodeID:
		r.logger.Warn("Dropping batch addressed to another node", "batch_id", env.BatchID, "target", p.Header.TargetNodeID)
		return env.Settle(ctx)
	default:
		b, err := r.applier.Apply(ctx, p)
		if err != nil {
			return err
		}
		ack.StatementCount = b.StatementCount
		ack.FailedRowNumber = b.FailedRowNumber
		ack.Message = b.ErrorMessage
		switch b.Status {
		case types.IncomingOK:
			ack.Status = types.AckOK
		case types.IncomingSkipped:
			ack.Status = types.AckDeferred
		default:
			ack.Status = types.AckError
		}
	}

	if err := r.acks.SendAck(ctx, ack); err != nil {
		return err
	}
	return env.Settle(ctx)
}
