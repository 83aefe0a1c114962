// Package push moves batches between the ledger and the transport: the
// Sender delivers READY_TO_SEND batches, the AckHandler closes them out from
// destination acknowledgments and the Receiver feeds incoming batches to the
// data loader.
package push

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-replicator/internal/ledger"
	"github.com/katasec/dstream-replicator/internal/logging"
	"github.com/katasec/dstream-replicator/internal/payload"
	"github.com/katasec/dstream-replicator/internal/utils"
	"github.com/katasec/dstream-replicator/pkg/cdc"
	"github.com/katasec/dstream-replicator/pkg/types"
)

// Sender delivers pending outgoing batches of the local node
type Sender struct {
	conn      *sql.DB
	ledger    *ledger.Ledger
	records   payload.RecordSource
	transport cdc.Transport
	nodeID    string
	binary    bool
	logger    hclog.Logger

	maxRetries int
	ackTimeout time.Duration
	now        func() time.Time
}

// SenderOption customizes a Sender
type SenderOption func(*Sender)

// WithBinaryPayloads switches payloads to the binary encoding
func WithBinaryPayloads(binary bool) SenderOption {
	return func(s *Sender) { s.binary = binary }
}

// WithMaxRetries caps how often a failing batch is sent before it is left in
// ERROR for an operator; zero means no ceiling
func WithMaxRetries(n int) SenderOption {
	return func(s *Sender) { s.maxRetries = n }
}

// WithAckTimeout resends SENT batches that have not been acknowledged within
// d. Zero waits for acknowledgments forever.
func WithAckTimeout(d time.Duration) SenderOption {
	return func(s *Sender) { s.ackTimeout = d }
}

// WithSenderClock overrides the time source used for ack timeouts
func WithSenderClock(now func() time.Time) SenderOption {
	return func(s *Sender) { s.now = now }
}

// WithSenderLogger sets the logger
func WithSenderLogger(l hclog.Logger) SenderOption {
	return func(s *Sender) { s.logger = l }
}

// NewSender creates a Sender for the local node
func NewSender(conn *sql.DB, lg *ledger.Ledger, records payload.RecordSource, t cdc.Transport, nodeID string, opts ...SenderOption) *Sender {
	s := &Sender{conn: conn, ledger: lg, records: records, transport: t, nodeID: nodeID, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger, "sender")
	return s
}

// SendPending delivers every READY_TO_SEND batch in batch order. Within one
// node and channel, delivery stops at the first batch that does not go
// through so later batches are not sent ahead of it. SENT batches whose
// acknowledgment is overdue are sent again. Returns the number of batches
// handed to the transport.
func (s *Sender) SendPending(ctx context.Context) (int, error) {
	statuses := []types.BatchStatus{types.StatusReadyToSend}
	if s.ackTimeout > 0 {
		statuses = append(statuses, types.StatusSent)
	}
	nodes, err := s.ledger.PendingNodes(ctx, s.conn, statuses...)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, node := range nodes {
		batches, err := s.ledger.FindUnacked(ctx, s.conn, node)
		if err != nil {
			return sent, err
		}
		blocked := make(map[string]bool)
		for i := range batches {
			b := &batches[i]
			if b.Status == types.StatusSent && !blocked[b.ChannelID] {
				if err := s.expire(ctx, b); err != nil {
					return sent, err
				}
			}
			if b.Status != types.StatusReadyToSend || blocked[b.ChannelID] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return sent, err
			}
			ok, err := s.send(ctx, b)
			if err != nil {
				return sent, err
			}
			if ok {
				sent++
			} else {
				blocked[b.ChannelID] = true
			}
		}
	}
	return sent, nil
}

// send delivers one batch and reports whether the transport took it
func (s *Sender) send(ctx context.Context, b *types.OutgoingBatch) (bool, error) {
	log := s.logger.With("batch_id", b.BatchID, "node", b.NodeID, "channel", b.ChannelID)

	err := s.ledger.RecordStatus(ctx, s.conn, b.BatchID, b.NodeID, types.StatusReadyToSend, types.StatusSending, types.BatchStats{IncrementSent: true})
	if ledger.IsConflict(err) {
		log.Debug("Batch picked up elsewhere, skipping", "error", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	header := types.PayloadHeader{BatchID: b.BatchID, SourceNodeID: s.nodeID, TargetNodeID: b.NodeID,
		ChannelID: b.ChannelID, PreviousBatchID: b.PreviousBatchID, Binary: s.binary}
	p, err := payload.Build(ctx, s.conn, s.records, header)
	if err == nil {
		var body []byte
		body, err = payload.Encode(p)
		if err == nil {
			out := s.transport.Deliver(ctx, cdc.Envelope{SourceNodeID: s.nodeID, TargetNodeID: b.NodeID,
				ChannelID: b.ChannelID, BatchID: b.BatchID, Body: body})
			return s.settle(ctx, b, out)
		}
	}
	log.Error("Failed to build payload", "error", err)
	return false, s.fail(ctx, b, b.SentCount+1, err.Error())
}

// settle records the delivery outcome. An ack racing ahead of this update
// may already have moved the batch on, which is not an error.
func (s *Sender) settle(ctx context.Context, b *types.OutgoingBatch, out types.DeliveryOutcome) (bool, error) {
	if out.Status == types.DeliveryRejected {
		s.logger.Warn("Batch rejected by transport", "batch_id", b.BatchID, "node", b.NodeID, "reason", out.Reason)
		return false, s.fail(ctx, b, b.SentCount+1, fmt.Sprintf("rejected: %s", out.Reason))
	}
	to := types.StatusReadyToSend
	if out.Status == types.DeliveryAcknowledged {
		to = types.StatusSent
	}
	err := s.ledger.RecordStatus(ctx, s.conn, b.BatchID, b.NodeID, types.StatusSending, to, types.BatchStats{})
	if err != nil && !ledger.IsConflict(err) {
		return false, err
	}
	if out.Status != types.DeliveryAcknowledged {
		s.logger.Warn("Batch not delivered", "batch_id", b.BatchID, "node", b.NodeID, "status", out.Status, "reason", out.Reason)
		return false, nil
	}
	return true, nil
}

// fail moves a SENDING batch to ERROR and, while it has sends left, straight
// on to READY_TO_SEND so the next round tries again. The error message stays
// on the batch until it loads.
func (s *Sender) fail(ctx context.Context, b *types.OutgoingBatch, sentCount int, message string) error {
	err := s.ledger.RecordStatus(ctx, s.conn, b.BatchID, b.NodeID, types.StatusSending, types.StatusError,
		types.BatchStats{ErrorMessage: message})
	if ledger.IsConflict(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !retriesLeft(s.maxRetries, sentCount) {
		s.logger.Error("Batch failed too many times, manual intervention required", "batch_id", b.BatchID,
			"node", b.NodeID, "sent_count", sentCount, "error", message)
		return nil
	}
	err = s.ledger.RecordStatus(ctx, s.conn, b.BatchID, b.NodeID, types.StatusError, types.StatusReadyToSend, types.BatchStats{})
	if err != nil && !ledger.IsConflict(err) {
		return err
	}
	return nil
}

// expire returns a SENT batch to READY_TO_SEND once its acknowledgment is
// overdue, or to ERROR when it has no sends left. b is updated in place.
func (s *Sender) expire(ctx context.Context, b *types.OutgoingBatch) error {
	if s.ackTimeout <= 0 || s.now().Sub(b.LastUpdateTime) < s.ackTimeout {
		return nil
	}
	to, stats := types.StatusReadyToSend, types.BatchStats{}
	if !retriesLeft(s.maxRetries, b.SentCount) {
		to = types.StatusError
		stats.ErrorMessage = fmt.Sprintf("no acknowledgment after %d sends", b.SentCount)
	}
	err := s.ledger.RecordStatus(ctx, s.conn, b.BatchID, b.NodeID, types.StatusSent, to, stats)
	if ledger.IsConflict(err) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Warn("Acknowledgment overdue", "batch_id", b.BatchID, "node", b.NodeID,
		"sent_count", b.SentCount, "status", to)
	b.Status = to
	return nil
}

// retriesLeft reports whether a batch sent sentCount times may be sent again
func retriesLeft(maxRetries, sentCount int) bool {
	return maxRetries <= 0 || sentCount < maxRetries
}

// Run sends pending batches until ctx is done, polling faster while there is
// work and backing off while idle
func (s *Sender) Run(ctx context.Context, backoff *utils.BackoffManager) error {
	for {
		n, err := s.SendPending(ctx)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err != nil:
			s.logger.Error("Failed to send pending batches", "error", err)
			backoff.IncreaseInterval()
		case n > 0:
			backoff.ResetInterval()
		default:
			backoff.IncreaseInterval()
		}
		if backoff.Wait(ctx) != nil {
			return nil
		}
	}
}
