package cdc

import "context"

// Envelope is an encoded batch in transit
type Envelope struct {
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
	ChannelID    string `json:"channel_id"`
	BatchID      int64  `json:"batch_id"`
	Body         []byte `json:"body"`

	// Done settles the message with the underlying broker once the receiver
	// has finished with it. Nil when the transport needs no settlement.
	Done func(ctx context.Context) error `json:"-"`
}

// Settle calls Done when set
func (e Envelope) Settle(ctx context.Context) error {
	if e.Done == nil {
		return nil
	}
	return e.Done(ctx)
}
