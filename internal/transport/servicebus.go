package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/katasec/dstream-replicator/internal/logging"
	"github.com/katasec/dstream-replicator/pkg/cdc"
	"github.com/katasec/dstream-replicator/pkg/types"
)

// ServiceBus uses one queue per node for batches ("<prefix>-batch-<node>")
// and one for acknowledgments ("<prefix>-ack-<node>"). Queues must exist.
// The channel travels as the message subject.
type ServiceBus struct {
	client *azservicebus.Client
	prefix string
	nodeID string

	mu        sync.Mutex
	senders   map[string]*azservicebus.Sender
	batches   *azservicebus.Receiver
	ackReader *azservicebus.Receiver
}

// NewServiceBus creates a service bus transport for the local node
func NewServiceBus(connectionString, prefix, nodeID string) (*ServiceBus, error) {
	client, err := azservicebus.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}
	return &ServiceBus{client: client, prefix: prefix, nodeID: nodeID, senders: make(map[string]*azservicebus.Sender)}, nil
}

func (s *ServiceBus) sender(queue string) (*azservicebus.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snd, ok := s.senders[queue]; ok {
		return snd, nil
	}
	snd, err := s.client.NewSender(queue, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender for %s: %w", queue, err)
	}
	s.senders[queue] = snd
	return snd, nil
}

func (s *ServiceBus) receiver(r **azservicebus.Receiver, queue string) (*azservicebus.Receiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *r != nil {
		return *r, nil
	}
	rcv, err := s.client.NewReceiverForQueue(queue, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiver for %s: %w", queue, err)
	}
	*r = rcv
	return rcv, nil
}

// Deliver sends the envelope to the target node's batch queue
func (s *ServiceBus) Deliver(ctx context.Context, env cdc.Envelope) types.DeliveryOutcome {
	snd, err := s.sender(batchTopic(s.prefix, env.TargetNodeID))
	if err == nil {
		props := make(map[string]any)
		for k, v := range envelopeHeaders(env) {
			props[k] = v
		}
		subject := env.ChannelID
		err = snd.SendMessage(ctx, &azservicebus.Message{
			Body:                  env.Body,
			Subject:               &subject,
			ApplicationProperties: props,
		}, nil)
	}
	if err != nil {
		logging.GetLogger().Named("transport").Warn("Service bus delivery failed",
			"batch_id", env.BatchID, "node", env.TargetNodeID, "error", err)
		return types.DeliveryOutcome{Status: types.DeliveryUnreachable, BatchID: env.BatchID, Reason: err.Error()}
	}
	return types.DeliveryOutcome{Status: types.DeliveryAcknowledged, BatchID: env.BatchID}
}

// Receive takes the next batch from the local node's queue. The message is
// completed when the envelope is settled.
func (s *ServiceBus) Receive(ctx context.Context) (cdc.Envelope, error) {
	rcv, err := s.receiver(&s.batches, batchTopic(s.prefix, s.nodeID))
	if err != nil {
		return cdc.Envelope{}, err
	}
	m, err := receiveOne(ctx, rcv)
	if err != nil {
		return cdc.Envelope{}, err
	}
	headers := make(map[string]string, len(m.ApplicationProperties))
	for k, v := range m.ApplicationProperties {
		if sv, ok := v.(string); ok {
			headers[k] = sv
		}
	}
	env, err := envelopeFromHeaders(headers, m.Body)
	if err != nil {
		_ = rcv.DeadLetterMessage(ctx, m, nil)
		return cdc.Envelope{}, err
	}
	env.Done = func(ctx context.Context) error { return rcv.CompleteMessage(ctx, m, nil) }
	return env, nil
}

// SendAck sends an acknowledgment to the source node's ack queue
func (s *ServiceBus) SendAck(ctx context.Context, ack types.Ack) error {
	body, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	snd, err := s.sender(ackTopic(s.prefix, ack.SourceNodeID))
	if err != nil {
		return err
	}
	return snd.SendMessage(ctx, &azservicebus.Message{Body: body}, nil)
}

// ReceiveAck takes the next acknowledgment from the local node's ack queue
func (s *ServiceBus) ReceiveAck(ctx context.Context) (types.Ack, error) {
	rcv, err := s.receiver(&s.ackReader, ackTopic(s.prefix, s.nodeID))
	if err != nil {
		return types.Ack{}, err
	}
	m, err := receiveOne(ctx, rcv)
	if err != nil {
		return types.Ack{}, err
	}
	var ack types.Ack
	if err := json.Unmarshal(m.Body, &ack); err != nil {
		_ = rcv.DeadLetterMessage(ctx, m, nil)
		return types.Ack{}, fmt.Errorf("failed to decode ack: %w", err)
	}
	return ack, rcv.CompleteMessage(ctx, m, nil)
}

// Close closes every sender and receiver and the client
func (s *ServiceBus) Close() error {
	ctx := context.Background()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snd := range s.senders {
		_ = snd.Close(ctx)
	}
	for _, r := range []*azservicebus.Receiver{s.batches, s.ackReader} {
		if r != nil {
			_ = r.Close(ctx)
		}
	}
	return s.client.Close(ctx)
}

func receiveOne(ctx context.Context, rcv *azservicebus.Receiver) (*azservicebus.ReceivedMessage, error) {
	for {
		msgs, err := rcv.ReceiveMessages(ctx, 1, nil)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs[0], nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}
