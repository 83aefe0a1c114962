package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/katasec/dstream-replicator/internal/logging"
	"github.com/katasec/dstream-replicator/pkg/cdc"
	"github.com/katasec/dstream-replicator/pkg/types"
)

// Kafka sends batches to "<prefix>-batch-<node>" topics and acknowledgments
// to "<prefix>-ack-<node>" topics. Messages are keyed by channel so batches of
// one channel stay in one partition and keep their order.
type Kafka struct {
	brokers []string
	prefix  string
	nodeID  string

	writer *kafka.Writer

	mu        sync.Mutex
	batches   *kafka.Reader
	ackReader *kafka.Reader
}

// NewKafka creates a kafka transport for the local node
func NewKafka(brokers []string, prefix, nodeID string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka transport needs at least one broker")
	}
	return &Kafka{
		brokers: brokers,
		prefix:  prefix,
		nodeID:  nodeID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}, nil
}

func (k *Kafka) reader(r **kafka.Reader, topic string) *kafka.Reader {
	k.mu.Lock()
	defer k.mu.Unlock()
	if *r == nil {
		*r = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  k.brokers,
			GroupID:  k.prefix + "-" + k.nodeID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  1 * time.Second,
		})
	}
	return *r
}

// Deliver writes the envelope to the target node's batch topic. Broker
// acceptance is reported as ACKNOWLEDGED; the apply result arrives later as
// an Ack.
func (k *Kafka) Deliver(ctx context.Context, env cdc.Envelope) types.DeliveryOutcome {
	msg := kafka.Message{
		Topic: batchTopic(k.prefix, env.TargetNodeID),
		Key:   []byte(env.ChannelID),
		Value: env.Body,
	}
	for key, v := range envelopeHeaders(env) {
		msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(v)})
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		logging.GetLogger().Named("transport").Warn("Kafka delivery failed",
			"batch_id", env.BatchID, "node", env.TargetNodeID, "error", err)
		return types.DeliveryOutcome{Status: types.DeliveryUnreachable, BatchID: env.BatchID, Reason: err.Error()}
	}
	return types.DeliveryOutcome{Status: types.DeliveryAcknowledged, BatchID: env.BatchID}
}

// Receive fetches the next batch for the local node. The offset is committed
// when the envelope is settled.
func (k *Kafka) Receive(ctx context.Context) (cdc.Envelope, error) {
	r := k.reader(&k.batches, batchTopic(k.prefix, k.nodeID))
	m, err := r.FetchMessage(ctx)
	if err != nil {
		return cdc.Envelope{}, err
	}
	env, err := envelopeFromHeaders(kafkaHeaders(m.Headers), m.Value)
	if err != nil {
		_ = r.CommitMessages(ctx, m)
		return cdc.Envelope{}, err
	}
	env.Done = func(ctx context.Context) error { return r.CommitMessages(ctx, m) }
	return env, nil
}

// SendAck writes an acknowledgment to the source node's ack topic
func (k *Kafka) SendAck(ctx context.Context, ack types.Ack) error {
	body, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: ackTopic(k.prefix, ack.SourceNodeID),
		Key:   []byte(ack.ChannelID),
		Value: body,
	})
}

// ReceiveAck reads the next acknowledgment addressed to the local node
func (k *Kafka) ReceiveAck(ctx context.Context) (types.Ack, error) {
	r := k.reader(&k.ackReader, ackTopic(k.prefix, k.nodeID))
	m, err := r.ReadMessage(ctx)
	if err != nil {
		return types.Ack{}, err
	}
	var ack types.Ack
	if err := json.Unmarshal(m.Value, &ack); err != nil {
		return types.Ack{}, fmt.Errorf("failed to decode ack: %w", err)
	}
	return ack, nil
}

// Close flushes the writer and closes the readers
func (k *Kafka) Close() error {
	err := k.writer.Close()
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, r := range []*kafka.Reader{k.batches, k.ackReader} {
		if r != nil {
			if cerr := r.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return err
}

func kafkaHeaders(hs []kafka.Header) map[string]string {
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[h.Key] = string(h.Value)
	}
	return out
}
