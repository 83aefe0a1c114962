// Package transport moves encoded batches and acknowledgments between nodes.
package transport

import (
	"fmt"
	"strconv"

	"github.com/katasec/dstream-replicator/internal/config"
	"github.com/katasec/dstream-replicator/pkg/cdc"
)

// Transport carries batches to destination nodes and acknowledgments back
type Transport interface {
	cdc.Transport
	cdc.AckTransport
}

// Envelope metadata keys used as broker message headers
const (
	headerSource  = "replicator-source-node"
	headerTarget  = "replicator-target-node"
	headerChannel = "replicator-channel"
	headerBatch   = "replicator-batch-id"
)

// New creates the transport for the local node from configuration
func New(cfg *config.TransportConfig, nodeID string) (Transport, error) {
	switch cfg.Type {
	case "memory", "":
		return DefaultHub.Endpoint(nodeID), nil
	case "kafka":
		return NewKafka(cfg.Brokers, cfg.TopicPrefix, nodeID)
	case "servicebus":
		return NewServiceBus(cfg.ConnectionString, cfg.TopicPrefix, nodeID)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
}

// batchTopic names the topic or queue holding batches for a node
func batchTopic(prefix, nodeID string) string { return prefix + "-batch-" + nodeID }

// ackTopic names the topic or queue holding acknowledgments for a node
func ackTopic(prefix, nodeID string) string { return prefix + "-ack-" + nodeID }

func envelopeHeaders(env cdc.Envelope) map[string]string {
	return map[string]string{
		headerSource:  env.SourceNodeID,
		headerTarget:  env.TargetNodeID,
		headerChannel: env.ChannelID,
		headerBatch:   strconv.FormatInt(env.BatchID, 10),
	}
}

func envelopeFromHeaders(h map[string]string, body []byte) (cdc.Envelope, error) {
	id, err := strconv.ParseInt(h[headerBatch], 10, 64)
	if err != nil {
		return cdc.Envelope{}, fmt.Errorf("message without a valid %s header: %w", headerBatch, err)
	}
	return cdc.Envelope{
		SourceNodeID: h[headerSource],
		TargetNodeID: h[headerTarget],
		ChannelID:    h[headerChannel],
		BatchID:      id,
		Body:         body,
	}, nil
}
