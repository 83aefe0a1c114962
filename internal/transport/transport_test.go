package transport

import (
	"context"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-replicator/internal/config"
	"github.com/katasec/dstream-replicator/pkg/cdc"
	"github.com/katasec/dstream-replicator/pkg/types"
)

func TestMemoryDeliverReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub := NewHub(4)
	hq, store := hub.Endpoint("hq"), hub.Endpoint("store-1")

	env := cdc.Envelope{SourceNodeID: "hq", TargetNodeID: "store-1", ChannelID: "sales", BatchID: 7, Body: []byte("x")}
	out := hq.Deliver(ctx, env)
	assert.Equal(t, types.DeliveryAcknowledged, out.Status)
	assert.Equal(t, int64(7), out.BatchID)

	got, err := store.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.BatchID, got.BatchID)
	assert.Equal(t, env.Body, got.Body)
	assert.NoError(t, got.Settle(ctx))

	require.NoError(t, store.SendAck(ctx, types.Ack{BatchID: 7, SourceNodeID: "hq", NodeID: "store-1", Status: types.AckOK}))
	ack, err := hq.ReceiveAck(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.AckOK, ack.Status)
	assert.Equal(t, "store-1", ack.NodeID)
}

func TestMemoryUnreachable(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(1)
	hq := hub.Endpoint("hq")
	env := cdc.Envelope{TargetNodeID: "store-1", BatchID: 1}

	hub.SetReachable("store-1", false)
	assert.Equal(t, types.DeliveryUnreachable, hq.Deliver(ctx, env).Status)

	hub.SetReachable("store-1", true)
	assert.Equal(t, types.DeliveryAcknowledged, hq.Deliver(ctx, env).Status)
	assert.Equal(t, types.DeliveryUnreachable, hq.Deliver(ctx, env).Status, "inbox is full")
}

func TestMemoryReceiveHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHub(1).Endpoint("a").Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnvelopeHeaders(t *testing.T) {
	env := cdc.Envelope{SourceNodeID: "hq", TargetNodeID: "s1", ChannelID: "sales", BatchID: 1 << 40}
	var hs []kafka.Header
	for k, v := range envelopeHeaders(env) {
		hs = append(hs, kafka.Header{Key: k, Value: []byte(v)})
	}
	got, err := envelopeFromHeaders(kafkaHeaders(hs), []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, env.BatchID, got.BatchID)
	assert.Equal(t, "sales", got.ChannelID)
	assert.Equal(t, []byte("body"), got.Body)

	_, err = envelopeFromHeaders(map[string]string{}, nil)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	tr, err := New(&config.TransportConfig{Type: "memory"}, "hq")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, tr)

	_, err = New(&config.TransportConfig{Type: "kafka"}, "hq")
	assert.Error(t, err, "kafka needs brokers")

	_, err = New(&config.TransportConfig{Type: "pigeon"}, "hq")
	assert.Error(t, err)

	assert.Equal(t, "replicator-batch-store-1", batchTopic("replicator", "store-1"))
	assert.Equal(t, "replicator-ack-hq", ackTopic("replicator", "hq"))
}
