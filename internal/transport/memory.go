package transport

import (
	"context"
	"sync"

	"github.com/katasec/dstream-replicator/pkg/cdc"
	"github.com/katasec/dstream-replicator/pkg/types"
)

// DefaultHub connects every in process memory endpoint
var DefaultHub = NewHub(64)

// Hub is an in process network of memory endpoints
type Hub struct {
	mu          sync.Mutex
	buffer      int
	inboxes     map[string]chan cdc.Envelope
	acks        map[string]chan types.Ack
	unreachable map[string]bool
}

// NewHub creates a hub whose endpoints buffer up to buffer messages
func NewHub(buffer int) *Hub {
	return &Hub{
		buffer:      buffer,
		inboxes:     make(map[string]chan cdc.Envelope),
		acks:        make(map[string]chan types.Ack),
		unreachable: make(map[string]bool),
	}
}

// Endpoint returns the transport of a node
func (h *Hub) Endpoint(nodeID string) *Memory {
	return &Memory{hub: h, nodeID: nodeID}
}

// SetReachable simulates a node going offline or coming back
func (h *Hub) SetReachable(nodeID string, reachable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unreachable[nodeID] = !reachable
}

func (h *Hub) inbox(nodeID string) (chan cdc.Envelope, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.inboxes[nodeID]
	if !ok {
		ch = make(chan cdc.Envelope, h.buffer)
		h.inboxes[nodeID] = ch
	}
	return ch, !h.unreachable[nodeID]
}

func (h *Hub) ackbox(nodeID string) chan types.Ack {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.acks[nodeID]
	if !ok {
		ch = make(chan types.Ack, h.buffer)
		h.acks[nodeID] = ch
	}
	return ch
}

// Memory is one node's endpoint on a Hub
type Memory struct {
	hub    *Hub
	nodeID string
}

// Deliver queues the envelope for the target node. A full inbox or an
// unreachable node reports UNREACHABLE.
func (m *Memory) Deliver(ctx context.Context, env cdc.Envelope) types.DeliveryOutcome {
	ch, reachable := m.hub.inbox(env.TargetNodeID)
	if !reachable {
		return types.DeliveryOutcome{Status: types.DeliveryUnreachable, BatchID: env.BatchID, Reason: "node offline"}
	}
	select {
	case ch <- env:
		return types.DeliveryOutcome{Status: types.DeliveryAcknowledged, BatchID: env.BatchID}
	case <-ctx.Done():
		return types.DeliveryOutcome{Status: types.DeliveryUnreachable, BatchID: env.BatchID, Reason: ctx.Err().Error()}
	default:
		return types.DeliveryOutcome{Status: types.DeliveryUnreachable, BatchID: env.BatchID, Reason: "inbox full"}
	}
}

// Receive waits for the next envelope addressed to this node
func (m *Memory) Receive(ctx context.Context) (cdc.Envelope, error) {
	ch, _ := m.hub.inbox(m.nodeID)
	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		return cdc.Envelope{}, ctx.Err()
	}
}

// SendAck queues an acknowledgment for the batch's source node
func (m *Memory) SendAck(ctx context.Context, ack types.Ack) error {
	select {
	case m.hub.ackbox(ack.SourceNodeID) <- ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveAck waits for the next acknowledgment addressed to this node
func (m *Memory) ReceiveAck(ctx context.Context) (types.Ack, error) {
	select {
	case ack := <-m.hub.ackbox(m.nodeID):
		return ack, nil
	case <-ctx.Done():
		return types.Ack{}, ctx.Err()
	}
}

func (m *Memory) Close() error { return nil }
