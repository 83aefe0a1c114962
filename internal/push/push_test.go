package push

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-replicator/internal/capture"
	"github.com/katasec/dstream-replicator/internal/db"
	"github.com/katasec/dstream-replicator/internal/db/dbtest"
	"github.com/katasec/dstream-replicator/internal/ledger"
	"github.com/katasec/dstream-replicator/internal/payload"
	"github.com/katasec/dstream-replicator/internal/transport"
	"github.com/katasec/dstream-replicator/pkg/cdc"
	"github.com/katasec/dstream-replicator/pkg/types"
)

type fixture struct {
	conn   *sql.DB
	ledger *ledger.Ledger
	store  *capture.Store
	hub    *transport.Hub
	tv     *types.TableVersion
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, d := dbtest.Open(t)
	f := &fixture{conn: conn, ledger: ledger.New(d), store: capture.NewStore(d), hub: transport.NewHub(16),
		tv: &types.TableVersion{TableName: "item", Columns: []string{"id", "name"}, KeyColumns: []string{"id"}}}
	_, err := f.store.RegisterTableVersion(context.Background(), conn, f.tv)
	require.NoError(t, err)
	return f
}

// readyBatch appends one record per id and creates a READY_TO_SEND batch for node
func (f *fixture) readyBatch(t *testing.T, node string, previous int64, ids ...string) *types.OutgoingBatch {
	t.Helper()
	ctx := context.Background()
	var recs []types.ChangeRecord
	for _, id := range ids {
		recs = append(recs, types.ChangeRecord{TableVersionID: f.tv.ID, EventType: types.EventInsert,
			RowValues: types.Row{id, "n" + id}, ChannelID: "sales", TransactionID: "tx", SourceNodeID: "hq"})
	}
	seqs, err := f.store.Append(ctx, f.conn, recs)
	require.NoError(t, err)
	b := &types.OutgoingBatch{NodeID: node, ChannelID: "sales", SequenceIDs: seqs, PreviousBatchID: previous}
	require.NoError(t, f.ledger.RecordCreated(ctx, f.conn, b))
	require.NoError(t, f.ledger.RecordStatus(ctx, f.conn, b.BatchID, node, types.StatusNew, types.StatusRouted, types.BatchStats{}))
	require.NoError(t, f.ledger.RecordStatus(ctx, f.conn, b.BatchID, node, types.StatusRouted, types.StatusReadyToSend, types.BatchStats{}))
	return b
}

func (f *fixture) status(t *testing.T, b *types.OutgoingBatch) *types.OutgoingBatch {
	t.Helper()
	got, err := f.ledger.Get(context.Background(), f.conn, b.BatchID, b.NodeID)
	require.NoError(t, err)
	return got
}

func TestSendPendingDeliversInBatchOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := newFixture(t)
	first := f.readyBatch(t, "store-1", 0, "1", "2")
	second := f.readyBatch(t, "store-1", first.BatchID, "3")

	s := NewSender(f.conn, f.ledger, f.store, f.hub.Endpoint("hq"), "hq",
		WithBinaryPayloads(true), WithSenderLogger(hclog.NewNullLogger()))
	n, err := s.SendPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, b := range []*types.OutgoingBatch{first, second} {
		got := f.status(t, b)
		assert.Equal(t, types.StatusSent, got.Status)
		assert.Equal(t, 1, got.SentCount)
	}

	store := f.hub.Endpoint("store-1")
	env, err := store.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.BatchID, env.BatchID)
	p, err := payload.Decode(env.Body)
	require.NoError(t, err)
	assert.True(t, p.Header.Binary)
	assert.Equal(t, "hq", p.Header.SourceNodeID)
	require.Len(t, p.Records, 2)
	assert.Equal(t, types.Row{"1", "n1"}, p.Records[0].Change.RowValues)

	env, err = store.Receive(ctx)
	require.NoError(t, err)
	p, err = payload.Decode(env.Body)
	require.NoError(t, err)
	assert.Equal(t, first.BatchID, p.Header.PreviousBatchID)
}

func TestSendPendingStopsChannelOnUnreachableNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.readyBatch(t, "store-1", 0, "1")
	second := f.readyBatch(t, "store-1", first.BatchID, "2")
	f.hub.SetReachable("store-1", false)

	s := NewSender(f.conn, f.ledger, f.store, f.hub.Endpoint("hq"), "hq", WithSenderLogger(hclog.NewNullLogger()))
	n, err := s.SendPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got := f.status(t, first)
	assert.Equal(t, types.StatusReadyToSend, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Zero(t, f.status(t, second).SentCount, "later batches wait for the first one")
}

// flakyRecords fails BatchRecords for the first failures calls
type flakyRecords struct {
	payload.RecordSource
	failures int
}

func (r *flakyRecords) BatchRecords(ctx context.Context, q db.DBTX, batchID int64, nodeID string) ([]types.ChangeRecord, error) {
	if r.failures > 0 {
		r.failures--
		return nil, errors.New("record store unavailable")
	}
	return r.RecordSource.BatchRecords(ctx, q, batchID, nodeID)
}

// rejecting refuses every delivery
type rejecting struct{ *transport.Memory }

func (rejecting) Deliver(_ context.Context, env cdc.Envelope) types.DeliveryOutcome {
	return types.DeliveryOutcome{Status: types.DeliveryRejected, BatchID: env.BatchID, Reason: "payload too large"}
}

func TestSendPendingRetriesFailedBuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.readyBatch(t, "store-1", 0, "1")

	s := NewSender(f.conn, f.ledger, &flakyRecords{RecordSource: f.store, failures: 1}, f.hub.Endpoint("hq"), "hq",
		WithMaxRetries(3), WithSenderLogger(hclog.NewNullLogger()))
	n, err := s.SendPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	got := f.status(t, b)
	assert.Equal(t, types.StatusReadyToSend, got.Status, "a failed build is retried")
	assert.Equal(t, "record store unavailable", got.ErrorMessage)

	n, err = s.SendPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got = f.status(t, b)
	assert.Equal(t, types.StatusSent, got.Status)
	assert.Equal(t, 2, got.SentCount)
}

func TestSendPendingRejectedUntilCeiling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.readyBatch(t, "store-1", 0, "1")

	s := NewSender(f.conn, f.ledger, f.store, rejecting{f.hub.Endpoint("hq")}, "hq",
		WithMaxRetries(2), WithSenderLogger(hclog.NewNullLogger()))
	_, err := s.SendPending(ctx)
	require.NoError(t, err)
	got := f.status(t, b)
	assert.Equal(t, types.StatusReadyToSend, got.Status)
	assert.Equal(t, 1, got.SentCount)

	_, err = s.SendPending(ctx)
	require.NoError(t, err)
	got = f.status(t, b)
	assert.Equal(t, types.StatusError, got.Status, "left in ERROR once the ceiling is reached")
	assert.Equal(t, 2, got.SentCount)
	assert.Equal(t, "rejected: payload too large", got.ErrorMessage)

	n, err := s.SendPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, f.status(t, b).SentCount)
}

func TestSendPendingResendsOverdueBatches(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := newFixture(t)
	b := sentBatch(t, f)

	now := time.Now()
	s := NewSender(f.conn, f.ledger, f.store, f.hub.Endpoint("hq"), "hq", WithMaxRetries(2),
		WithAckTimeout(time.Minute), WithSenderClock(func() time.Time { return now }), WithSenderLogger(hclog.NewNullLogger()))

	n, err := s.SendPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the ack is not overdue yet")
	assert.Equal(t, types.StatusSent, f.status(t, b).Status)

	now = now.Add(2 * time.Minute)
	n, err = s.SendPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got := f.status(t, b)
	assert.Equal(t, types.StatusSent, got.Status)
	assert.Equal(t, 2, got.SentCount)
	env, err := f.hub.Endpoint("store-1").Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.BatchID, env.BatchID)

	now = now.Add(2 * time.Minute)
	_, err = s.SendPending(ctx)
	require.NoError(t, err)
	got = f.status(t, b)
	assert.Equal(t, types.StatusError, got.Status)
	assert.Equal(t, "no acknowledgment after 2 sends", got.ErrorMessage)
}

func sentBatch(t *testing.T, f *fixture) *types.OutgoingBatch {
	t.Helper()
	b := f.readyBatch(t, "store-1", 0, "1")
	ctx := context.Background()
	require.NoError(t, f.ledger.RecordStatus(ctx, f.conn, b.BatchID, "store-1", types.StatusReadyToSend, types.StatusSending, types.BatchStats{IncrementSent: true}))
	require.NoError(t, f.ledger.RecordStatus(ctx, f.conn, b.BatchID, "store-1", types.StatusSending, types.StatusSent, types.BatchStats{}))
	return b
}

func TestAckHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := NewAckHandler(f.conn, f.ledger, 2, hclog.NewNullLogger())
	ack := func(b *types.OutgoingBatch, st types.AckStatus) types.Ack {
		return types.Ack{BatchID: b.BatchID, SourceNodeID: "hq", NodeID: b.NodeID, ChannelID: "sales", Status: st,
			FailedRowNumber: 1, Message: "boom"}
	}

	loaded := sentBatch(t, f)
	require.NoError(t, h.HandleAck(ctx, ack(loaded, types.AckOK)))
	assert.Equal(t, types.StatusLoaded, f.status(t, loaded).Status)
	assert.NoError(t, h.HandleAck(ctx, ack(loaded, types.AckOK)), "duplicate acks are tolerated")

	failed := sentBatch(t, f)
	require.NoError(t, h.HandleAck(ctx, ack(failed, types.AckError)))
	got := f.status(t, failed)
	assert.Equal(t, types.StatusReadyToSend, got.Status, "resent while under the retry ceiling")
	assert.Equal(t, int64(1), got.ErrorRowNumber)

	require.NoError(t, f.ledger.RecordStatus(ctx, f.conn, failed.BatchID, "store-1", types.StatusReadyToSend, types.StatusSending, types.BatchStats{IncrementSent: true}))
	require.NoError(t, h.HandleAck(ctx, ack(failed, types.AckError)))
	got = f.status(t, failed)
	assert.Equal(t, types.StatusError, got.Status, "kept in ERROR once the ceiling is reached")
	assert.Equal(t, "boom", got.ErrorMessage)

	deferred := sentBatch(t, f)
	require.NoError(t, h.HandleAck(ctx, ack(deferred, types.AckDeferred)))
	assert.Equal(t, types.StatusReadyToSend, f.status(t, deferred).Status)

	assert.NoError(t, h.HandleAck(ctx, types.Ack{BatchID: 999, NodeID: "store-1", Status: types.AckOK}))
}

type fakeApplier struct {
	batch *types.IncomingBatch
	err   error
	calls int
}

func (a *fakeApplier) Apply(_ context.Context, p *types.IncomingPayload) (*types.IncomingBatch, error) {
	a.calls++
	return a.batch, a.err
}

func encoded(t *testing.T, target string) cdc.Envelope {
	t.Helper()
	body, err := payload.Encode(&types.IncomingPayload{Header: types.PayloadHeader{BatchID: 5, SourceNodeID: "hq",
		TargetNodeID: target, ChannelID: "sales"}})
	require.NoError(t, err)
	return cdc.Envelope{SourceNodeID: "hq", TargetNodeID: target, ChannelID: "sales", BatchID: 5, Body: body}
}

func TestReceiverAcknowledgesOutcome(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub := transport.NewHub(8)
	hq, store := hub.Endpoint("hq"), hub.Endpoint("store-1")

	tests := []struct {
		status types.IncomingStatus
		want   types.AckStatus
	}{
		{types.IncomingOK, types.AckOK},
		{types.IncomingSkipped, types.AckDeferred},
		{types.IncomingError, types.AckError},
	}
	for _, tt := range tests {
		a := &fakeApplier{batch: &types.IncomingBatch{BatchID: 5, Status: tt.status, StatementCount: 3}}
		r := NewReceiver("store-1", a, store, store, hclog.NewNullLogger())
		require.NoError(t, r.Handle(ctx, encoded(t, "store-1")))
		ack, err := hq.ReceiveAck(ctx)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ack.Status)
		assert.Equal(t, "store-1", ack.NodeID)
		assert.Equal(t, int64(3), ack.StatementCount)
	}
}

func TestReceiverEdgeCases(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub := transport.NewHub(8)
	hq, store := hub.Endpoint("hq"), hub.Endpoint("store-1")

	a := &fakeApplier{err: errors.New("database down")}
	r := NewReceiver("store-1", a, store, store, hclog.NewNullLogger())
	settled := false
	env := encoded(t, "store-1")
	env.Done = func(context.Context) error { settled = true; return nil }
	assert.Error(t, r.Handle(ctx, env))
	assert.False(t, settled, "failed applies are left for redelivery")

	require.NoError(t, r.Handle(ctx, encoded(t, "store-2")))
	assert.Equal(t, 1, a.calls, "batches for other nodes are not applied")

	require.NoError(t, r.Handle(ctx, cdc.Envelope{SourceNodeID: "hq", BatchID: 6, Body: []byte(`{"kind":"header"`)}))
	ack, err := hq.ReceiveAck(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.AckError, ack.Status)
	assert.Equal(t, int64(6), ack.BatchID)
}
