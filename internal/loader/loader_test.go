package loader

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-replicator/internal/db"
	"github.com/katasec/dstream-replicator/internal/db/dbtest"
	"github.com/katasec/dstream-replicator/internal/ledger"
	"github.com/katasec/dstream-replicator/pkg/types"
)

var itemTable = &types.TableVersion{ID: 1, TableName: "item", Columns: []string{"id", "name", "price"}, KeyColumns: []string{"id"}}

var testClock = time.UnixMilli(1_700_000_000_000)

func setup(t *testing.T, opts ...Option) (*Loader, *sql.DB) {
	t.Helper()
	conn, d := dbtest.Open(t)
	return setupWith(t, conn, d, opts...), conn
}

func setupWith(t *testing.T, conn *sql.DB, d db.Dialect, opts ...Option) *Loader {
	t.Helper()
	dbtest.Exec(t, conn,
		`CREATE TABLE item (id INTEGER PRIMARY KEY, name TEXT NOT NULL, price TEXT)`,
		`CREATE TABLE audit (n INTEGER)`,
		`CREATE TRIGGER item_ai AFTER INSERT ON item BEGIN INSERT INTO audit VALUES (1); END`,
		`CREATE TRIGGER item_au AFTER UPDATE ON item BEGIN INSERT INTO audit VALUES (1); END`,
		`CREATE TRIGGER item_ad AFTER DELETE ON item BEGIN INSERT INTO audit VALUES (1); END`)
	opts = append([]Option{WithLogger(hclog.NewNullLogger()), WithClock(func() time.Time { return testClock })}, opts...)
	return New(conn, d, ledger.New(d, ledger.WithClock(func() time.Time { return testClock })), opts...)
}

func payload(batchID, previous int64, records ...types.ChangeRecord) *types.IncomingPayload {
	p := &types.IncomingPayload{Header: types.PayloadHeader{BatchID: batchID, SourceNodeID: "hq", TargetNodeID: "store-1",
		ChannelID: "sales", PreviousBatchID: previous}}
	for _, r := range records {
		r.TableVersionID = itemTable.ID
		p.Records = append(p.Records, types.PayloadRecord{Table: itemTable, Change: r})
	}
	return p
}

func insert(row ...any) types.ChangeRecord {
	return types.ChangeRecord{EventType: types.EventInsert, RowValues: row}
}

func update(row ...any) types.ChangeRecord {
	return types.ChangeRecord{EventType: types.EventUpdate, RowValues: row}
}

func del(id string) types.ChangeRecord {
	return types.ChangeRecord{EventType: types.EventDelete, RowValues: types.Row{id, "x", nil}}
}

func itemRow(t *testing.T, conn *sql.DB, id int) (name string, price sql.NullString, found bool) {
	t.Helper()
	err := conn.QueryRow(`SELECT name, price FROM item WHERE id = ?`, id).Scan(&name, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return "", price, false
	}
	require.NoError(t, err)
	return name, price, true
}

func count(t *testing.T, conn *sql.DB, query string) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRow(query).Scan(&n))
	return n
}

func TestMissingUpdateAndDelete(t *testing.T) {
	l, conn := setup(t)

	b, err := l.Apply(context.Background(), payload(1, 0, update("5", "pen", "1.50"), del("7")))
	require.NoError(t, err)
	assert.Equal(t, types.IncomingOK, b.Status)
	assert.Equal(t, int64(1), b.FallbackInsertCount)
	assert.Equal(t, int64(1), b.MissingDeleteCount)
	assert.Equal(t, int64(2), b.StatementCount)
	assert.Equal(t, types.ApplyPartialFallback, b.Outcome())

	name, price, found := itemRow(t, conn, 5)
	require.True(t, found)
	assert.Equal(t, "pen", name)
	assert.Equal(t, "1.50", price.String)
	assert.Equal(t, 1, count(t, conn, `SELECT COUNT(*) FROM item`))
}

func TestInsertOnExistingKeyUpdates(t *testing.T) {
	l, conn := setup(t)
	dbtest.Exec(t, conn, `INSERT INTO item VALUES (1, 'old', '1')`)

	b, err := l.Apply(context.Background(), payload(1, 0, insert("1", "new", "2")))
	require.NoError(t, err)
	assert.Equal(t, types.IncomingOK, b.Status)
	assert.Equal(t, int64(1), b.FallbackUpdateCount)

	name, price, _ := itemRow(t, conn, 1)
	assert.Equal(t, "new", name)
	assert.Equal(t, "2", price.String)
	assert.Equal(t, 1, count(t, conn, `SELECT COUNT(*) FROM item`))
}

func TestInsertEmulatedWithoutSavepoints(t *testing.T) {
	l, conn := setup(t, WithSavepoints(false))
	dbtest.Exec(t, conn, `INSERT INTO item VALUES (1, 'old', '1')`)

	b, err := l.Apply(context.Background(), payload(1, 0, insert("1", "new", "2"), insert("2", "fresh", nil)))
	require.NoError(t, err)
	assert.Equal(t, types.IncomingOK, b.Status)
	assert.Equal(t, int64(1), b.FallbackUpdateCount)

	name, _, _ := itemRow(t, conn, 1)
	assert.Equal(t, "new", name)
	_, _, found := itemRow(t, conn, 2)
	assert.True(t, found)
	assert.Equal(t, 2, count(t, conn, `SELECT COUNT(*) FROM item`))
}

func TestBinaryColumnsKeepTheirBytes(t *testing.T) {
	l, conn := setup(t)
	dbtest.Exec(t, conn, `CREATE TABLE item_image (id INTEGER PRIMARY KEY, data BLOB)`)
	image := &types.TableVersion{ID: 2, TableName: "item_image", Columns: []string{"id", "data"}, KeyColumns: []string{"id"}}
	raw := []byte{0xff, 0x00, 0xfe}

	p := &types.IncomingPayload{Header: types.PayloadHeader{BatchID: 1, SourceNodeID: "hq", TargetNodeID: "store-1", ChannelID: "sales"},
		Records: []types.PayloadRecord{{Table: image, Change: types.ChangeRecord{TableVersionID: 2, EventType: types.EventInsert,
			RowValues: types.Row{"1", raw}}}}}
	b, err := l.Apply(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, types.IncomingOK, b.Status)

	var got []byte
	require.NoError(t, conn.QueryRow(`SELECT data FROM item_image WHERE id = 1`).Scan(&got))
	assert.Equal(t, raw, got)
}

func TestDeleteTwice(t *testing.T) {
	l, conn := setup(t)
	dbtest.Exec(t, conn, `INSERT INTO item VALUES (1, 'a', NULL)`)
	ctx := context.Background()

	first, err := l.Apply(ctx, payload(1, 0, del("1")))
	require.NoError(t, err)
	assert.Zero(t, first.MissingDeleteCount)

	second, err := l.Apply(ctx, payload(2, 1, del("1")))
	require.NoError(t, err)
	assert.Equal(t, types.IncomingOK, second.Status)
	assert.Equal(t, int64(1), second.MissingDeleteCount)
}

func TestRedeliveryIsNotReapplied(t *testing.T) {
	l, conn := setup(t)
	ctx := context.Background()
	p := payload(1, 0, insert("1", "a", nil), update("1", "b", nil), insert("2", "c", nil))

	first, err := l.Apply(ctx, p)
	require.NoError(t, err)
	require.Equal(t, types.IncomingOK, first.Status)
	sideEffects := count(t, conn, `SELECT COUNT(*) FROM audit`)
	require.Equal(t, 3, sideEffects)

	second, err := l.Apply(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, sideEffects, count(t, conn, `SELECT COUNT(*) FROM audit`))

	attempts, err := l.ledger.ListIncoming(ctx, conn, "hq", 0)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestFailureRollsBackWholeBatch(t *testing.T) {
	l, conn := setup(t)
	ctx := context.Background()

	b, err := l.Apply(ctx, payload(1, 0, insert("10", "a", nil), update("11", nil, "5"), insert("12", "c", nil)))
	require.NoError(t, err)
	assert.Equal(t, types.IncomingError, b.Status)
	assert.Equal(t, int64(2), b.FailedRowNumber)
	assert.Contains(t, b.ErrorMessage, "fallback insert")
	assert.Equal(t, types.ApplyError, b.Outcome())
	assert.Zero(t, count(t, conn, `SELECT COUNT(*) FROM item`))

	latest, err := l.ledger.LatestIncoming(ctx, conn, 1, "hq")
	require.NoError(t, err)
	assert.Equal(t, types.IncomingError, latest.Status)
	assert.Equal(t, int64(2), latest.FailedRowNumber)

	retry, err := l.Apply(ctx, payload(1, 0, insert("10", "a", nil), update("11", "b", "5"), insert("12", "c", nil)))
	require.NoError(t, err)
	assert.Equal(t, types.IncomingOK, retry.Status)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, 3, count(t, conn, `SELECT COUNT(*) FROM item`))
}

func TestOutOfOrderBatchIsDeferred(t *testing.T) {
	l, conn := setup(t)
	ctx := context.Background()

	b, err := l.Apply(ctx, payload(3, 2, insert("3", "c", nil)))
	require.NoError(t, err)
	assert.Equal(t, types.IncomingSkipped, b.Status)
	assert.Zero(t, count(t, conn, `SELECT COUNT(*) FROM item`))

	b, err = l.Apply(ctx, payload(2, 0, insert("2", "b", nil)))
	require.NoError(t, err)
	require.Equal(t, types.IncomingOK, b.Status)

	b, err = l.Apply(ctx, payload(3, 2, insert("3", "c", nil)))
	require.NoError(t, err)
	assert.Equal(t, types.IncomingOK, b.Status)
	assert.Equal(t, 2, b.Attempt)
	assert.Equal(t, 2, count(t, conn, `SELECT COUNT(*) FROM item`))
}

func TestSQLAndBulkConfigEvents(t *testing.T) {
	l, conn := setup(t)
	dbtest.Exec(t, conn, `INSERT INTO item VALUES (1, 'a', '1')`)

	b, err := l.Apply(context.Background(), payload(1, 0,
		types.ChangeRecord{EventType: types.EventSQL, RowValues: types.Row{`UPDATE item SET price = '9' WHERE id = 1`}},
		types.ChangeRecord{EventType: types.EventBulkConfig, RowValues: types.Row{"{}"}},
	))
	require.NoError(t, err)
	assert.Equal(t, types.IncomingOK, b.Status)
	assert.Equal(t, int64(1), b.StatementCount)
	_, price, _ := itemRow(t, conn, 1)
	assert.Equal(t, "9", price.String)
}

type recorder struct {
	events []string
	cause  error
	cancel context.CancelFunc
	panic  bool
}

func (r *recorder) EarlyCommit(_ context.Context, _ *types.IncomingBatch) {
	r.events = append(r.events, "early")
	if r.cancel != nil {
		r.cancel()
	}
	if r.panic {
		panic("listener bug")
	}
}

func (r *recorder) BatchComplete(_ context.Context, _ *types.IncomingBatch) {
	r.events = append(r.events, "complete")
}

func (r *recorder) BatchCommitted(_ context.Context, _ *types.IncomingBatch) {
	r.events = append(r.events, "committed")
}

func (r *recorder) BatchRolledBack(_ context.Context, _ *types.IncomingBatch, cause error) {
	r.events = append(r.events, "rolledback")
	r.cause = cause
}

func TestListeners(t *testing.T) {
	rec := &recorder{panic: true}
	l, _ := setup(t, WithListeners(rec), WithEarlyCommitThreshold(2))
	ctx := context.Background()

	b, err := l.Apply(ctx, payload(1, 0, insert("1", "a", nil), insert("2", "b", nil), insert("3", "c", nil),
		insert("4", "d", nil), insert("5", "e", nil)))
	require.NoError(t, err)
	assert.Equal(t, types.IncomingOK, b.Status, "listener failures do not affect the batch")
	assert.Equal(t, []string{"early", "early", "complete", "committed"}, rec.events)

	rec.events = nil
	b, err = l.Apply(ctx, payload(2, 1, insert("6", nil, nil)))
	require.NoError(t, err)
	assert.Equal(t, types.IncomingError, b.Status)
	assert.Equal(t, []string{"rolledback"}, rec.events)
	assert.Error(t, rec.cause)
}

func TestCancellationLeavesNoTrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{cancel: cancel}
	l, conn := setup(t, WithListeners(rec), WithEarlyCommitThreshold(1))

	_, err := l.Apply(ctx, payload(1, 0, insert("1", "a", nil), insert("2", "b", nil)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, rec.events, "rolledback")

	assert.Zero(t, count(t, conn, `SELECT COUNT(*) FROM item`))
	assert.Zero(t, count(t, conn, `SELECT COUNT(*) FROM repl_incoming_batch`))
}
