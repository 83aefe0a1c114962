package capture

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-replicator/internal/db/dbtest"
	"github.com/katasec/dstream-replicator/pkg/types"
)

func TestRegisterAndLookupTableVersion(t *testing.T) {
	conn, d := dbtest.Open(t)
	ctx := context.Background()
	store := NewStore(d)

	id, err := store.RegisterTableVersion(ctx, conn, &types.TableVersion{TableName: "item", Columns: []string{"id", "name"}, KeyColumns: []string{"id"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	// a fresh store has an empty cache and must read from the table
	tv, err := NewStore(d).TableVersion(ctx, conn, id)
	require.NoError(t, err)
	assert.Equal(t, "item", tv.TableName)
	assert.Equal(t, []string{"id", "name"}, tv.Columns)
	assert.Equal(t, []string{"id"}, tv.KeyColumns)

	_, err = store.TableVersion(ctx, conn, 42)
	assert.ErrorIs(t, err, ErrTableVersionNotFound)
}

func TestAppendAndReadInOrder(t *testing.T) {
	conn, d := dbtest.Open(t)
	ctx := context.Background()
	store := NewStore(d)

	recs := []types.ChangeRecord{
		{TableVersionID: 1, EventType: types.EventInsert, RowValues: types.Row{"1", nil}, ChannelID: "sales", TransactionID: "tx1"},
		{TableVersionID: 1, EventType: types.EventInsert, RowValues: types.Row{"2", "b"}, ChannelID: "config", TransactionID: "tx1"},
		{TableVersionID: 1, EventType: types.EventUpdate, RowValues: types.Row{"1", "a"}, PreviousValues: types.Row{"1", nil}, ChannelID: "sales", TransactionID: "tx2"},
	}
	ids, err := store.Append(ctx, conn, recs)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	got, err := store.Read(ctx, conn, "sales", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].SequenceID)
	assert.Equal(t, types.Row{"1", nil}, got[0].RowValues)
	assert.Nil(t, got[0].PreviousValues)
	assert.Equal(t, types.EventUpdate, got[1].EventType)
	assert.Equal(t, types.Row{"1", nil}, got[1].PreviousValues)

	got, err = store.Read(ctx, conn, "sales", 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].SequenceID)
}

func TestBinaryValuesRoundTrip(t *testing.T) {
	conn, d := dbtest.Open(t)
	ctx := context.Background()
	store := NewStore(d)

	raw := []byte{0xff, 0x00, 0xfe}
	_, err := store.Append(ctx, conn, []types.ChangeRecord{{TableVersionID: 1, EventType: types.EventInsert,
		RowValues: types.Row{"1", raw, "caf\u00e9"}, PrimaryKeyValues: types.Row{"1"}, ChannelID: "sales", TransactionID: "tx1"}})
	require.NoError(t, err)

	got, err := store.Read(ctx, conn, "sales", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.Row{"1", raw, "caf\u00e9"}, got[0].RowValues)
	assert.Equal(t, types.Row{"1"}, got[0].PrimaryKeyValues)
}

func TestReadExtendsToTransactionBoundary(t *testing.T) {
	conn, d := dbtest.Open(t)
	ctx := context.Background()
	store := NewStore(d)

	var recs []types.ChangeRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, types.ChangeRecord{TableVersionID: 1, EventType: types.EventInsert,
			RowValues: types.Row{fmt.Sprint(i)}, ChannelID: "sales", TransactionID: "big"})
	}
	recs = append(recs, types.ChangeRecord{TableVersionID: 1, EventType: types.EventInsert,
		RowValues: types.Row{"9"}, ChannelID: "sales", TransactionID: "next"})
	_, err := store.Append(ctx, conn, recs)
	require.NoError(t, err)

	got, err := store.Read(ctx, conn, "sales", 0, 2)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for _, r := range got {
		assert.Equal(t, "big", r.TransactionID)
	}
}

func TestAppendRejectsInvalidRecords(t *testing.T) {
	conn, d := dbtest.Open(t)
	store := NewStore(d)

	_, err := store.Append(context.Background(), conn, []types.ChangeRecord{{EventType: "X", ChannelID: "sales"}})
	assert.Error(t, err)

	_, err = store.Append(context.Background(), conn, []types.ChangeRecord{{EventType: types.EventInsert}})
	assert.Error(t, err)
}

func TestEnsureTableVersionReusesMatchingLayout(t *testing.T) {
	conn, d := dbtest.Open(t)
	ctx := context.Background()
	store := NewStore(d)

	first, err := store.EnsureTableVersion(ctx, conn, &types.TableVersion{TableName: "item", Columns: []string{"id", "name"}, KeyColumns: []string{"id"}})
	require.NoError(t, err)

	same, err := NewStore(d).EnsureTableVersion(ctx, conn, &types.TableVersion{TableName: "item", Columns: []string{"ID", "Name"}, KeyColumns: []string{"ID"}})
	require.NoError(t, err)
	assert.Equal(t, first, same)

	tv := &types.TableVersion{TableName: "item", Columns: []string{"id", "name", "price"}, KeyColumns: []string{"id"}}
	next, err := store.EnsureTableVersion(ctx, conn, tv)
	require.NoError(t, err)
	assert.Greater(t, next, first)
	assert.Equal(t, next, tv.ID)
}
