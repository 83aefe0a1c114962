package sqlserver

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-replicator/pkg/types"
)

func TestEventType(t *testing.T) {
	tests := []struct {
		op   int
		want types.EventType
		ok   bool
	}{
		{1, types.EventDelete, true},
		{2, types.EventInsert, true},
		{3, types.EventUpdate, true},
		{4, types.EventUpdate, true},
		{5, "", false},
	}
	for _, tt := range tests {
		got, ok := eventType(tt.op)
		assert.Equal(t, tt.ok, ok, "op %d", tt.op)
		assert.Equal(t, tt.want, got, "op %d", tt.op)
	}
}

func TestChangeRecord(t *testing.T) {
	m := &TableMonitor{channelID: "sales", nodeID: "hq", logger: hclog.NewNullLogger(),
		table: &types.TableVersion{ID: 7, TableName: "Persons", Columns: []string{"ID", "Name"}, KeyColumns: []string{"ID"}}}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rec := m.changeRecord(types.EventInsert, "0000002a00000100000a", types.Row{"1", nil}, at)
	assert.Equal(t, int64(7), rec.TableVersionID)
	assert.Equal(t, types.Row{"1", nil}, rec.RowValues)
	assert.Equal(t, "0000002A00000100000A", rec.TransactionID)
	assert.Equal(t, "sales", rec.ChannelID)
	assert.Equal(t, "hq", rec.SourceNodeID)
	assert.Equal(t, at, rec.CapturedAt)
}

func TestColumnValue(t *testing.T) {
	raw := []byte{0xff, 0x00, 0xfe}
	got := columnValue(raw, "VARBINARY")
	assert.Equal(t, raw, got)
	raw[0] = 0
	assert.Equal(t, []byte{0xff, 0x00, 0xfe}, got, "binary values are copied out of the scan buffer")

	assert.Equal(t, []byte{1}, columnValue([]byte{1}, "timestamp"))
	assert.Equal(t, "12.50", columnValue([]byte("12.50"), "DECIMAL"))
	assert.Equal(t, "pen", columnValue("pen", "NVARCHAR"))
	assert.Equal(t, "42", columnValue(int64(42), "INT"))
	assert.Equal(t, "true", columnValue(true, "BIT"))
	assert.Nil(t, columnValue(nil, "VARBINARY"))
	assert.Equal(t, "2026-01-02T03:04:05.5Z",
		columnValue(time.Date(2026, 1, 2, 3, 4, 5, 500_000_000, time.UTC), "DATETIME2"))

	// SQL Server sends the first three groups of a uniqueidentifier little endian
	guid := []byte{0x78, 0x56, 0x34, 0x12, 0x34, 0x12, 0x34, 0x12, 0x12, 0x34, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc}
	assert.Equal(t, "12345678-1234-1234-1234-123456789ABC", columnValue(guid, "UNIQUEIDENTIFIER"))
}

// change builds a captured change at a one byte LSN and seqval
func change(table string, lsn, seq byte) capturedChange {
	return capturedChange{lsn: []byte{0, lsn}, seq: []byte{0, seq},
		record: types.ChangeRecord{TransactionID: string(rune('A' + lsn)), RowValues: types.Row{table}}}
}

func order(changes []capturedChange) []string {
	var out []string
	for _, c := range changes {
		out = append(out, c.record.TransactionID+":"+c.record.RowValues[0].(string))
	}
	return out
}

func TestMergeSlicesKeepsTransactionsTogether(t *testing.T) {
	orders := tableSlice{changes: []capturedChange{change("order", 1, 1), change("order", 3, 1)}}
	lines := tableSlice{changes: []capturedChange{change("line", 1, 2), change("line", 1, 3), change("line", 2, 1), change("line", 3, 2)}}

	merged, positions := mergeSlices([]tableSlice{orders, lines})
	assert.Equal(t, []string{"B:order", "B:line", "B:line", "C:line", "D:order", "D:line"}, order(merged))
	require.NotNil(t, positions[0])
	assert.Equal(t, []byte{0, 3}, positions[0].lsn)
	assert.Equal(t, []byte{0, 3}, positions[1].lsn)
	assert.Equal(t, []byte{0, 2}, positions[1].seq)
}

func TestMergeSlicesStopsAtFullSlice(t *testing.T) {
	// the line read hit its limit at LSN 2, it may have more rows of LSN 3
	orders := tableSlice{changes: []capturedChange{change("order", 1, 1), change("order", 3, 1)}}
	lines := tableSlice{changes: []capturedChange{change("line", 1, 2), change("line", 2, 1)}, full: true}
	idle := tableSlice{}

	merged, positions := mergeSlices([]tableSlice{orders, lines, idle})
	assert.Equal(t, []string{"B:order", "B:line", "C:line"}, order(merged))
	assert.Equal(t, []byte{0, 1}, positions[0].lsn, "order LSN 3 waits for the next round")
	assert.Equal(t, []byte{0, 2}, positions[1].lsn)
	assert.Nil(t, positions[2])

	merged, positions = mergeSlices([]tableSlice{idle, idle})
	assert.Empty(t, merged)
	assert.Equal(t, []*capturedChange{nil, nil}, positions)
}

func TestComputeBatchSize(t *testing.T) {
	assert.Equal(t, int32(defaultBatchSize), computeBatchSize(0, 0.2, DefaultMaxPayloadSize))
	assert.Equal(t, int32(maxBatchSize), computeBatchSize(10, 0.2, DefaultMaxPayloadSize))
	assert.Equal(t, int32(minBatchSize), computeBatchSize(100000, 0.2, DefaultMaxPayloadSize))
	// 1000 bytes plus 20% is 1200 bytes per row
	assert.Equal(t, int32(218), computeBatchSize(1000, 0.2, DefaultMaxPayloadSize))
}

func TestBatchSizerDefaults(t *testing.T) {
	bs := NewBatchSizer(nil, "Persons", DefaultMaxPayloadSize, hclog.NewNullLogger(), WithSampleSize(10))
	assert.Equal(t, defaultBatchSize, bs.GetBatchSize())
	bs.Store(300)
	assert.Equal(t, 300, bs.GetMetrics().CurrentBatchSize)
	assert.Equal(t, 10, bs.sampleSize)
}
