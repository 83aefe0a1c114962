// Package sqlserver feeds the change log from native SQL Server CDC change
// tables. A ChannelMonitor reads every table of a channel each round, merges
// the slices in commit order and appends them in the same transaction that
// moves the tables' LSN checkpoints.
package sqlserver

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-replicator/internal/capture"
	"github.com/katasec/dstream-replicator/internal/db"
	"github.com/katasec/dstream-replicator/internal/logging"
	"github.com/katasec/dstream-replicator/pkg/types"
)

// TableMonitor reads the change table of one CDC enabled table
type TableMonitor struct {
	dbConn        *sql.DB
	store         *capture.Store
	tableName     string
	channelID     string
	nodeID        string
	checkpointMgr *CheckpointManager
	batchSizer    *BatchSizer
	table         *types.TableVersion
	lastLSN       []byte
	lastSeq       []byte
	logger        hclog.Logger
}

// NewTableMonitor initializes a TableMonitor. Column metadata is read when
// monitoring starts.
func NewTableMonitor(dbConn *sql.DB, store *capture.Store, tableName, channelID, nodeID string, logger hclog.Logger) *TableMonitor {
	logger = logging.OrDefault(logger, "capture").With("table", tableName)
	return &TableMonitor{
		dbConn:        dbConn,
		store:         store,
		tableName:     tableName,
		channelID:     channelID,
		nodeID:        nodeID,
		checkpointMgr: NewCheckpointManager(dbConn, tableName, logger),
		batchSizer:    NewBatchSizer(dbConn, tableName, DefaultMaxPayloadSize, logger),
		logger:        logger,
	}
}

// init loads the checkpoint and freezes the table layout into a table version
func (m *TableMonitor) init(ctx context.Context) error {
	if err := m.checkpointMgr.InitializeCheckpointTable(ctx); err != nil {
		return fmt.Errorf("error initializing checkpoint table: %w", err)
	}
	lsn, seq, err := m.checkpointMgr.LoadLastLSN(ctx)
	if err != nil {
		return fmt.Errorf("error loading last LSN for table %s: %w", m.tableName, err)
	}
	m.lastLSN, m.lastSeq = lsn, seq

	columns, keys, err := db.TableMetadata(ctx, m.dbConn, db.SQLServer{}, "dbo", m.tableName)
	if err != nil {
		return fmt.Errorf("failed to fetch column names for %s: %w", m.tableName, err)
	}
	tv := &types.TableVersion{TableName: m.tableName, Columns: columns, KeyColumns: keys}
	if _, err := m.store.EnsureTableVersion(ctx, m.dbConn, tv); err != nil {
		return err
	}
	m.table = tv
	m.logger.Info("Capturing table", "table_version", tv.ID, "columns", columns, "keys", keys)

	return m.batchSizer.Start(ctx)
}

// capturedChange is a change record with its position in the change table
type capturedChange struct {
	lsn, seq []byte
	record   types.ChangeRecord
}

// tableSlice is one read of a change table. full is set when the read hit the
// row limit, so the table may have more changes right after the slice.
type tableSlice struct {
	changes []capturedChange
	full    bool
}

// fetch reads the next slice of the change table after the current position
func (m *TableMonitor) fetch(ctx context.Context) (tableSlice, error) {
	columnList := "ct.__$start_lsn, ct.__$seqval, ct.__$operation"
	for _, c := range m.table.Columns {
		columnList += ", ct." + db.SQLServer{}.Quote(c)
	}
	limit := m.batchSizer.GetBatchSize()

	// Rows after the last LSN, plus the rest of the last transaction by seqval.
	// Operation 3 (update before image) is not captured.
	query := fmt.Sprintf(`
		SELECT TOP(%d) %s
		FROM cdc.dbo_%s_CT AS ct WITH (NOLOCK)
		WHERE (
			ct.__$start_lsn > @lastLSN
			OR (ct.__$start_lsn = @lastLSN AND ct.__$seqval > @lastSeq)
		)
		AND ct.__$operation IN (1, 2, 4)
		ORDER BY ct.__$start_lsn, ct.__$seqval
	`, limit, columnList, m.tableName)

	rows, err := m.dbConn.QueryContext(ctx, query, sql.Named("lastLSN", m.lastLSN), sql.Named("lastSeq", m.lastSeq))
	if err != nil {
		return tableSlice{}, fmt.Errorf("failed to query CDC table for %s: %w", m.tableName, err)
	}
	defer rows.Close()
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return tableSlice{}, fmt.Errorf("failed to read CDC column types for %s: %w", m.tableName, err)
	}

	var (
		out     tableSlice
		scanned int
		now     = time.Now()
	)
	for rows.Next() {
		var (
			lsn, seq  []byte
			operation int
		)
		values := make([]any, len(m.table.Columns))
		dest := []any{&lsn, &seq, &operation}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return tableSlice{}, fmt.Errorf("failed to scan row: %w", err)
		}
		scanned++

		event, ok := eventType(operation)
		if !ok {
			continue
		}
		row := make(types.Row, len(values))
		for i, v := range values {
			row[i] = columnValue(v, colTypes[i+3].DatabaseTypeName())
		}
		out.changes = append(out.changes, capturedChange{lsn: lsn, seq: seq,
			record: m.changeRecord(event, hex.EncodeToString(lsn), row, now)})
	}
	if err := rows.Err(); err != nil {
		return tableSlice{}, err
	}
	out.full = scanned >= limit
	return out, nil
}

// columnValue converts a scanned column into a row value. Binary columns
// keep their bytes, every other type is stored as text.
func columnValue(v any, dbType string) any {
	switch v := v.(type) {
	case nil:
		return nil
	case []byte:
		switch strings.ToUpper(dbType) {
		case "BINARY", "VARBINARY", "IMAGE", "TIMESTAMP", "ROWVERSION":
			return append([]byte{}, v...)
		case "UNIQUEIDENTIFIER":
			var id mssql.UniqueIdentifier
			if err := id.Scan(v); err == nil {
				return id.String()
			}
		}
		return string(v)
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

// changeRecord builds a change record. The start LSN identifies the source
// transaction.
func (m *TableMonitor) changeRecord(event types.EventType, lsn string, row types.Row, at time.Time) types.ChangeRecord {
	return types.ChangeRecord{
		TableVersionID: m.table.ID,
		EventType:      event,
		RowValues:      row,
		ChannelID:      m.channelID,
		TransactionID:  strings.ToUpper(lsn),
		SourceNodeID:   m.nodeID,
		CapturedAt:     at,
	}
}

// eventType maps a CDC __$operation code
func eventType(op int) (types.EventType, bool) {
	switch op {
	case 2:
		return types.EventInsert, true
	case 3, 4:
		return types.EventUpdate, true
	case 1:
		return types.EventDelete, true
	default:
		return "", false
	}
}

// IsCDCEnabled reports whether change data capture is enabled for a dbo table
func IsCDCEnabled(ctx context.Context, conn *sql.DB, tableName string) bool {
	query := `
		SELECT COUNT(*)
		FROM cdc.change_tables
		WHERE source_object_id = OBJECT_ID(@p1);
	`
	var count int
	_ = conn.QueryRowContext(ctx, query, "dbo."+tableName).Scan(&count)
	return count > 0
}
