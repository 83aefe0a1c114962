package sqlserver

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-replicator/internal/db"
)

var defaultStartLSN = "00000000000000000000"
var defaultStartSEQ = "00000000000000000000"

// Default checkpoint table name
const defaultCheckpointTableName = "repl_cdc_offsets"

// CheckpointManager persists the CDC read position (LSN and seqval) of one
// table
type CheckpointManager struct {
	dbConn          *sql.DB
	tableName       string
	checkpointTable string
	logger          hclog.Logger
}

// NewCheckpointManager initializes a new CheckpointManager
func NewCheckpointManager(dbConn *sql.DB, tableName string, logger hclog.Logger, checkpointTableName ...string) *CheckpointManager {
	cpTable := defaultCheckpointTableName
	if len(checkpointTableName) > 0 && checkpointTableName[0] != "" {
		cpTable = checkpointTableName[0]
	}

	return &CheckpointManager{
		dbConn:          dbConn,
		tableName:       tableName,
		checkpointTable: cpTable,
		logger:          logger,
	}
}

// InitializeCheckpointTable creates the checkpoint table if it does not exist
func (c *CheckpointManager) InitializeCheckpointTable(ctx context.Context) error {
	createQuery := fmt.Sprintf(`
	IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%s')
	BEGIN
		CREATE TABLE %s (
			table_name NVARCHAR(255) PRIMARY KEY,
			last_lsn VARBINARY(10),
			updated_at DATETIME DEFAULT GETDATE(),
			last_seq VARBINARY(10)
		);
	END`, c.checkpointTable, c.checkpointTable)

	if _, err := c.dbConn.ExecContext(ctx, createQuery); err != nil {
		return fmt.Errorf("failed to create %s table: %w", c.checkpointTable, err)
	}
	c.logger.Debug("Initialized checkpoints table", "checkpoint_table", c.checkpointTable)
	return nil
}

// LoadLastLSN retrieves the last known LSN and seqval of the table. A table
// without a checkpoint starts from the beginning of its change table.
func (c *CheckpointManager) LoadLastLSN(ctx context.Context) ([]byte, []byte, error) {
	var lastLSN, lastSeq []byte

	query := fmt.Sprintf("SELECT last_lsn, last_seq FROM %s WITH (NOLOCK) WHERE table_name = @tableName", c.checkpointTable)
	err := c.dbConn.QueryRowContext(ctx, query, sql.Named("tableName", c.tableName)).Scan(&lastLSN, &lastSeq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		lastLSN, _ = hex.DecodeString(defaultStartLSN)
		lastSeq, _ = hex.DecodeString(defaultStartSEQ)
		c.logger.Info("No previous LSN/SEQ, initializing with defaults", "table", c.tableName)
	case err != nil:
		return nil, nil, fmt.Errorf("failed to load LSN/SEQ for %s: %w", c.tableName, err)
	case lastSeq == nil:
		lastSeq, _ = hex.DecodeString(defaultStartSEQ)
	}

	c.logger.Info("Resuming from last LSN", "table", c.tableName, "lsn", hex.EncodeToString(lastLSN), "seq", hex.EncodeToString(lastSeq))
	return lastLSN, lastSeq, nil
}

// SaveLastLSN updates the read position. It runs on q so the position moves
// in the same transaction that appends the captured records.
func (c *CheckpointManager) SaveLastLSN(ctx context.Context, q db.DBTX, newLSN []byte, lastSeq []byte) error {
	upsertQuery := fmt.Sprintf(`
	MERGE INTO %s AS target
	USING (VALUES (@tableName, @lastLSN, GETDATE(), @lastSeq)) AS source (table_name, last_lsn, updated_at, last_seq)
	ON target.table_name = source.table_name
	WHEN MATCHED THEN
		UPDATE SET last_lsn = source.last_lsn, updated_at = source.updated_at, last_seq = source.last_seq
	WHEN NOT MATCHED THEN
		INSERT (table_name, last_lsn, updated_at, last_seq)
		VALUES (source.table_name, source.last_lsn, source.updated_at, source.last_seq);`, c.checkpointTable)

	_, err := q.ExecContext(ctx, upsertQuery,
		sql.Named("tableName", c.tableName),
		sql.Named("lastLSN", newLSN),
		sql.Named("lastSeq", lastSeq),
	)
	if err != nil {
		return fmt.Errorf("failed to save LSN for %s: %w", c.tableName, err)
	}

	c.logger.Debug("Saved new LSN and Seq", "table", c.tableName, "lsn", hex.EncodeToString(newLSN), "seq", hex.EncodeToString(lastSeq))
	return nil
}
