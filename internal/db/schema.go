package db

import (
	"context"
	"fmt"
)

// Tables owned by the replication core
const (
	TableSequence          = "repl_sequence"
	TableTableVersion      = "repl_table_version"
	TableData              = "repl_data"
	TableChannelCheckpoint = "repl_channel_checkpoint"
	TableOutgoingBatch     = "repl_outgoing_batch"
	TableOutgoingRecord    = "repl_outgoing_batch_record"
	TableIncomingBatch     = "repl_incoming_batch"
)

// Sequence names kept in repl_sequence
const (
	SequenceData  = "data"
	SequenceBatch = "batch"
)

// SchemaStatements returns the DDL for every core table in dependency order.
// Timestamps are stored as unix milliseconds so all dialects scan them alike.
func SchemaStatements(d Dialect) []string {
	id := d.Varchar(128)
	return []string{
		d.CreateTable(TableSequence, fmt.Sprintf(`
			sequence_name %s NOT NULL PRIMARY KEY,
			current_value BIGINT NOT NULL`, d.Varchar(64))),
		d.CreateTable(TableTableVersion, fmt.Sprintf(`
			table_version_id BIGINT NOT NULL PRIMARY KEY,
			table_name %s NOT NULL,
			column_names %s NOT NULL,
			key_column_names %s NOT NULL,
			create_time BIGINT NOT NULL`, d.Varchar(255), d.Text(), d.Text())),
		d.CreateTable(TableData, fmt.Sprintf(`
			sequence_id BIGINT NOT NULL PRIMARY KEY,
			table_version_id BIGINT NOT NULL,
			event_type %s NOT NULL,
			row_data %s,
			old_data %s,
			pk_data %s,
			channel_id %s NOT NULL,
			transaction_id %s,
			source_node_id %s,
			create_time BIGINT NOT NULL`, d.Varchar(1), d.Text(), d.Text(), d.Text(), id, d.Varchar(255), id)),
		d.CreateTable(TableChannelCheckpoint, fmt.Sprintf(`
			channel_id %s NOT NULL PRIMARY KEY,
			last_sequence_id BIGINT NOT NULL,
			update_time BIGINT NOT NULL`, id)),
		d.CreateTable(TableOutgoingBatch, fmt.Sprintf(`
			batch_id BIGINT NOT NULL,
			node_id %s NOT NULL,
			channel_id %s NOT NULL,
			status %s NOT NULL,
			previous_batch_id BIGINT NOT NULL,
			record_count INTEGER NOT NULL,
			sent_count INTEGER NOT NULL,
			error_row_number BIGINT NOT NULL,
			error_message %s,
			create_time BIGINT NOT NULL,
			last_update_time BIGINT NOT NULL,
			PRIMARY KEY (batch_id, node_id)`, id, id, d.Varchar(20), d.Text())),
		d.CreateTable(TableOutgoingRecord, fmt.Sprintf(`
			batch_id BIGINT NOT NULL,
			node_id %s NOT NULL,
			position INTEGER NOT NULL,
			sequence_id BIGINT NOT NULL,
			PRIMARY KEY (batch_id, node_id, position)`, id)),
		d.CreateTable(TableIncomingBatch, fmt.Sprintf(`
			batch_id BIGINT NOT NULL,
			node_id %s NOT NULL,
			attempt INTEGER NOT NULL,
			channel_id %s NOT NULL,
			status %s NOT NULL,
			statement_count BIGINT NOT NULL,
			fallback_insert_count BIGINT NOT NULL,
			fallback_update_count BIGINT NOT NULL,
			missing_delete_count BIGINT NOT NULL,
			failed_row_number BIGINT NOT NULL,
			error_message %s,
			start_time BIGINT NOT NULL,
			end_time BIGINT NOT NULL,
			PRIMARY KEY (batch_id, node_id, attempt)`, id, id, d.Varchar(20), d.Text())),
	}
}

// EnsureSchema creates the core tables when missing and seeds the sequences
func EnsureSchema(ctx context.Context, q DBTX, d Dialect) error {
	for _, stmt := range SchemaStatements(d) {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	for _, name := range []string{SequenceData, SequenceBatch} {
		var n int
		err := q.QueryRowContext(ctx, d.Rebind("SELECT COUNT(*) FROM "+TableSequence+" WHERE sequence_name = ?"), name).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check sequence %s: %w", name, err)
		}
		if n > 0 {
			continue
		}
		if _, err := q.ExecContext(ctx, d.Rebind("INSERT INTO "+TableSequence+" (sequence_name, current_value) VALUES (?, 0)"), name); err != nil {
			return fmt.Errorf("failed to seed sequence %s: %w", name, err)
		}
	}
	return nil
}

// NextValues reserves n consecutive values of a sequence and returns the
// first one. The UPDATE takes a row lock, so callers inside one transaction
// get a contiguous block.
func NextValues(ctx context.Context, q DBTX, d Dialect, name string, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("sequence %s: invalid reservation size %d", name, n)
	}
	res, err := q.ExecContext(ctx, d.Rebind("UPDATE "+TableSequence+" SET current_value = current_value + ? WHERE sequence_name = ?"), n, name)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", name, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return 0, fmt.Errorf("sequence %s is not initialized", name)
	}
	var last int64
	if err := q.QueryRowContext(ctx, d.Rebind("SELECT current_value FROM "+TableSequence+" WHERE sequence_name = ?"), name).Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to read sequence %s: %w", name, err)
	}
	return last - int64(n) + 1, nil
}
