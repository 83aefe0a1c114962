package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/katasec/dstream-replicator/internal/db"
	"github.com/katasec/dstream-replicator/pkg/types"
)

// ErrTableVersionNotFound is returned when a change record references an
// unknown table version
var ErrTableVersionNotFound = errors.New("table version not found")

// Store is the SQL backed change log (repl_data) and table version history
// (repl_table_version). It implements cdc.ChangeSource and
// cdc.TableVersionLookup.
type Store struct {
	dialect db.Dialect

	mu       sync.RWMutex
	versions map[int64]*types.TableVersion
}

// NewStore creates a Store for the given dialect
func NewStore(d db.Dialect) *Store {
	return &Store{dialect: d, versions: make(map[int64]*types.TableVersion)}
}

// RegisterTableVersion persists a frozen table layout and returns its id.
// A zero tv.ID gets the next free id.
func (s *Store) RegisterTableVersion(ctx context.Context, q db.DBTX, tv *types.TableVersion) (int64, error) {
	if tv.TableName == "" || len(tv.Columns) == 0 {
		return 0, fmt.Errorf("table version needs a table name and columns")
	}
	if tv.ID == 0 {
		var max sql.NullInt64
		if err := q.QueryRowContext(ctx, "SELECT MAX(table_version_id) FROM "+db.TableTableVersion).Scan(&max); err != nil {
			return 0, fmt.Errorf("failed to allocate table version id: %w", err)
		}
		tv.ID = max.Int64 + 1
	}
	if tv.CreatedAt.IsZero() {
		tv.CreatedAt = time.Now()
	}
	cols, _ := json.Marshal(tv.Columns)
	keys, _ := json.Marshal(tv.KeyColumns)
	_, err := q.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO `+db.TableTableVersion+`
		(table_version_id, table_name, column_names, key_column_names, create_time) VALUES (?, ?, ?, ?, ?)`),
		tv.ID, tv.TableName, string(cols), string(keys), tv.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to register table version for %s: %w", tv.TableName, err)
	}
	cp := *tv
	s.mu.Lock()
	s.versions[tv.ID] = &cp
	s.mu.Unlock()
	return tv.ID, nil
}

// EnsureTableVersion returns the newest version of tv.TableName when its
// columns and keys match tv, and registers tv as a new version otherwise
func (s *Store) EnsureTableVersion(ctx context.Context, q db.DBTX, tv *types.TableVersion) (int64, error) {
	var id sql.NullInt64
	err := q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT MAX(table_version_id) FROM `+db.TableTableVersion+
		` WHERE table_name = ?`), tv.TableName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to look up table versions of %s: %w", tv.TableName, err)
	}
	if id.Valid {
		current, err := s.TableVersion(ctx, q, id.Int64)
		if err != nil {
			return 0, err
		}
		if sameColumns(current.Columns, tv.Columns) && sameColumns(current.KeyColumns, tv.KeyColumns) {
			*tv = *current
			return current.ID, nil
		}
	}
	tv.ID = 0
	return s.RegisterTableVersion(ctx, q, tv)
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// TableVersion looks up a table version by id. Versions are immutable, so
// they are cached for the lifetime of the Store.
func (s *Store) TableVersion(ctx context.Context, q db.DBTX, id int64) (*types.TableVersion, error) {
	s.mu.RLock()
	tv, ok := s.versions[id]
	s.mu.RUnlock()
	if ok {
		return tv, nil
	}

	var (
		name, cols, keys string
		created          int64
	)
	err := q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT table_name, column_names, key_column_names, create_time
		FROM `+db.TableTableVersion+` WHERE table_version_id = ?`), id).Scan(&name, &cols, &keys, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrTableVersionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load table version %d: %w", id, err)
	}
	tv = &types.TableVersion{ID: id, TableName: name, CreatedAt: time.UnixMilli(created)}
	if err := json.Unmarshal([]byte(cols), &tv.Columns); err != nil {
		return nil, fmt.Errorf("table version %d: bad column list: %w", id, err)
	}
	if err := json.Unmarshal([]byte(keys), &tv.KeyColumns); err != nil {
		return nil, fmt.Errorf("table version %d: bad key list: %w", id, err)
	}
	s.mu.Lock()
	s.versions[id] = tv
	s.mu.Unlock()
	return tv, nil
}

// Append writes change records to the log in slice order and returns the
// assigned sequence ids. Callers own the transaction.
func (s *Store) Append(ctx context.Context, q db.DBTX, records []types.ChangeRecord) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	first, err := db.NextValues(ctx, q, s.dialect, db.SequenceData, len(records))
	if err != nil {
		return nil, err
	}
	insert := s.dialect.Rebind(`INSERT INTO ` + db.TableData + `
		(sequence_id, table_version_id, event_type, row_data, old_data, pk_data, channel_id, transaction_id, source_node_id, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	ids := make([]int64, len(records))
	for i := range records {
		r := &records[i]
		if _, err := types.ParseEventType(string(r.EventType)); err != nil {
			return nil, err
		}
		if r.ChannelID == "" {
			return nil, fmt.Errorf("change record for table version %d has no channel", r.TableVersionID)
		}
		captured := r.CapturedAt
		if captured.IsZero() {
			captured = time.Now()
		}
		seq := first + int64(i)
		_, err := q.ExecContext(ctx, insert, seq, r.TableVersionID, string(r.EventType),
			encodeRow(r.RowValues), encodeRow(r.PreviousValues), encodeRow(r.PrimaryKeyValues),
			r.ChannelID, r.TransactionID, r.SourceNodeID, captured.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to append change record: %w", err)
		}
		ids[i] = seq
	}
	return ids, nil
}

// Read returns records of a channel after a sequence id in log order. When the
// limit cuts into a run of records sharing a transaction id, the read is
// extended to the end of that run so a routing pass never ends mid
// transaction.
func (s *Store) Read(ctx context.Context, q db.DBTX, channelID string, afterSequence int64, limit int) ([]types.ChangeRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	records, err := s.readRange(ctx, q, channelID, afterSequence, limit)
	if err != nil || len(records) < limit {
		return records, err
	}
	for {
		last := records[len(records)-1]
		more, err := s.readRange(ctx, q, channelID, last.SequenceID, limit)
		if err != nil {
			return nil, err
		}
		n := 0
		for n < len(more) && more[n].TransactionID == last.TransactionID && last.TransactionID != "" {
			n++
		}
		records = append(records, more[:n]...)
		if n < len(more) || len(more) < limit {
			return records, nil
		}
	}
}

// BatchRecords loads the change records referenced by an outgoing batch in
// batch position order
func (s *Store) BatchRecords(ctx context.Context, q db.DBTX, batchID int64, nodeID string) ([]types.ChangeRecord, error) {
	query := s.dialect.Rebind(`SELECT d.sequence_id, d.table_version_id, d.event_type, d.row_data, d.old_data, d.pk_data,
		d.channel_id, d.transaction_id, d.source_node_id, d.create_time
		FROM ` + db.TableData + ` d
		JOIN ` + db.TableOutgoingRecord + ` r ON r.sequence_id = d.sequence_id
		WHERE r.batch_id = ? AND r.node_id = ?
		ORDER BY r.position`)
	rows, err := q.QueryContext(ctx, query, batchID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load records of batch %d: %w", batchID, err)
	}
	return scanRecords(rows)
}

const selectData = `SELECT sequence_id, table_version_id, event_type, row_data, old_data, pk_data,
	channel_id, transaction_id, source_node_id, create_time FROM ` + db.TableData

func (s *Store) readRange(ctx context.Context, q db.DBTX, channelID string, after int64, limit int) ([]types.ChangeRecord, error) {
	query := s.dialect.Rebind(s.dialect.Limit(selectData+` WHERE channel_id = ? AND sequence_id > ? ORDER BY sequence_id`, limit))
	rows, err := q.QueryContext(ctx, query, channelID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to read change log for channel %s: %w", channelID, err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]types.ChangeRecord, error) {
	defer rows.Close()
	var out []types.ChangeRecord
	for rows.Next() {
		var (
			r                  types.ChangeRecord
			event              string
			row, old, pk       sql.NullString
			txID, sourceNodeID sql.NullString
			created            int64
		)
		if err := rows.Scan(&r.SequenceID, &r.TableVersionID, &event, &row, &old, &pk,
			&r.ChannelID, &txID, &sourceNodeID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}
		et, err := types.ParseEventType(event)
		if err != nil {
			return nil, fmt.Errorf("change record %d: %w", r.SequenceID, err)
		}
		r.EventType = et
		r.TransactionID = txID.String
		r.SourceNodeID = sourceNodeID.String
		r.CapturedAt = time.UnixMilli(created)
		if r.RowValues, err = decodeRow(row); err != nil {
			return nil, fmt.Errorf("change record %d: %w", r.SequenceID, err)
		}
		if r.PreviousValues, err = decodeRow(old); err != nil {
			return nil, fmt.Errorf("change record %d: %w", r.SequenceID, err)
		}
		if r.PrimaryKeyValues, err = decodeRow(pk); err != nil {
			return nil, fmt.Errorf("change record %d: %w", r.SequenceID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// encodeRow stores values as a JSON array in the portable row form
func encodeRow(row types.Row) any {
	if row == nil {
		return nil
	}
	b, _ := json.Marshal(row.Portable())
	return string(b)
}

func decodeRow(v sql.NullString) (types.Row, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var vals []any
	if err := json.Unmarshal([]byte(v.String), &vals); err != nil {
		return nil, fmt.Errorf("bad row data: %w", err)
	}
	row, err := types.RowFromPortable(vals)
	if err != nil {
		return nil, fmt.Errorf("bad row data: %w", err)
	}
	return row, nil
}
