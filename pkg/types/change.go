package types

import (
	"fmt"
	"strings"
	"time"
)

// EventType represents the kind of row mutation captured in the change log
type EventType string

const (
	// EventInsert represents a new row being added
	EventInsert EventType = "I"
	// EventUpdate represents a row being modified
	EventUpdate EventType = "U"
	// EventDelete represents a row being removed
	EventDelete EventType = "D"
	// EventReload carries a full row image produced by a table reload
	EventReload EventType = "R"
	// EventSQL carries a raw SQL statement in the first row value
	EventSQL EventType = "S"
	// EventCreate carries DDL in the first row value
	EventCreate EventType = "C"
	// EventBulkConfig marks a configuration bundle, ignored by the data loader
	EventBulkConfig EventType = "B"
)

// ParseEventType converts the persisted single letter code into an EventType
func ParseEventType(code string) (EventType, error) {
	e := EventType(strings.ToUpper(strings.TrimSpace(code)))
	switch e {
	case EventInsert, EventUpdate, EventDelete, EventReload, EventSQL, EventCreate, EventBulkConfig:
		return e, nil
	}
	return "", fmt.Errorf("unknown event type %q", code)
}

// String returns a readable name for logs
func (e EventType) String() string {
	switch e {
	case EventInsert:
		return "INSERT"
	case EventUpdate:
		return "UPDATE"
	case EventDelete:
		return "DELETE"
	case EventReload:
		return "RELOAD"
	case EventSQL:
		return "SQL"
	case EventCreate:
		return "CREATE"
	case EventBulkConfig:
		return "BULK_CONFIG"
	}
	return string(e)
}

// IsDML reports whether the event mutates a single row identified by its key
func (e EventType) IsDML() bool {
	return e == EventInsert || e == EventUpdate || e == EventDelete || e == EventReload
}

// Row holds column values in TableVersion column order. Values are nil
// (SQL NULL), []byte for binary columns, or the string rendering of
// anything else, the way capture stores them.
type Row []any

// Get returns the value at index i, or nil when the row is shorter
func (r Row) Get(i int) any {
	if i < 0 || i >= len(r) {
		return nil
	}
	return r[i]
}

// String returns the string rendering of value i and whether it was non-null
func (r Row) String(i int) (string, bool) {
	v := r.Get(i)
	if v == nil {
		return "", false
	}
	switch v := v.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return fmt.Sprint(v), true
}

// ChangeRecord is one captured row mutation. It is immutable once created.
type ChangeRecord struct {
	SequenceID       int64
	TableVersionID   int64
	EventType        EventType
	RowValues        Row
	PreviousValues   Row
	PrimaryKeyValues Row
	ChannelID        string
	TransactionID    string
	SourceNodeID     string
	CapturedAt       time.Time
}

// TableVersion is the column and key layout of a table frozen at capture time
type TableVersion struct {
	ID         int64
	TableName  string
	Columns    []string
	KeyColumns []string
	CreatedAt  time.Time
}

// ColumnIndex returns the position of a column (case-insensitive) or -1
func (t *TableVersion) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// RowMap converts a row into a column-name keyed map. Keys are upper case so
// expressions can match columns regardless of how the table was declared.
func (t *TableVersion) RowMap(row Row) map[string]any {
	m := make(map[string]any, len(t.Columns))
	if row == nil {
		return m
	}
	for i, c := range t.Columns {
		m[strings.ToUpper(c)] = row.Get(i)
	}
	return m
}

// KeyValues returns the primary key values of a record. Records that do not
// carry explicit key values get them from the previous image (for updates and
// deletes) or the current row image.
func (t *TableVersion) KeyValues(rec *ChangeRecord) Row {
	if len(rec.PrimaryKeyValues) > 0 {
		return rec.PrimaryKeyValues
	}
	src := rec.RowValues
	if len(rec.PreviousValues) > 0 && (rec.EventType == EventUpdate || rec.EventType == EventDelete) {
		src = rec.PreviousValues
	}
	keys := make(Row, len(t.KeyColumns))
	for i, k := range t.KeyColumns {
		keys[i] = src.Get(t.ColumnIndex(k))
	}
	return keys
}
