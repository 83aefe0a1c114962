package db

import (
	"context"
	"fmt"
	"strings"
)

// GetColumnNames returns the column names of a table in ordinal order
func GetColumnNames(ctx context.Context, q DBTX, d Dialect, schema, tableName string) ([]string, error) {
	cols, _, err := TableMetadata(ctx, q, d, schema, tableName)
	return cols, err
}

// TableMetadata returns the columns (ordinal order) and primary key columns of a table
func TableMetadata(ctx context.Context, q DBTX, d Dialect, schema, tableName string) ([]string, []string, error) {
	if _, ok := d.(SQLite); ok {
		return sqliteTableMetadata(ctx, q, d, tableName)
	}
	if schema == "" {
		schema = "dbo"
		if _, ok := d.(Postgres); ok {
			schema = "public"
		}
	}
	query := d.Rebind(`SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`)
	columns, err := scanStrings(ctx, q, query, schema, tableName)
	if err != nil {
		return nil, nil, err
	}
	keyQuery := d.Rebind(`SELECT k.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS c
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE k
		  ON c.CONSTRAINT_NAME = k.CONSTRAINT_NAME AND c.TABLE_SCHEMA = k.TABLE_SCHEMA AND c.TABLE_NAME = k.TABLE_NAME
		WHERE c.CONSTRAINT_TYPE = 'PRIMARY KEY' AND c.TABLE_SCHEMA = ? AND c.TABLE_NAME = ?
		ORDER BY k.ORDINAL_POSITION`)
	keys, err := scanStrings(ctx, q, keyQuery, schema, tableName)
	if err != nil {
		return nil, nil, err
	}
	if len(columns) == 0 {
		return nil, nil, fmt.Errorf("table %s.%s not found", schema, tableName)
	}
	return columns, keys, nil
}

func sqliteTableMetadata(ctx context.Context, q DBTX, d Dialect, tableName string) ([]string, []string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", d.Quote(tableName)))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var columns []string
	pk := map[int]string{}
	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			defValue any
			pkIndex  int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defValue, &pkIndex); err != nil {
			return nil, nil, err
		}
		columns = append(columns, name)
		if pkIndex > 0 {
			pk[pkIndex] = name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(columns) == 0 {
		return nil, nil, fmt.Errorf("table %s not found", tableName)
	}
	keys := make([]string, 0, len(pk))
	for i := 1; i <= len(pk); i++ {
		keys = append(keys, pk[i])
	}
	return columns, keys, nil
}

func scanStrings(ctx context.Context, q DBTX, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, strings.TrimSpace(s))
	}
	return out, rows.Err()
}
