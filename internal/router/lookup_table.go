package router

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/katasec/dstream-replicator/pkg/types"
)

// Lookup table router settings
const (
	settingLookupTable      = "LOOKUP_TABLE"
	settingKeyColumn        = "KEY_COLUMN"
	settingLookupKeyColumn  = "LOOKUP_KEY_COLUMN"
	settingExternalIDColumn = "EXTERNAL_ID_COLUMN"
)

// LookupTable routes through a mapping table of key to node external id.
// The expression holds one setting per line:
//
//	LOOKUP_TABLE=store_routing
//	KEY_COLUMN=STORE_ID
//	LOOKUP_KEY_COLUMN=store_id
//	EXTERNAL_ID_COLUMN=node_external_id
//
// The mapping table is read once per routing pass through the pass
// transaction.
type LookupTable struct{}

type lookupSettings struct {
	table, keyColumn, lookupKeyColumn, externalIDColumn string
}

func (LookupTable) Route(ctx context.Context, rc *Context, cfg *types.RouterConfig, rec Record, candidates []types.Node) (types.NodeSet, error) {
	settings, err := parseLookupSettings(cfg.ID, cfg.Expression)
	if err != nil {
		return nil, err
	}
	v, err := rc.Cached(cfg.ID, func() (any, error) { return loadLookup(ctx, rc, cfg.ID, settings) })
	if err != nil {
		return nil, err
	}
	lookup := v.(map[string][]string)

	raw, ok := rec.value(settings.keyColumn)
	if !ok {
		return nil, configError(cfg.ID, "column %s not found in table %s", settings.keyColumn, rec.Table.TableName)
	}
	out := types.NewNodeSet()
	key, notNull := types.Row{raw}.String(0)
	if !notNull {
		return out, nil
	}
	for _, ext := range lookup[key] {
		for _, n := range candidates {
			if n.ExternalID == ext {
				out.Add(n.ID)
			}
		}
	}
	return out, nil
}

func parseLookupSettings(routerID, expression string) (lookupSettings, error) {
	var s lookupSettings
	for _, line := range strings.FieldsFunc(expression, func(r rune) bool { return r == '\n' || r == '\r' || r == ';' }) {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case settingLookupTable:
			s.table = v
		case settingKeyColumn:
			s.keyColumn = v
		case settingLookupKeyColumn:
			s.lookupKeyColumn = v
		case settingExternalIDColumn:
			s.externalIDColumn = v
		}
	}
	if s.table == "" || s.keyColumn == "" || s.lookupKeyColumn == "" || s.externalIDColumn == "" {
		return s, configError(routerID, "lookup table router needs %s, %s, %s and %s",
			settingLookupTable, settingKeyColumn, settingLookupKeyColumn, settingExternalIDColumn)
	}
	return s, nil
}

func loadLookup(ctx context.Context, rc *Context, routerID string, s lookupSettings) (map[string][]string, error) {
	d := rc.Dialect
	query := fmt.Sprintf("SELECT %s, %s FROM %s ORDER BY %s, %s",
		d.Quote(s.lookupKeyColumn), d.Quote(s.externalIDColumn), d.Quote(s.table),
		d.Quote(s.lookupKeyColumn), d.Quote(s.externalIDColumn))
	out := make(map[string][]string)
	err := rc.query(ctx, routerID, query, nil, func(rows *sql.Rows) error {
		var key, ext sql.NullString
		if err := rows.Scan(&key, &ext); err != nil {
			return fmt.Errorf("failed to scan lookup table %s: %w", s.table, err)
		}
		if key.Valid && ext.Valid {
			out[key.String] = append(out[key.String], ext.String)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
