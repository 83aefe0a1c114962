package router

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"

	"github.com/katasec/dstream-replicator/pkg/types"
)

// Subselect routes to the node ids returned by a query run inside the routing
// pass transaction. Column values of the record bind as :COLUMN, previous
// values as :OLD_COLUMN:
//
//	SELECT node_id FROM store_assignment WHERE store_id = :STORE_ID
type Subselect struct{}

type boundQuery struct {
	query  string
	params []string
}

func (Subselect) Route(ctx context.Context, rc *Context, cfg *types.RouterConfig, rec Record, candidates []types.Node) (types.NodeSet, error) {
	v, err := rc.Cached(cfg.ID, func() (any, error) { return parseSubselect(cfg.ID, cfg.Expression) })
	if err != nil {
		return nil, err
	}
	bq := v.(*boundQuery)

	args := make([]any, len(bq.params))
	for i, p := range bq.params {
		val, ok := rec.value(p)
		if !ok {
			return nil, configError(cfg.ID, "bind variable :%s not found in table %s", p, rec.Table.TableName)
		}
		args[i] = val
	}

	selected := types.NewNodeSet()
	err = rc.query(ctx, cfg.ID, rc.Dialect.Rebind(bq.query), args, func(rows *sql.Rows) error {
		var id sql.NullString
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("subselect returned a non node id column: %w", err)
		}
		if id.Valid {
			selected.Add(id.String)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := types.NewNodeSet()
	for _, n := range candidates {
		if selected.Has(n.ID) {
			out.Add(n.ID)
		}
	}
	return out, nil
}

// parseSubselect replaces :NAME bind variables outside string literals with
// ? placeholders. Postgres :: casts are left alone.
func parseSubselect(routerID, expression string) (*boundQuery, error) {
	expression = strings.TrimSpace(expression)
	if !strings.HasPrefix(strings.ToUpper(expression), "SELECT") {
		return nil, configError(routerID, "subselect must be a SELECT statement")
	}
	src := []rune(expression)
	var (
		b       strings.Builder
		params  []string
		inQuote bool
	)
	for i := 0; i < len(src); i++ {
		r := src[i]
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == ':' && !inQuote && i+1 < len(src) && src[i+1] == ':':
			b.WriteString("::")
			i++
		case r == ':' && !inQuote && i+1 < len(src) && isIdentStart(src[i+1]):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			params = append(params, strings.ToUpper(string(src[i+1:j])))
			b.WriteRune('?')
			i = j - 1
		default:
			b.WriteRune(r)
		}
	}
	if inQuote {
		return nil, configError(routerID, "unterminated string literal in subselect")
	}
	return &boundQuery{query: b.String(), params: params}, nil
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }
