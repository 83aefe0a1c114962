package router

import (
	"context"
	"regexp"
	"strings"

	"github.com/katasec/dstream-replicator/pkg/types"
)

// Tokens a column match criterion can compare against
const (
	tokenNodeID      = ":NODE_ID"
	tokenExternalID  = ":EXTERNAL_ID"
	tokenNodeGroupID = ":NODE_GROUP_ID"
	literalNull      = "NULL"
)

var orSplitter = regexp.MustCompile(`(?i)\s+or\s+|\r?\n`)

// criterion is one COLUMN=VALUE or COLUMN!=VALUE alternative
type criterion struct {
	column string
	negate bool
	value  string
}

// ColumnMatch routes on the value of a column. Expressions are alternatives
// joined by " or " or newlines, each of the form
//
//	STORE_ID=:EXTERNAL_ID
//	REGION!=:NODE_GROUP_ID
//	OLD_STATUS=CLOSED
//	PARENT_ID=NULL
//
// A literal on the right routes the record to every candidate when it matches.
// The node tokens route to the candidates whose id, external id or group id
// equals the column value.
type ColumnMatch struct{}

func (ColumnMatch) Route(_ context.Context, rc *Context, cfg *types.RouterConfig, rec Record, candidates []types.Node) (types.NodeSet, error) {
	v, err := rc.Cached(cfg.ID, func() (any, error) { return parseColumnMatch(cfg.ID, cfg.Expression) })
	if err != nil {
		return nil, err
	}
	criteria := v.([]criterion)

	out := types.NewNodeSet()
	for _, c := range criteria {
		raw, ok := rec.value(c.column)
		if !ok {
			return nil, configError(cfg.ID, "column %s not found in table %s", c.column, rec.Table.TableName)
		}
		value, notNull := types.Row{raw}.String(0)
		switch c.value {
		case tokenNodeID, tokenExternalID, tokenNodeGroupID:
			for _, n := range candidates {
				if notNull && (nodeAttr(n, c.value) == value) != c.negate {
					out.Add(n.ID)
				}
			}
		case literalNull:
			if !notNull != c.negate {
				addAll(out, candidates)
			}
		default:
			if notNull && (value == c.value) != c.negate {
				addAll(out, candidates)
			}
		}
	}
	return out, nil
}

func parseColumnMatch(routerID, expression string) ([]criterion, error) {
	var out []criterion
	for _, part := range orSplitter.Split(expression, -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c := criterion{}
		op := "="
		if strings.Contains(part, "!=") {
			op = "!="
			c.negate = true
		}
		col, val, ok := strings.Cut(part, op)
		col, val = strings.TrimSpace(col), strings.TrimSpace(val)
		if !ok || col == "" || val == "" {
			return nil, configError(routerID, "cannot parse column match %q", part)
		}
		c.column = col
		c.value = val
		if strings.HasPrefix(val, ":") || strings.EqualFold(val, literalNull) {
			c.value = strings.ToUpper(val)
			switch c.value {
			case tokenNodeID, tokenExternalID, tokenNodeGroupID, literalNull:
			default:
				return nil, configError(routerID, "unknown token %s", val)
			}
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, configError(routerID, "empty column match expression")
	}
	return out, nil
}

func nodeAttr(n types.Node, token string) string {
	switch token {
	case tokenExternalID:
		return n.ExternalID
	case tokenNodeGroupID:
		return n.GroupID
	}
	return n.ID
}

func addAll(out types.NodeSet, nodes []types.Node) {
	for _, n := range nodes {
		out.Add(n.ID)
	}
}
