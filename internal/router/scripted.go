package router

import (
	"context"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/katasec/dstream-replicator/pkg/types"
)

// Scripted evaluates a CEL expression once per candidate node and routes to
// the nodes for which it is true. Available variables:
//
//	row, old_row   map of upper case column name to value (string or null)
//	node           map with id, group_id and external_id
//	event          INSERT, UPDATE, DELETE, ...
//	table, channel, source_node
//
// Example: row.STORE_ID == node.external_id || node.group_id == "hq"
type Scripted struct{}

func (Scripted) Route(_ context.Context, rc *Context, cfg *types.RouterConfig, rec Record, candidates []types.Node) (types.NodeSet, error) {
	v, err := rc.Cached(cfg.ID, func() (any, error) { return compileScript(cfg.ID, cfg.Expression) })
	if err != nil {
		return nil, err
	}
	prog := v.(cel.Program)

	vars := map[string]any{
		"row":         rec.Row(),
		"old_row":     rec.OldRow(),
		"event":       rec.Change.EventType.String(),
		"table":       rec.Table.TableName,
		"channel":     rec.Change.ChannelID,
		"source_node": rec.Change.SourceNodeID,
	}
	out := types.NewNodeSet()
	for _, n := range candidates {
		vars["node"] = map[string]string{"id": n.ID, "group_id": n.GroupID, "external_id": n.ExternalID}
		res, _, err := prog.Eval(vars)
		if err != nil {
			return nil, configError(cfg.ID, "script failed for node %s: %v", n.ID, err)
		}
		if ok, _ := res.Value().(bool); ok {
			out.Add(n.ID)
		}
	}
	return out, nil
}

func compileScript(routerID, expression string) (cel.Program, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, configError(routerID, "empty script")
	}
	env, err := cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("old_row", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("node", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("event", cel.StringType),
		cel.Variable("table", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("source_node", cel.StringType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, configError(routerID, "%v", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, configError(routerID, "script must evaluate to bool, got %s", ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, configError(routerID, "%v", err)
	}
	return prog, nil
}
