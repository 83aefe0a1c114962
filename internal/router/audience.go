package router

import (
	"context"

	"github.com/katasec/dstream-replicator/pkg/types"
)

// AudienceAll routes every record to every candidate node
type AudienceAll struct{}

func (AudienceAll) Route(_ context.Context, _ *Context, _ *types.RouterConfig, _ Record, candidates []types.Node) (types.NodeSet, error) {
	out := types.NewNodeSet()
	for _, n := range candidates {
		out.Add(n.ID)
	}
	return out, nil
}
