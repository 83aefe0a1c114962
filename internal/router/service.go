package router

import (
	"context"
	"errors"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-replicator/internal/logging"
	"github.com/katasec/dstream-replicator/pkg/types"
)

// Service routes change records through the configured routers
type Service struct {
	routers  []types.RouterConfig
	registry map[types.RouterType]Router
	logger   hclog.Logger
}

// Option customizes a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(l hclog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRouter registers or replaces the strategy for a router type
func WithRouter(t types.RouterType, r Router) Option {
	return func(s *Service) { s.registry[t] = r }
}

// NewService creates a Service. Routers are evaluated in the given order.
func NewService(routers []types.RouterConfig, opts ...Option) *Service {
	s := &Service{
		routers: routers,
		registry: map[types.RouterType]Router{
			types.RouterAudienceAll: AudienceAll{},
			types.RouterColumnMatch: ColumnMatch{},
			types.RouterLookupTable: LookupTable{},
			types.RouterSubselect:   Subselect{},
			types.RouterScripted:    Scripted{},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger, "router")
	return s
}

// Route returns the nodes that should receive a record. The result is never
// nil; an empty set means the record is routed but not delivered anywhere.
// The record's own source node is never a target.
//
// Routers failing with ErrConfig are skipped for this record and counted in
// rc.Stats. Any other error aborts routing of the record so the caller can
// roll the pass back.
func (s *Service) Route(ctx context.Context, rc *Context, rec Record, candidates []types.Node) (types.NodeSet, error) {
	out := types.NewNodeSet()
	rc.Stats.Records++

	for i := range s.routers {
		cfg := &s.routers[i]
		if !cfg.AppliesTo(rec.Table.TableName) || !cfg.AppliesToEvent(rec.Change.EventType) {
			continue
		}
		nodes := eligible(cfg, rec.Change.SourceNodeID, candidates)
		if len(nodes) == 0 {
			continue
		}
		r, ok := s.registry[cfg.Type]
		if !ok {
			rc.Stats.ConfigErrors++
			s.logger.Error("Unknown router type, skipping", "router", cfg.ID, "type", cfg.Type)
			continue
		}
		matched, err := r.Route(ctx, rc, cfg, rec, nodes)
		if errors.Is(err, ErrConfig) {
			rc.Stats.ConfigErrors++
			s.logger.Error("Router skipped", "router", cfg.ID, "table", rec.Table.TableName,
				"sequence_id", rec.Change.SequenceID, "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if matched.Has(n.ID) {
				out.Add(n.ID)
			}
		}
	}

	if len(out) == 0 {
		rc.Stats.Unrouted++
	}
	return out, nil
}

// eligible filters candidates down to the enabled nodes of the router's
// target group, excluding the node the change came from
func eligible(cfg *types.RouterConfig, sourceNodeID string, candidates []types.Node) []types.Node {
	out := make([]types.Node, 0, len(candidates))
	for _, n := range candidates {
		if !n.Enabled || n.ID == sourceNodeID {
			continue
		}
		if cfg.TargetGroup != "" && n.GroupID != cfg.TargetGroup {
			continue
		}
		out = append(out, n)
	}
	return out
}
