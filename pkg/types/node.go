package types

import (
	"sort"
	"strings"
)

// BatchAlgorithm selects how the batch assembler picks cut points
type BatchAlgorithm string

const (
	// BatchDefault cuts once max batch size is reached, but only on a source
	// transaction boundary
	BatchDefault BatchAlgorithm = "default"
	// BatchTransactional cuts on every source transaction boundary
	BatchTransactional BatchAlgorithm = "transactional"
	// BatchNonTransactional cuts exactly at max batch size
	BatchNonTransactional BatchAlgorithm = "nontransactional"
)

// Channel is an isolated, independently ordered lane of change records
type Channel struct {
	ID                 string
	ProcessingOrder    int
	MaxBatchSize       int
	MaxBatchesInFlight int
	Enabled            bool
	BatchAlgorithm     BatchAlgorithm
}

// CutOnTransactionBoundary reports whether the channel keeps source
// transactions whole inside one batch
func (c *Channel) CutOnTransactionBoundary() bool {
	return c.BatchAlgorithm != BatchNonTransactional
}

// SortChannels orders channels by processing order, then id
func SortChannels(channels []Channel) {
	sort.SliceStable(channels, func(i, j int) bool {
		if channels[i].ProcessingOrder != channels[j].ProcessingOrder {
			return channels[i].ProcessingOrder < channels[j].ProcessingOrder
		}
		return channels[i].ID < channels[j].ID
	})
}

// Node is one participating database instance
type Node struct {
	ID         string
	GroupID    string
	ExternalID string
	Enabled    bool
}

// NodeSet is a deduplicated set of node ids
type NodeSet map[string]struct{}

// NewNodeSet builds a set from ids
func NewNodeSet(ids ...string) NodeSet {
	s := make(NodeSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id into the set
func (s NodeSet) Add(id string) { s[id] = struct{}{} }

// Has reports membership
func (s NodeSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Union adds every id of other into s
func (s NodeSet) Union(other NodeSet) {
	for id := range other {
		s.Add(id)
	}
}

// Sorted returns the ids in ascending order
func (s NodeSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RouterType names a routing strategy
type RouterType string

const (
	RouterAudienceAll RouterType = "audience-all"
	RouterColumnMatch RouterType = "column-match"
	RouterLookupTable RouterType = "lookup-table"
	RouterSubselect   RouterType = "subselect"
	RouterScripted    RouterType = "scripted"
)

// RouterConfig binds a routing strategy to source tables
type RouterConfig struct {
	ID           string
	Type         RouterType
	Tables       []string
	Expression   string
	TargetGroup  string
	SyncOnInsert bool
	SyncOnUpdate bool
	SyncOnDelete bool
}

// AppliesTo reports whether the router is bound to the table
func (r *RouterConfig) AppliesTo(table string) bool {
	if len(r.Tables) == 0 {
		return true
	}
	for _, t := range r.Tables {
		if t == "*" || strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

// AppliesToEvent reports whether the router syncs the given event type.
// Non-DML events are always eligible.
func (r *RouterConfig) AppliesToEvent(e EventType) bool {
	switch e {
	case EventInsert, EventReload:
		return r.SyncOnInsert
	case EventUpdate:
		return r.SyncOnUpdate
	case EventDelete:
		return r.SyncOnDelete
	}
	return true
}
