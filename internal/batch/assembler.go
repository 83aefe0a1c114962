// Package batch groups routed change records into outgoing batches.
package batch

import (
	"sort"

	"github.com/katasec/dstream-replicator/pkg/types"
)

type openBatch struct {
	sequenceIDs []int64
	lastTx      string
}

// Assembler keeps one open batch per destination node for a single channel.
// It is owned by the channel's routing worker and is not safe for concurrent
// use.
type Assembler struct {
	channel types.Channel

	open      map[string]*openBatch
	finalized []types.OutgoingBatch
	started   map[string]int
	unacked   map[string]int
}

// NewAssembler creates an assembler for one channel
func NewAssembler(channel types.Channel) *Assembler {
	return &Assembler{
		channel: channel,
		open:    make(map[string]*openBatch),
		started: make(map[string]int),
		unacked: make(map[string]int),
	}
}

// SetUnacked tells the assembler how many batches of the channel are already
// waiting for an acknowledgment from a node
func (a *Assembler) SetUnacked(nodeID string, n int) { a.unacked[nodeID] = n }

// HasCapacity reports whether appending n records of source transaction txID
// keeps every node within max batches in flight. A node with nothing in
// flight always admits the group, so a transaction larger than the limit
// still gets routed instead of stalling the channel.
func (a *Assembler) HasCapacity(nodes types.NodeSet, txID string, n int) bool {
	limit := a.channel.MaxBatchesInFlight
	if limit <= 0 {
		return true
	}
	for node := range nodes {
		inFlight := a.unacked[node] + a.started[node]
		if inFlight == 0 {
			continue
		}
		if inFlight+a.newBatches(node, txID, n) > limit {
			return false
		}
	}
	return true
}

// newBatches counts the batches that appending n records would start for a node
func (a *Assembler) newBatches(nodeID, txID string, n int) int {
	size, last := 0, ""
	if ob := a.open[nodeID]; ob != nil {
		size, last = len(ob.sequenceIDs), ob.lastTx
	}
	count := 0
	for i := 0; i < n; i++ {
		if size == 0 || a.cut(size, last, txID) {
			count++
			size = 0
		}
		size++
		last = txID
	}
	return count
}

// cut decides whether an open batch holding size records, the last of which
// belongs to lastTx, must be finalized before a record of txID is appended
func (a *Assembler) cut(size int, lastTx, txID string) bool {
	boundary := !sameTransaction(lastTx, txID)
	full := a.channel.MaxBatchSize > 0 && size >= a.channel.MaxBatchSize
	switch a.channel.BatchAlgorithm {
	case types.BatchNonTransactional:
		return full
	case types.BatchTransactional:
		return boundary
	}
	return full && boundary
}

// Add appends a record to the open batch of every target node, finalizing
// open batches first where the channel's batch algorithm calls for a cut
func (a *Assembler) Add(rec *types.ChangeRecord, nodes types.NodeSet) {
	for _, node := range nodes.Sorted() {
		ob := a.open[node]
		if ob != nil && a.cut(len(ob.sequenceIDs), ob.lastTx, rec.TransactionID) {
			a.finalize(node)
			ob = nil
		}
		if ob == nil {
			ob = &openBatch{}
			a.open[node] = ob
			a.started[node]++
		}
		ob.sequenceIDs = append(ob.sequenceIDs, rec.SequenceID)
		ob.lastTx = rec.TransactionID
	}
}

func (a *Assembler) finalize(node string) {
	ob := a.open[node]
	delete(a.open, node)
	if ob == nil || len(ob.sequenceIDs) == 0 {
		return
	}
	a.finalized = append(a.finalized, types.OutgoingBatch{
		NodeID:      node,
		ChannelID:   a.channel.ID,
		SequenceIDs: ob.sequenceIDs,
		RecordCount: len(ob.sequenceIDs),
	})
}

// Flush finalizes every open batch and returns all batches finalized since
// the last flush. Batches of one node are returned in the order they were
// started.
func (a *Assembler) Flush() []types.OutgoingBatch {
	nodes := make([]string, 0, len(a.open))
	for n := range a.open {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		a.finalize(n)
	}
	out := a.finalized
	a.finalized = nil
	return out
}

// Started returns how many batches were started for a node since the
// assembler was created
func (a *Assembler) Started(nodeID string) int { return a.started[nodeID] }

// sameTransaction treats records without a transaction id as transactions
// of their own
func sameTransaction(a, b string) bool { return a != "" && a == b }
