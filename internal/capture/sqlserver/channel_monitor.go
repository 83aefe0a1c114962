package sqlserver

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-replicator/internal/capture"
	"github.com/katasec/dstream-replicator/internal/logging"
	"github.com/katasec/dstream-replicator/internal/utils"
	"github.com/katasec/dstream-replicator/pkg/types"
)

// ChannelMonitor captures the CDC tables of one channel. Every round reads
// the next slice of each table and appends their union in commit order, so a
// source transaction touching several tables lands in the change log as one
// contiguous run.
type ChannelMonitor struct {
	dbConn          *sql.DB
	store           *capture.Store
	tables          []*TableMonitor
	pollInterval    time.Duration
	maxPollInterval time.Duration
	logger          hclog.Logger
}

// NewChannelMonitor creates a monitor for the given tables of a channel
func NewChannelMonitor(dbConn *sql.DB, store *capture.Store, tables []string, channelID, nodeID string,
	pollInterval, maxPollInterval time.Duration, logger hclog.Logger) *ChannelMonitor {
	logger = logging.OrDefault(logger, "capture").With("channel", channelID)
	c := &ChannelMonitor{dbConn: dbConn, store: store, pollInterval: pollInterval, maxPollInterval: maxPollInterval, logger: logger}
	for _, t := range tables {
		c.tables = append(c.tables, NewTableMonitor(dbConn, store, t, channelID, nodeID, logger))
	}
	return c
}

// Run captures changes until ctx is done, polling faster while there is work
func (c *ChannelMonitor) Run(ctx context.Context) error {
	for _, t := range c.tables {
		if err := t.init(ctx); err != nil {
			return err
		}
	}
	backoff := utils.NewBackoffManager(c.pollInterval, c.maxPollInterval)

	for {
		if ctx.Err() != nil {
			c.logger.Info("Stopping monitoring due to context cancellation")
			return nil
		}
		n, err := c.CaptureOnce(ctx)
		switch {
		case err != nil:
			c.logger.Error("Error capturing changes", "error", err)
			backoff.IncreaseInterval()
		case n > 0:
			c.logger.Debug("Changes captured", "changeCount", n)
			backoff.ResetInterval()
		default:
			backoff.IncreaseInterval()
			c.logger.Trace("No changes found", "nextPollIn", backoff.GetInterval())
		}
		if backoff.Wait(ctx) != nil {
			return nil
		}
	}
}

// CaptureOnce reads the next slice of every table and appends the merged
// changes to the change log. Returns the number of captured records.
func (c *ChannelMonitor) CaptureOnce(ctx context.Context) (int, error) {
	slices := make([]tableSlice, len(c.tables))
	for i, t := range c.tables {
		s, err := t.fetch(ctx)
		if err != nil {
			return 0, err
		}
		slices[i] = s
	}
	merged, positions := mergeSlices(slices)
	if len(merged) == 0 {
		return 0, nil
	}

	records := make([]types.ChangeRecord, len(merged))
	for i, m := range merged {
		records[i] = m.record
	}
	tx, err := c.dbConn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := c.store.Append(ctx, tx, records); err != nil {
		return 0, err
	}
	for i, pos := range positions {
		if pos == nil {
			continue
		}
		if err := c.tables[i].checkpointMgr.SaveLastLSN(ctx, tx, pos.lsn, pos.seq); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit captured changes: %w", err)
	}
	for i, pos := range positions {
		if pos != nil {
			c.tables[i].lastLSN, c.tables[i].lastSeq = pos.lsn, pos.seq
		}
	}
	return len(records), nil
}

// mergeSlices orders the changes of all slices by start LSN and seqval. A
// slice that hit its row limit may be missing later changes, so nothing past
// the last LSN of the shortest such slice is taken this round. positions[i]
// is the new read position of table i, nil when it took nothing.
func mergeSlices(slices []tableSlice) ([]capturedChange, []*capturedChange) {
	var horizon []byte
	for _, s := range slices {
		if !s.full || len(s.changes) == 0 {
			continue
		}
		last := s.changes[len(s.changes)-1].lsn
		if horizon == nil || bytes.Compare(last, horizon) < 0 {
			horizon = last
		}
	}

	var merged []capturedChange
	positions := make([]*capturedChange, len(slices))
	for i, s := range slices {
		for j := range s.changes {
			ch := s.changes[j]
			if horizon != nil && bytes.Compare(ch.lsn, horizon) > 0 {
				break
			}
			merged = append(merged, ch)
			positions[i] = &s.changes[j]
		}
	}
	sort.SliceStable(merged, func(a, b int) bool {
		if cmp := bytes.Compare(merged[a].lsn, merged[b].lsn); cmp != 0 {
			return cmp < 0
		}
		return bytes.Compare(merged[a].seq, merged[b].seq) < 0
	})
	return merged, positions
}
