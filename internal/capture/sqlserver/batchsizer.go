package sqlserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	defaultSampleSize       = 100
	defaultBufferFactor     = 0.2 // 20% safety margin
	defaultResampleInterval = 1 * time.Hour
	defaultBatchSize        = 100
	minBatchSize            = 50
	maxBatchSize            = 1000

	// DefaultMaxPayloadSize keeps one capture read within a typical broker
	// message limit
	DefaultMaxPayloadSize = 256 * 1024
)

// BatchSizer sizes CDC reads so one read stays within a payload budget,
// based on the average size of recently captured rows
type BatchSizer struct {
	batchSize        atomic.Int32
	db               *sql.DB
	tableName        string
	maxPayloadSize   int
	sampleSize       int
	bufferFactor     float64
	resampleInterval time.Duration
	logger           hclog.Logger

	lastSampleTime atomic.Int64
	lastSampleSize atomic.Int32
	lastAvgRowSize atomic.Int32
}

// BatchSizerOption allows customizing the BatchSizer
type BatchSizerOption func(*BatchSizer)

// NewBatchSizer creates a new BatchSizer instance
func NewBatchSizer(db *sql.DB, tableName string, maxPayloadSize int, logger hclog.Logger, opts ...BatchSizerOption) *BatchSizer {
	bs := &BatchSizer{
		db:               db,
		tableName:        tableName,
		maxPayloadSize:   maxPayloadSize,
		sampleSize:       defaultSampleSize,
		bufferFactor:     defaultBufferFactor,
		resampleInterval: defaultResampleInterval,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(bs)
	}
	return bs
}

// WithSampleSize sets the number of records to sample
func WithSampleSize(size int) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.sampleSize = size
	}
}

// WithBufferFactor sets the safety margin factor
func WithBufferFactor(factor float64) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.bufferFactor = factor
	}
}

// WithResampleInterval sets how often to recalculate batch size
func WithResampleInterval(interval time.Duration) BatchSizerOption {
	return func(bs *BatchSizer) {
		bs.resampleInterval = interval
	}
}

// Start samples once and then resamples in the background until ctx is done
func (bs *BatchSizer) Start(ctx context.Context) error {
	if err := bs.updateBatchSize(ctx); err != nil {
		return fmt.Errorf("initial batch size calculation failed: %w", err)
	}
	go bs.monitor(ctx)
	return nil
}

// GetBatchSize returns the current calculated batch size
func (bs *BatchSizer) GetBatchSize() int {
	size := bs.batchSize.Load()
	if size <= 0 {
		return defaultBatchSize
	}
	return int(size)
}

// Store updates the current batch size atomically
func (bs *BatchSizer) Store(size int32) {
	if bs.batchSize.Swap(size) != size {
		bs.logger.Info("Batch size updated", "table", bs.tableName, "newSize", size)
	}
}

// updateBatchSize samples the newest change rows and updates the batch size.
// Sampling problems fall back to the default size.
func (bs *BatchSizer) updateBatchSize(ctx context.Context) error {
	query := fmt.Sprintf(`
		SELECT TOP(%d) *
		FROM cdc.dbo_%s_CT
		ORDER BY __$start_lsn DESC, __$seqval DESC
	`, bs.sampleSize, bs.tableName)

	rows, err := bs.db.QueryContext(ctx, query)
	if err != nil {
		bs.logger.Info("Failed to query CDC table, using default size estimation", "table", bs.tableName, "error", err)
		bs.Store(defaultBatchSize)
		return nil
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		bs.logger.Info("Failed to get column types, using default size estimation", "table", bs.tableName, "error", err)
		bs.Store(defaultBatchSize)
		return nil
	}

	var totalSize int64
	var count int32
	for rows.Next() {
		values := make([]any, len(colTypes))
		valuePtrs := make([]any, len(colTypes))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			bs.logger.Debug("Failed to scan row, skipping", "table", bs.tableName, "error", err)
			continue
		}

		record := make(map[string]any, len(colTypes))
		for i, col := range colTypes {
			record[col.Name()] = values[i]
		}
		jsonData, err := json.Marshal(record)
		if err != nil {
			continue
		}
		totalSize += int64(len(jsonData))
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to sample %s: %w", bs.tableName, err)
	}

	if count == 0 {
		bs.Store(defaultBatchSize)
		return nil
	}

	avgSize := float64(totalSize) / float64(count)
	newBatchSize := computeBatchSize(avgSize, bs.bufferFactor, bs.maxPayloadSize)
	bs.Store(newBatchSize)

	bs.lastSampleTime.Store(time.Now().Unix())
	bs.lastSampleSize.Store(count)
	bs.lastAvgRowSize.Store(int32(avgSize))

	bs.logger.Debug("Sample metrics", "table", bs.tableName, "sampleSize", count, "avgSize", avgSize, "newBatchSize", newBatchSize)
	return nil
}

// computeBatchSize fits rows of avgSize bytes plus a safety margin into
// maxPayloadSize, clamped to [minBatchSize, maxBatchSize]
func computeBatchSize(avgSize, bufferFactor float64, maxPayloadSize int) int32 {
	if avgSize <= 0 {
		return defaultBatchSize
	}
	effectiveSize := avgSize * (1 + bufferFactor)
	maxRecords := int32(float64(maxPayloadSize) / effectiveSize)
	switch {
	case maxRecords < minBatchSize:
		return minBatchSize
	case maxRecords > maxBatchSize:
		return maxBatchSize
	}
	return maxRecords
}

func (bs *BatchSizer) monitor(ctx context.Context) {
	ticker := time.NewTicker(bs.resampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := bs.updateBatchSize(ctx); err != nil {
				bs.logger.Error("Failed to update batch size", "table", bs.tableName, "error", err)
			}
		}
	}
}

// BatchSizerMetrics contains current metrics about the batch sizer
type BatchSizerMetrics struct {
	CurrentBatchSize int
	LastSampleTime   time.Time
	LastSampleSize   int32
	AvgRowSize       int32
	MaxPayloadSize   int
	BufferFactor     float64
}

// GetMetrics returns current batch sizing metrics
func (bs *BatchSizer) GetMetrics() BatchSizerMetrics {
	return BatchSizerMetrics{
		CurrentBatchSize: bs.GetBatchSize(),
		LastSampleTime:   time.Unix(bs.lastSampleTime.Load(), 0),
		LastSampleSize:   bs.lastSampleSize.Load(),
		AvgRowSize:       bs.lastAvgRowSize.Load(),
		MaxPayloadSize:   bs.maxPayloadSize,
		BufferFactor:     bs.bufferFactor,
	}
}
