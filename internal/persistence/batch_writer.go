package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"trading-bots/pkg/db"
	"trading-bots/pkg/logging"
)

// Writer applies one tick's mutations atomically.
type Writer interface {
	ApplyMutations(ctx context.Context, cancelIDs []string, orders []db.Order) (db.MutationResult, error)
}

// BatchWriter is the bulk executor: it applies every bot's cancellations and
// new orders for a tick as one grouped write.
type BatchWriter struct {
	writer  Writer
	dryRun  bool
	log     *zap.Logger
	mu      sync.Mutex
	metrics BatchWriterMetrics
}

// BatchWriterMetrics provides statistics about applied batches.
type BatchWriterMetrics struct {
	TotalBatches   uint64    `json:"total_batches"`
	TotalCancelled uint64    `json:"total_cancelled"`
	TotalInserted  uint64    `json:"total_inserted"`
	TotalErrors    uint64    `json:"total_errors"`
	LastBatchSize  int       `json:"last_batch_size"`
	LastFlushTime  time.Time `json:"last_flush_time"`
	DryRun         bool      `json:"dry_run"`
}

// NewBatchWriter creates a bulk executor. With dryRun set the batch is logged
// and nothing is written.
func NewBatchWriter(w Writer, dryRun bool, log *zap.Logger) *BatchWriter {
	return &BatchWriter{
		writer:  w,
		dryRun:  dryRun,
		log:     logging.OrNop(log),
		metrics: BatchWriterMetrics{DryRun: dryRun},
	}
}

// Apply cancels cancelIDs and inserts orders. An empty half is skipped; when
// both are empty nothing is written.
func (bw *BatchWriter) Apply(ctx context.Context, cancelIDs []string, orders []db.Order) (db.MutationResult, error) {
	if len(cancelIDs) == 0 && len(orders) == 0 {
		return db.MutationResult{}, nil
	}

	size := len(cancelIDs) + len(orders)
	bw.mu.Lock()
	bw.metrics.LastBatchSize = size
	bw.metrics.LastFlushTime = time.Now()
	bw.mu.Unlock()
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)

	if bw.dryRun {
		bw.log.Info("dry run, batch not written",
			zap.Int("cancel", len(cancelIDs)),
			zap.Int("insert", len(orders)),
			zap.Strings("cancel_ids", cancelIDs))
		for _, o := range orders {
			bw.log.Debug("dry run order",
				zap.String("bot_id", o.BotID),
				zap.String("stock_id", o.StockID),
				zap.String("side", o.Side),
				zap.Int64("qty", o.Qty),
				zap.Int64("reserved", o.Reserved))
		}
		return db.MutationResult{}, nil
	}

	res, err := bw.writer.ApplyMutations(ctx, cancelIDs, orders)
	if err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		bw.log.Error("batch write failed, rolled back",
			zap.Int("cancel", len(cancelIDs)),
			zap.Int("insert", len(orders)),
			zap.Error(err))
		return res, err
	}

	atomic.AddUint64(&bw.metrics.TotalCancelled, uint64(res.Cancelled))
	atomic.AddUint64(&bw.metrics.TotalInserted, uint64(res.Inserted))
	bw.log.Info("batch written",
		zap.Int64("cancelled", res.Cancelled),
		zap.Int64("inserted", res.Inserted),
		zap.Int64("refunded", res.Refunded),
		zap.Int64("debited", res.Debited))
	return res, nil
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.mu.Lock()
	last, at := bw.metrics.LastBatchSize, bw.metrics.LastFlushTime
	bw.mu.Unlock()
	return BatchWriterMetrics{
		TotalBatches:   atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalCancelled: atomic.LoadUint64(&bw.metrics.TotalCancelled),
		TotalInserted:  atomic.LoadUint64(&bw.metrics.TotalInserted),
		TotalErrors:    atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize:  last,
		LastFlushTime:  at,
		DryRun:         bw.dryRun,
	}
}
