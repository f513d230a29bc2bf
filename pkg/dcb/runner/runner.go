// Package runner provides a polling continuous-projection consumer, for
// the read-model/materialized-view use case that sits on top of the core
// but is not itself part of DCBEngine or ProjectionEngine.
package runner

import (
	"context"
	"time"

	"go-dcbcore/pkg/dcb"
)

// Source is the subset of a store a Runner needs: a batch-scoped scan over
// the log, starting strictly after a cursor.
type Source interface {
	Scan(ctx context.Context, query dcb.Query, after dcb.Cursor, limit int) ([]dcb.Event, error)
}

// ApplyFunc projects a batch of events and persists the resulting cursor.
// It must be idempotent: the runner does not deduplicate, and a crash
// between Apply succeeding and the next poll can redeliver the same batch
// to a checkpoint store that failed to record it.
type ApplyFunc func(ctx context.Context, batch []dcb.Event, next dcb.Cursor) error

// Runner repeatedly scans Source from Start, applying Apply to every
// non-empty batch and idling between empty polls. Callers own where the
// checkpoint cursor is persisted and whether persisting it is made atomic
// with their own projection writes.
type Runner struct {
	Source     Source
	Query      dcb.Query
	Apply      ApplyFunc
	Start      dcb.Cursor
	BatchSize  int
	IdleSleep  time.Duration
	MaxBatches int
	Logger     dcb.Logger
}

// Run polls until ctx is cancelled, Apply returns an error, or MaxBatches
// (if positive) is reached.
func (r *Runner) Run(ctx context.Context) error {
	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = 512
	}
	idleSleep := r.IdleSleep
	if idleSleep <= 0 {
		idleSleep = 200 * time.Millisecond
	}
	logger := r.Logger
	if logger == nil {
		logger = dcb.NoopLogger{}
	}

	cursor := r.Start
	batchCount := 0

	logger.Info("runner starting", "batchSize", batchSize, "idleSleep", idleSleep, "maxBatches", r.MaxBatches)

	for {
		select {
		case <-ctx.Done():
			logger.Info("runner stopped", "reason", "context cancelled")
			return ctx.Err()
		default:
		}

		if r.MaxBatches > 0 && batchCount >= r.MaxBatches {
			logger.Info("runner stopped", "reason", "max batches reached", "processed", batchCount)
			return nil
		}

		batch, err := r.Source.Scan(ctx, r.Query, cursor, batchSize)
		if err != nil {
			logger.Error("scan error", "error", err)
			return err
		}

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				logger.Info("runner stopped", "reason", "context cancelled during idle sleep")
				return ctx.Err()
			case <-time.After(idleSleep):
			}
			continue
		}
		if len(batch) > batchSize {
			batch = batch[:batchSize]
		}

		next := batch[len(batch)-1].Cursor()

		if err := r.Apply(ctx, batch, next); err != nil {
			logger.Error("apply error", "error", err, "eventCount", len(batch))
			return err
		}

		cursor = next
		batchCount++
		logger.Debug("batch processed", "batchCount", batchCount, "eventCount", len(batch))
	}
}
