package escrow

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/internal/metrics"
	"github.com/safar/handiehub/internal/store"
	"github.com/safar/handiehub/internal/tracing"
	"golang.org/x/sync/errgroup"
)

type SweepResult struct {
	Due      int `json:"due"`
	Released int `json:"released"`
	// Skipped escrows were no longer pending release when their turn came,
	// typically because an overlapping sweep or an admin released them.
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// ProcessScheduledReleases releases every pending-release escrow whose
// release date has passed. Each escrow is released in its own transaction
// with its own timeout, at most sweepConcurrency at a time. A failure is
// logged with the escrow id and the sweep moves on; the escrow stays pending
// and is retried by the next run. Only a failure to list due escrows is
// returned as an error.
func (e *Engine) ProcessScheduledReleases(ctx context.Context) (result SweepResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "escrow.sweep")
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	defer func() {
		metrics.ReleaseSweepsTotal.Inc()
		metrics.ReleaseSweepDuration.Observe(time.Since(start).Seconds())
	}()

	logger := logging.L(ctx, e.logger)
	cutoff := e.now()

	var released, skipped, failed atomic.Int64
	var afterID int64

	for {
		due, err := store.ListDueReleases(ctx, e.db, cutoff, afterID, e.sweepBatch)
		if err != nil {
			return result, err
		}
		if len(due) == 0 {
			break
		}
		result.Due += len(due)
		afterID = due[len(due)-1].ID

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.sweepConcurrency)

		for _, item := range due {
			g.Go(func() error {
				itemCtx, cancel := context.WithTimeout(gctx, e.itemTimeout)
				defer cancel()

				_, err := e.ReleaseFunds(itemCtx, item.ID)
				switch {
				case err == nil:
					released.Add(1)
				case errors.Is(err, ErrInvalidEscrowState):
					skipped.Add(1)
					logger.Debug("escrow no longer pending release", "escrow_id", item.ID)
				default:
					failed.Add(1)
					metrics.ReleaseFailuresTotal.Inc()
					logger.Error("failed to release escrow",
						"escrow_id", item.ID,
						"transaction_id", item.TransactionID,
						"seller_id", item.SellerID,
						"error", err,
					)
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(due) < e.sweepBatch || ctx.Err() != nil {
			break
		}
	}

	result.Released = int(released.Load())
	result.Skipped = int(skipped.Load())
	result.Failed = int(failed.Load())

	if result.Due > 0 {
		logger.Info("release sweep finished",
			"due", result.Due,
			"released", result.Released,
			"skipped", result.Skipped,
			"failed", result.Failed,
		)
	}
	return result, ctx.Err()
}
