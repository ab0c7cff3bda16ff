// Package release runs the escrow release sweep on a timer.
package release

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/safar/handiehub/internal/escrow"
	"github.com/safar/handiehub/internal/store"
)

// Sweeper is the part of the escrow engine the job drives.
type Sweeper interface {
	ProcessScheduledReleases(ctx context.Context) (escrow.SweepResult, error)
	ReconcileAll(ctx context.Context) ([]store.EscrowDrift, error)
}

var _ Sweeper = (*escrow.Engine)(nil)

// Job sweeps due releases every interval and checks wallet escrow balances
// against the ledger after each sweep. A run that is still going when the
// next tick fires makes that tick a no-op.
type Job struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	busy     atomic.Bool
	runs     atomic.Int64
}

func NewJob(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Job {
	return &Job{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (j *Job) Running() bool {
	return j.running.Load()
}

// Runs is the number of completed sweeps.
func (j *Job) Runs() int64 {
	return j.runs.Load()
}

// Start sweeps once immediately, then on every tick until ctx is done or
// Stop is called. Call in a goroutine.
func (j *Job) Start(ctx context.Context) {
	j.running.Store(true)
	defer j.running.Store(false)

	j.logger.Info("release job started", "interval", j.interval)
	j.RunOnce(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("release job stopped")
			return
		case <-j.stop:
			j.logger.Info("release job stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// Stop ends the loop after the current pass. It is safe to call more than
// once.
func (j *Job) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

// RunOnce performs one sweep and reconciliation pass. It reports false if
// another pass was already in progress.
func (j *Job) RunOnce(ctx context.Context) bool {
	if !j.busy.CompareAndSwap(false, true) {
		j.logger.Warn("release sweep still running, skipping tick")
		return false
	}
	defer j.busy.Store(false)

	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in release job", "panic", fmt.Sprint(r))
		}
	}()

	j.sweep(ctx)
	j.runs.Add(1)
	return true
}

func (j *Job) sweep(ctx context.Context) {
	start := time.Now()
	result, err := j.sweeper.ProcessScheduledReleases(ctx)
	if err != nil {
		j.logger.Error("release sweep failed", "error", err, "released", result.Released)
		return
	}

	level := slog.LevelInfo
	if result.Failed > 0 {
		level = slog.LevelWarn
	}
	j.logger.Log(ctx, level, "release sweep finished",
		"due", result.Due,
		"released", result.Released,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"duration", time.Since(start),
	)

	if _, err := j.sweeper.ReconcileAll(ctx); err != nil {
		j.logger.Error("escrow reconciliation failed", "error", err)
	}
}
