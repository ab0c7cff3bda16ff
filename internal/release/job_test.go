package release

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/safar/handiehub/internal/escrow"
	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	sweeps     atomic.Int64
	reconciles atomic.Int64
	sweepErr   error
	panicOnce  atomic.Bool
	block      chan struct{}
	entered    chan struct{}
}

func (f *fakeSweeper) ProcessScheduledReleases(ctx context.Context) (escrow.SweepResult, error) {
	f.sweeps.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.panicOnce.CompareAndSwap(true, false) {
		panic("boom")
	}
	return escrow.SweepResult{Due: 2, Released: 2}, f.sweepErr
}

func (f *fakeSweeper) ReconcileAll(ctx context.Context) ([]store.EscrowDrift, error) {
	f.reconciles.Add(1)
	return nil, nil
}

func TestRunOnceSweepsThenReconciles(t *testing.T) {
	sweeper := &fakeSweeper{}
	job := NewJob(sweeper, time.Hour, logging.Discard())

	assert.True(t, job.RunOnce(context.Background()))
	assert.EqualValues(t, 1, sweeper.sweeps.Load())
	assert.EqualValues(t, 1, sweeper.reconciles.Load())
	assert.EqualValues(t, 1, job.Runs())
}

func TestRunOnceSkipsReconcileWhenSweepFails(t *testing.T) {
	sweeper := &fakeSweeper{sweepErr: errors.New("db down")}
	job := NewJob(sweeper, time.Hour, logging.Discard())

	job.RunOnce(context.Background())
	assert.EqualValues(t, 0, sweeper.reconciles.Load())
}

func TestRunOnceRecoversPanic(t *testing.T) {
	sweeper := &fakeSweeper{}
	sweeper.panicOnce.Store(true)
	job := NewJob(sweeper, time.Hour, logging.Discard())

	assert.NotPanics(t, func() { job.RunOnce(context.Background()) })
	assert.True(t, job.RunOnce(context.Background()))
	assert.EqualValues(t, 1, sweeper.reconciles.Load())
}

func TestRunOnceDoesNotOverlap(t *testing.T) {
	sweeper := &fakeSweeper{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	job := NewJob(sweeper, time.Hour, logging.Discard())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		job.RunOnce(context.Background())
	}()
	<-sweeper.entered

	assert.False(t, job.RunOnce(context.Background()))
	close(sweeper.block)
	wg.Wait()

	assert.EqualValues(t, 1, sweeper.sweeps.Load())
}

func TestStartAndStop(t *testing.T) {
	sweeper := &fakeSweeper{}
	job := NewJob(sweeper, 10*time.Millisecond, logging.Discard())

	done := make(chan struct{})
	go func() {
		job.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return sweeper.sweeps.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, job.Running())

	job.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not stop")
	}
	assert.False(t, job.Running())
}

func TestStartStopsOnContextCancel(t *testing.T) {
	sweeper := &fakeSweeper{}
	job := NewJob(sweeper, time.Hour, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sweeper.sweeps.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not stop")
	}
}
