/*
scheduler.go - Automated pending-rate activation

PURPOSE:
  Periodically promotes next_cooperation records whose effective date has
  arrived. The booking flow that normally decides "next cooperation" lives
  in another service and calls POST /api/rebates/activate; this scheduler
  is the date-based fallback for deployments without that hook.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each run sweeps every key with a due pending record
    (rebate.Engine.ActivateAllDue); one failing key doesn't stop the sweep
  - Keeps the outcome of the last run for /api diagnostics and tests

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: false)

USAGE:
  scheduler := NewActivationScheduler(engine, logger)
  scheduler.Enabled = true
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ActivatePending endpoint (manual activation of one key)
  - rebate/activation.go: ActivatePendingIfDue
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/agentworks/rebate-engine/rebate"
	"go.uber.org/zap"
)

// ActivationRun is the outcome of one sweep.
type ActivationRun struct {
	AsOf      rebate.Date
	Activated int
	Failed    int
	Err       error
	RanAt     time.Time
}

// ActivationScheduler promotes due pending configurations on a timer.
type ActivationScheduler struct {
	Engine        *rebate.Engine
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	// Now is the clock used for asOf. Defaults to the engine's clock.
	Now func() time.Time

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun *ActivationRun
}

// NewActivationScheduler creates a new, disabled scheduler.
func NewActivationScheduler(engine *rebate.Engine, logger *zap.Logger) *ActivationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivationScheduler{
		Engine:        engine,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Now:           engine.Now,
	}
}

// Start begins the scheduler.
func (as *ActivationScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		as.Logger.Info("activation scheduler disabled, not starting")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.wg.Add(1)

	go as.run(as.ticker, as.stop)

	as.Logger.Info("activation scheduler started", zap.Duration("interval", as.CheckInterval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (as *ActivationScheduler) Stop() {
	as.mu.Lock()
	ticker, stop := as.ticker, as.stop
	as.ticker, as.stop = nil, nil
	as.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	as.wg.Wait()
	as.Logger.Info("activation scheduler stopped")
}

// LastRun returns the outcome of the most recent sweep, or nil.
func (as *ActivationScheduler) LastRun() *ActivationRun {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.lastRun == nil {
		return nil
	}
	run := *as.lastRun
	return &run
}

func (as *ActivationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer as.wg.Done()

	// Run immediately on start
	as.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			as.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce performs one sweep as of today.
func (as *ActivationScheduler) RunOnce(ctx context.Context) ActivationRun {
	now := as.Now()
	run := ActivationRun{AsOf: rebate.DateOf(now), RanAt: now}

	run.Activated, run.Failed, run.Err = as.Engine.ActivateAllDue(ctx, run.AsOf)
	switch {
	case run.Err != nil:
		as.Logger.Error("activation sweep failed", zap.Error(run.Err))
	case run.Activated > 0 || run.Failed > 0:
		as.Logger.Info("activation sweep finished",
			zap.String("as_of", run.AsOf.String()),
			zap.Int("activated", run.Activated),
			zap.Int("failed", run.Failed),
		)
	}

	as.mu.Lock()
	as.lastRun = &run
	as.mu.Unlock()
	return run
}
