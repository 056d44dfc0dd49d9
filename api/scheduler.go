/*
scheduler.go - Automated expiration sweep scheduler

PURPOSE:
  Periodically runs the expiration sweeper for every organization and
  records one sweep run per organization for audit and UI display.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick sweeps all organizations (one unit of work per organization)
  - A failure in one organization is recorded and does not stop the others
  - Sweeping is idempotent, so an extra tick or a manual run is harmless

CONFIGURATION:
  - Interval: How often to sweep (default: 24 hours)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(store, engine.Sweeper, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - cashback/expiration.go: Sweeper
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/cashback-engine/cashback"
	"github.com/warp/cashback-engine/store/sqlite"
)

// SweepScheduler runs the expiration sweep on a fixed interval.
type SweepScheduler struct {
	Store    *sqlite.Store
	Sweeper  *cashback.Sweeper
	Logger   *slog.Logger
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(store *sqlite.Store, sweeper *cashback.Sweeper, logger *slog.Logger) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepScheduler{
		Store:    store,
		Sweeper:  sweeper,
		Logger:   logger.With("component", "scheduler"),
		Interval: 24 * time.Hour,
		Enabled:  true,
	}
}

// Start begins the scheduler.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		ss.Logger.Info("scheduler disabled, not starting")
		return
	}
	if ss.ticker != nil {
		return
	}

	ss.ticker = time.NewTicker(ss.Interval)
	ss.stop = make(chan struct{})
	ss.wg.Add(1)

	go ss.run()

	ss.Logger.Info("scheduler started", "interval", ss.Interval)
}

// Stop stops the scheduler and waits for a sweep in progress.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		ss.ticker = nil
		ss.Logger.Info("scheduler stopped")
	}
}

func (ss *SweepScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.RunNow(context.Background())

	for {
		select {
		case <-ss.ticker.C:
			ss.RunNow(context.Background())
		case <-ss.stop:
			return
		}
	}
}

// RunNow sweeps every organization and records the runs. Concurrent calls
// are serialised.
func (ss *SweepScheduler) RunNow(ctx context.Context) []cashback.SweepReport {
	ss.runMu.Lock()
	defer ss.runMu.Unlock()

	reports, err := ss.Sweeper.Run(ctx)
	if err != nil {
		ss.Logger.Error("sweep aborted", "error", err)
		return nil
	}

	var expired, failed int
	for _, r := range reports {
		run := sqlite.SweepRun{
			ID:             uuid.NewString(),
			OrganizationID: string(r.OrganizationID),
			AsOf:           r.AsOf,
			Status:         "completed",
			ExpiredLots:    r.ExpiredLots,
			ExpiredTotal:   r.ExpiredTotal,
			StartedAt:      r.StartedAt,
		}
		if !r.CompletedAt.IsZero() {
			completed := r.CompletedAt
			run.CompletedAt = &completed
		}
		if r.Err != nil {
			run.Status = "failed"
			run.Error = r.Err.Error()
			failed++
		}
		expired += r.ExpiredLots

		if err := ss.Store.SaveSweepRun(ctx, run); err != nil {
			ss.Logger.Error("failed to record sweep run", "organization_id", r.OrganizationID, "error", err)
		}
	}

	ss.Logger.Info("sweep completed", "organizations", len(reports), "expired_lots", expired, "failed", failed)
	return reports
}
