package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/consolidata/dbsync/internal/schedule"
)

// Runner wraps the engine in the daemon loop: honor the allowed window,
// run a cycle, sleep, repeat until the context is cancelled.
type Runner struct {
	engine *Engine
	window schedule.Window
	logger *zap.Logger
	wake   chan struct{}
}

// NewRunner builds the daemon loop around an engine.
func NewRunner(e *Engine, window schedule.Window, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		engine: e,
		window: window,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Wake cuts the current sleep short so the next cycle starts immediately.
// Used when the connections file changes on disk. Never blocks.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled: outside the allowed window it naps and
// re-checks; inside it runs one cycle and then waits out the run interval.
// Cycle errors are already logged and never stop the loop.
func (r *Runner) Run(ctx context.Context) {
	settings := r.engine.Settings()
	r.logger.Info("sync loop started",
		zap.String("window", r.window.String()),
		zap.Duration("run_interval", settings.RunInterval),
		zap.Duration("window_check_interval", settings.WindowCheckInterval))

	for {
		if ctx.Err() != nil {
			r.logger.Info("sync loop stopped")
			return
		}

		if !r.window.Contains(time.Now()) {
			r.logger.Info("outside allowed sync window; waiting",
				zap.String("window", r.window.String()),
				zap.Duration("recheck_in", settings.WindowCheckInterval))
			if !r.sleep(ctx, settings.WindowCheckInterval) {
				r.logger.Info("sync loop stopped")
				return
			}
			continue
		}

		_ = r.engine.RunCycle(ctx)

		if ctx.Err() == nil {
			r.logger.Info("waiting before next cycle",
				zap.Duration("interval", settings.RunInterval))
		}
		if !r.sleep(ctx, settings.RunInterval) {
			r.logger.Info("sync loop stopped")
			return
		}
	}
}

// sleep waits out d unless cancelled (returns false) or woken early
// (returns true immediately).
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.wake:
		r.logger.Info("sleep interrupted; starting next cycle early")
		return true
	case <-timer.C:
		return true
	}
}
