package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/consolidata/dbsync/internal/connfile"
	"github.com/consolidata/dbsync/internal/logging"
)

// RunCycle performs one pass over every source branch: reload the
// connections file, partition it, and fan the branches out over the
// bounded worker pool. Configuration problems abort the cycle with an
// error; branch problems are logged and absorbed so the other branches
// finish.
func (e *Engine) RunCycle(ctx context.Context) error {
	e.logger.Info("starting sync cycle",
		zap.String("connections_file", e.settings.ConnectionsFile))
	started := time.Now()

	conns, err := connfile.Load(e.settings.ConnectionsFile, e.logger)
	if err != nil {
		logging.Critical(e.logger, "cycle aborted: connections file unreadable", zap.Error(err))
		return err
	}
	target, sources, err := connfile.Partition(conns, e.logger)
	if err != nil {
		logging.Critical(e.logger, "cycle aborted: bad connection partition", zap.Error(err))
		return err
	}
	targetDB := e.targetDatabase(target)

	e.logger.Info("cycle connections resolved",
		zap.String("target", target.Addr()),
		zap.String("target_database", targetDB),
		zap.Int("sources", len(sources)))

	var g errgroup.Group
	g.SetLimit(e.settings.MaxBranchWorkers)
	for _, source := range sources {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := e.syncBranch(ctx, source, target, targetDB); err != nil {
				if isCancel(err) {
					e.logger.Warn("branch sync cancelled",
						zap.String("server", source.Addr()))
				} else {
					e.logger.Error("branch sync failed; skipping this branch for the cycle",
						zap.String("server", source.Addr()),
						zap.String("database", source.Database),
						zap.Error(err))
				}
			}
			// Branch failures never fail the cycle.
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(started)
	e.metrics.RecordCycle(ctx, len(sources), elapsed)
	e.logger.Info("sync cycle completed",
		zap.Int("sources", len(sources)),
		zap.Duration("elapsed", elapsed))
	e.success.Info("sync cycle completed",
		zap.Int("sources", len(sources)),
		zap.Duration("elapsed", elapsed))
	return nil
}

// targetDatabase applies the configured consolidated database name over
// the target descriptor's own database field.
func (e *Engine) targetDatabase(target connfile.Connection) string {
	if e.settings.TargetDatabase != "" {
		return e.settings.TargetDatabase
	}
	return target.Database
}
