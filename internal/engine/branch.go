package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/consolidata/dbsync/internal/connfile"
	"github.com/consolidata/dbsync/internal/mssql"
)

// branchNameQuery reads the branch's display name. NOLOCK because the Logo
// table sits in the middle of the branch's live POS workload.
const branchNameQuery = "SELECT TOP 1 BOTMESS1 FROM Logo WITH (NOLOCK)"

// resolveBranchIdentifier determines the branch tag for rows from this
// source: the Logo table's BOTMESS1 value, trimmed and lowercased, or the
// source database name when the lookup comes back empty or fails.
func resolveBranchIdentifier(ctx context.Context, src *sqlx.DB, database string, logger *zap.Logger) string {
	var raw sql.NullString
	err := src.QueryRowxContext(ctx, branchNameQuery).Scan(&raw)
	name := strings.ToLower(strings.TrimSpace(raw.String))
	switch {
	case err != nil:
		logger.Warn("could not read branch name from Logo table; using database name",
			zap.String("database", database),
			zap.Error(err))
	case name == "":
		logger.Warn("branch name in Logo table is NULL or empty; using database name",
			zap.String("database", database))
	default:
		logger.Info("resolved branch name from Logo table",
			zap.String("database", database),
			zap.String("branch", name))
		return name
	}
	return strings.ToLower(database)
}

// syncBranch replicates every planned table from one source into the
// target, bounded by the per-branch table worker limit. Table failures are
// logged and isolated so the rest of the branch keeps going.
func (e *Engine) syncBranch(ctx context.Context, source, target connfile.Connection, targetDB string) error {
	src, err := mssql.Open(ctx, e.connConfig(source, source.Database), e.logger)
	if err != nil {
		return fmt.Errorf("resolve branch for %s/%s: %w", source.Addr(), source.Database, err)
	}
	branch := resolveBranchIdentifier(ctx, src, source.Database, e.logger)
	_ = src.Close()

	logger := e.logger.With(zap.String("branch", branch))
	logger.Info("starting branch sync",
		zap.String("server", source.Addr()),
		zap.Int("tables", len(e.plan.Tables)))

	var g errgroup.Group
	g.SetLimit(e.settings.MaxTableWorkers)
	for _, table := range e.plan.TableNames() {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := e.syncTable(ctx, source, target, branch, targetDB, table); err != nil {
				if isCancel(err) {
					logger.Warn("table sync cancelled",
						zap.String("table", table))
				} else {
					logger.Error("table sync failed; continuing with remaining tables",
						zap.String("table", table),
						zap.Error(err))
				}
			}
			// Failures stay inside their table; a nil here keeps the pool
			// scheduling the branch's remaining tables.
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("branch sync finished")
	e.success.Info("branch completed all table sync operations",
		zap.String("branch", branch))
	return nil
}
