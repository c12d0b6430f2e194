package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/consolidata/dbsync/internal/config"
	"github.com/consolidata/dbsync/internal/connfile"
	"github.com/consolidata/dbsync/internal/logging"
	"github.com/consolidata/dbsync/internal/mssql"
	"github.com/consolidata/dbsync/internal/schema"
	"github.com/consolidata/dbsync/internal/syncmeta"
	"github.com/consolidata/dbsync/internal/telemetry"
)

const (
	sourceSchemaName = "dbo"
	targetSchemaName = "dbo"

	// initialWatermark is what a fresh catalog row starts from and what a
	// full sync resets to each run.
	initialWatermark = "0"

	// statusWriteBudget bounds catalog writes that run on a detached
	// context after the worker's own context is gone.
	statusWriteBudget = 30 * time.Second
)

// Engine runs sync cycles against the configured sources and target.
type Engine struct {
	settings config.Settings
	plan     *config.Plan
	logger   *zap.Logger
	success  *zap.Logger
	metrics  *telemetry.SyncMetrics
}

// New builds an Engine. logs and metrics may be nil, which silences them.
func New(settings config.Settings, plan *config.Plan, logs *logging.Set, metrics *telemetry.SyncMetrics) *Engine {
	app, success := zap.NewNop(), zap.NewNop()
	if logs != nil {
		app, success = logs.App, logs.Success
	}
	return &Engine{
		settings: settings,
		plan:     plan,
		logger:   app,
		success:  success,
		metrics:  metrics,
	}
}

// Settings returns the configuration snapshot the engine runs with.
func (e *Engine) Settings() config.Settings {
	return e.settings
}

func (e *Engine) connConfig(c connfile.Connection, database string) mssql.Config {
	return mssql.Config{
		Server:         c.Server,
		Port:           c.Port,
		Database:       database,
		Username:       c.Username,
		Password:       c.Password,
		ConnectTimeout: e.settings.ConnectTimeout,
		AppName:        e.settings.AppName,
	}
}

// newWorkerID returns a short unique suffix for staging table names. Two
// workers on the same server must never share a global temp table.
func newWorkerID() string {
	return uuid.NewString()[:8]
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// syncTable drives one (branch, table) pass through the catalog state
// machine: Pending → InProgress → Complete, or Failed / SchemaError /
// back to Pending depending on what stopped it.
func (e *Engine) syncTable(ctx context.Context, source, target connfile.Connection, branch, targetDB, table string) (err error) {
	logger := e.logger.With(
		zap.String("branch", branch),
		zap.String("table", table),
	)
	logger.Info("starting table sync")
	started := time.Now()

	rowCount := 0
	statusLabel := "none"
	ctx, finish := e.metrics.TableSync(ctx, branch, table)
	defer func() { finish(statusLabel, rowCount, err) }()

	admin, err := mssql.Open(ctx, e.connConfig(target, "master"), logger)
	if err != nil {
		return fmt.Errorf("open admin session on %s: %w", target.Addr(), err)
	}
	err = mssql.EnsureDatabase(ctx, admin, targetDB, logger)
	_ = admin.Close()
	if err != nil {
		return err
	}

	src, err := mssql.Open(ctx, e.connConfig(source, source.Database), logger)
	if err != nil {
		return fmt.Errorf("open source %s: %w", source.Addr(), err)
	}
	defer src.Close()

	tgt, err := mssql.Open(ctx, e.connConfig(target, targetDB), logger)
	if err != nil {
		return fmt.Errorf("open target %s: %w", target.Addr(), err)
	}
	defer tgt.Close()

	store := syncmeta.NewStore(tgt, logger)
	if err = store.EnsureCatalog(ctx); err != nil {
		return err
	}

	rec, err := e.beginTableRun(ctx, tgt, store, branch, table)
	if err != nil {
		return err
	}

	// fail records a terminal failure status, except during shutdown: a
	// table interrupted before making progress keeps its previous status.
	fail := func(status syncmeta.Status, cause error) error {
		if isCancel(cause) || ctx.Err() != nil {
			logger.Warn("table sync interrupted by shutdown", zap.Error(cause))
			statusLabel = "unchanged"
			return cause
		}
		logger.Error("table sync failed",
			zap.String("status", string(status)),
			zap.Error(cause))
		statusLabel = string(status)
		e.setStatus(ctx, tgt, store, branch, table, status, cause.Error(), logger)
		return cause
	}

	srcSchema, err := schema.Introspect(ctx, src, sourceSchemaName, table)
	if err != nil {
		return fail(syncmeta.StatusFailed, err)
	}

	if err = schema.NewReconciler(tgt, logger).Align(ctx, srcSchema, targetSchemaName); err != nil {
		return fail(syncmeta.StatusSchemaError, fmt.Errorf("schema alignment failed: %w", err))
	}

	method := e.plan.MethodFor(table)
	cols, err := deriveSyncColumns(srcSchema, method, e.plan.DateColumnFor(table))
	if err != nil {
		return fail(syncmeta.StatusFailed, err)
	}

	lastValue := rec.LastValue
	if method == config.MethodFull {
		lastValue = initialWatermark
	}

	res := e.runBatches(ctx, src, tgt, store, srcSchema, branch, table, method, lastValue, cols, logger)
	rowCount = res.rows

	status, remarks, write := deriveFinalStatus(res.err, res.committed, res.rows, res.cancelled)
	if !write {
		logger.Warn("shutdown before any progress; leaving catalog status unchanged")
		statusLabel = "unchanged"
		return res.err
	}
	statusLabel = string(status)
	e.setStatus(ctx, tgt, store, branch, table, status, remarks, logger)

	switch status {
	case syncmeta.StatusComplete:
		logger.Info("table sync complete",
			zap.Int("rows", res.rows),
			zap.Int("batches", res.committed),
			zap.Duration("elapsed", time.Since(started)))
		e.success.Info("table sync complete",
			zap.String("branch", branch),
			zap.String("table", table),
			zap.Int("rows", res.rows))
	case syncmeta.StatusPending:
		logger.Warn("table sync stopped early; will resume from the committed watermark",
			zap.Int("rows", res.rows),
			zap.Error(res.err))
	default:
		logger.Error("table sync failed", zap.Error(res.err))
	}
	return res.err
}

// beginTableRun creates the catalog row if needed and marks it InProgress,
// in one transaction.
func (e *Engine) beginTableRun(ctx context.Context, target *sqlx.DB, store *syncmeta.Store, branch, table string) (*syncmeta.Record, error) {
	tx, err := target.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin meta transaction: %w", err)
	}
	rec, err := store.GetOrCreate(ctx, tx, branch, table)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := store.UpdateStatus(ctx, tx, branch, table, syncmeta.StatusInProgress, "Starting sync cycle"); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit meta transaction: %w", err)
	}
	return rec, nil
}

type batchLoopResult struct {
	committed int
	rows      int
	cancelled bool
	err       error
}

// runBatches is the extraction/merge loop. Each committed batch advances
// the in-memory watermark; the durable advance rides inside the batch
// transaction. Stops on drain, error, cancellation, a stalled watermark,
// or after one batch for a full sync.
func (e *Engine) runBatches(ctx context.Context, src, tgt *sqlx.DB, store *syncmeta.Store, srcSchema *schema.TableSchema, branch, table, method, lastValue string, cols syncColumns, logger *zap.Logger) batchLoopResult {
	var res batchLoopResult
	selectCols := srcSchema.ColumnNames()
	batchSize := e.plan.BatchSizeFor(table)
	dateColumn := e.plan.DateColumnFor(table)
	tempTable := tempTableName(table, newWorkerID())

	for {
		if ctx.Err() != nil {
			res.cancelled = true
			return res
		}

		q := buildExtractionQuery(extractionInput{
			Table:        table,
			Columns:      selectCols,
			Watermark:    cols.Watermark,
			LastValue:    lastValue,
			Method:       method,
			BatchSize:    batchSize,
			DateColumn:   dateColumn,
			LookbackDays: e.settings.LookbackDays,
			Now:          time.Now(),
		}, logger)

		retCols, rows, err := fetchBatch(ctx, src, q)
		if err != nil {
			res.cancelled = isCancel(err) || ctx.Err() != nil
			res.err = fmt.Errorf("extract batch from %s: %w", table, err)
			return res
		}
		if len(rows) == 0 {
			logger.Info("no more new rows; table is drained",
				zap.Int("batches", res.committed))
			return res
		}

		wmIdx := columnIndex(retCols, cols.Watermark)
		if wmIdx < 0 {
			res.err = fmt.Errorf("watermark column %s missing from extraction of %s", cols.Watermark, table)
			return res
		}
		maxWatermark, ok := batchMaxWatermark(rows, wmIdx)
		if !ok {
			res.err = fmt.Errorf("%s: %w", table, errNullWatermark)
			return res
		}

		in := batchInput{
			Branch:    branch,
			Table:     table,
			TempTable: tempTable,
			Columns:   retCols,
			Source:    srcSchema,
			PK:        cols.PK,
			Rows:      rows,
		}
		if err := e.commitBatch(ctx, tgt, store, in, maxWatermark, logger); err != nil {
			res.cancelled = isCancel(err) || ctx.Err() != nil
			res.err = err
			return res
		}

		res.committed++
		res.rows += len(rows)
		logger.Info("batch committed",
			zap.Int("rows", len(rows)),
			zap.String("watermark", maxWatermark))
		e.success.Info("batch committed",
			zap.String("branch", branch),
			zap.String("table", table),
			zap.Int("rows", len(rows)),
			zap.String("watermark", maxWatermark))
		e.metrics.RecordBatch(ctx, branch, table, len(rows))

		if method == config.MethodFull {
			return res
		}
		// A watermark that cannot advance (date watermarks have no strict
		// lower bound) would re-fetch the same batch forever.
		if maxWatermark == lastValue {
			logger.Warn("watermark did not advance; stopping after merging the stalled batch",
				zap.String("watermark", maxWatermark))
			return res
		}
		lastValue = maxWatermark
	}
}

// commitBatch runs one staged upsert and the watermark advance as a single
// target transaction.
func (e *Engine) commitBatch(ctx context.Context, target *sqlx.DB, store *syncmeta.Store, in batchInput, maxWatermark string, logger *zap.Logger) error {
	tx, err := target.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch transaction: %w", err)
	}
	if err := applyBatch(ctx, tx, targetSchemaName, in, logger); err != nil {
		_ = tx.Rollback()
		e.dropOrphanedStaging(ctx, target, in.TempTable, logger)
		return err
	}
	if err := store.UpdateLastValue(ctx, tx, in.Branch, in.Table, maxWatermark); err != nil {
		_ = tx.Rollback()
		e.dropOrphanedStaging(ctx, target, in.TempTable, logger)
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch for %s: %w", in.Table, err)
	}
	return nil
}

// dropOrphanedStaging is the post-rollback safety net: the rollback undoes
// the in-transaction create, but a staging table that somehow escaped the
// transaction would break every later batch of this worker.
func (e *Engine) dropOrphanedStaging(ctx context.Context, target *sqlx.DB, tempTable string, logger *zap.Logger) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteBudget)
	defer cancel()
	probe := strings.ReplaceAll(tempTable, "'", "''")
	stmt := fmt.Sprintf("IF OBJECT_ID('tempdb..%s') IS NOT NULL DROP TABLE %s",
		probe, mssql.QuoteIdent(tempTable))
	if _, err := target.ExecContext(dctx, stmt); err != nil {
		logger.Debug("orphaned staging table drop",
			zap.String("table", tempTable),
			zap.Error(err))
	}
}

// setStatus writes a status row on a context detached from cancellation:
// when shutdown interrupts the data loop, the catalog must still record
// Pending or the run would look InProgress forever.
func (e *Engine) setStatus(ctx context.Context, target *sqlx.DB, store *syncmeta.Store, branch, table string, status syncmeta.Status, remarks string, logger *zap.Logger) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteBudget)
	defer cancel()

	tx, err := target.BeginTxx(sctx, nil)
	if err != nil {
		logging.Critical(logger, "final status not recorded",
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	if err := store.UpdateStatus(sctx, tx, branch, table, status, remarks); err != nil {
		_ = tx.Rollback()
		logging.Critical(logger, "final status not recorded",
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	if err := tx.Commit(); err != nil {
		logging.Critical(logger, "final status not recorded",
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// deriveFinalStatus maps how the batch loop ended to the catalog status.
// The bool is false when nothing should be written: a shutdown that
// interrupted a table before any commit leaves its previous status alone.
func deriveFinalStatus(err error, committed, rows int, cancelled bool) (syncmeta.Status, string, bool) {
	switch {
	case err == nil && !cancelled:
		return syncmeta.StatusComplete,
			fmt.Sprintf("Sync cycle completed. %d rows processed.", rows), true
	case cancelled && committed == 0:
		return "", "", false
	case cancelled:
		return syncmeta.StatusPending,
			"Shutdown signaled; resuming from the last committed watermark next cycle", true
	case committed == 0:
		return syncmeta.StatusFailed, fmt.Sprintf("Sync interrupted: %v", err), true
	default:
		return syncmeta.StatusPending, fmt.Sprintf("Sync interrupted: %v", err), true
	}
}

// fetchBatch runs one extraction query and materializes the result. The
// whole read retries as a unit on transient failures.
func fetchBatch(ctx context.Context, src *sqlx.DB, q Query) ([]string, [][]any, error) {
	var (
		cols  []string
		batch [][]any
	)
	err := mssql.WithRetry(ctx, func() error {
		cols, batch = nil, nil
		rows, err := src.QueryxContext(ctx, q.SQL, q.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if cols, err = rows.Columns(); err != nil {
			return err
		}
		for rows.Next() {
			vals, err := rows.SliceScan()
			if err != nil {
				return err
			}
			batch = append(batch, vals)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, err
	}
	return cols, batch, nil
}
