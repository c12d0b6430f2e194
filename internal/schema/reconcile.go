package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/consolidata/dbsync/internal/logging"
	"github.com/consolidata/dbsync/internal/mssql"
)

// BranchColumn is the identifier column injected into every consolidated
// table so rows from different branches with identical source keys cannot
// collide.
const (
	BranchColumn     = "BranchIdentifier"
	BranchColumnType = "NVARCHAR(255)"
)

// ErrPrimaryKeyMismatch reports that the target table's primary key is not
// the expected composite key. Fixing it requires manual DDL; dropping keys
// automatically is too destructive.
var ErrPrimaryKeyMismatch = errors.New("primary key mismatch")

// Reconciler aligns consolidated target tables with their sources.
type Reconciler struct {
	target *sqlx.DB
	logger *zap.Logger
}

// NewReconciler builds a Reconciler writing DDL to target.
func NewReconciler(target *sqlx.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{target: target, logger: logger}
}

// Align ensures the consolidated form of source exists on the target:
// it creates the table (branch column first, composite primary key) when
// absent, otherwise reconciles the existing one. All DDL for one table
// runs in a single transaction, committed only when something changed.
func (r *Reconciler) Align(ctx context.Context, source *TableSchema, targetSchemaName string) error {
	tx, err := r.target.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("align %s: begin: %w", source.Table, err)
	}
	changed, err := r.alignInTx(ctx, tx, source, targetSchemaName)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if !changed {
		_ = tx.Rollback() // nothing to commit
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("align %s: commit: %w", source.Table, err)
	}
	return nil
}

func (r *Reconciler) alignInTx(ctx context.Context, tx *sqlx.Tx, source *TableSchema, targetSchemaName string) (bool, error) {
	table := source.Table

	target, err := Introspect(ctx, tx, targetSchemaName, table)
	if errors.Is(err, ErrTableNotFound) {
		r.logger.Info("target table missing; creating it",
			zap.String("table", table),
			zap.Int("columns", len(source.Columns)),
			zap.Strings("source_pk", source.PKColumns))
		if _, err := tx.ExecContext(ctx, BuildCreateTable(targetSchemaName, source)); err != nil {
			return false, fmt.Errorf("create table %s: %w", table, err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("align %s: introspect target: %w", table, err)
	}

	changed := false

	// The branch column is added NULLABLE: the table may hold rows that
	// predate consolidation. The operator must backfill before tightening
	// it to NOT NULL.
	if target.Column(BranchColumn) == nil {
		ddl := fmt.Sprintf("ALTER TABLE %s.%s ADD %s %s NULL",
			mssql.QuoteIdent(targetSchemaName), mssql.QuoteIdent(table),
			mssql.QuoteIdent(BranchColumn), BranchColumnType)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return false, fmt.Errorf("add %s to %s: %w", BranchColumn, table, err)
		}
		logging.Critical(r.logger, "added branch identifier as NULLABLE; backfill existing rows, then alter it to NOT NULL",
			zap.String("table", table),
			zap.String("column", BranchColumn))
		changed = true

		target, err = Introspect(ctx, tx, targetSchemaName, table)
		if err != nil {
			return false, fmt.Errorf("align %s: re-introspect target: %w", table, err)
		}
	}

	if len(source.PKColumns) > 0 {
		expected := append([]string{BranchColumn}, source.PKColumns...)
		if !keySetsMatch(expected, target.PKColumns) {
			logging.Critical(r.logger, "primary key mismatch on consolidated table; fix it manually before this table can sync",
				zap.String("table", table),
				zap.Strings("expected", sortedCopy(expected)),
				zap.Strings("found", sortedCopy(target.PKColumns)))
			return false, fmt.Errorf("align %s: expected key %v, found %v: %w",
				table, sortedCopy(expected), sortedCopy(target.PKColumns), ErrPrimaryKeyMismatch)
		}
	}

	// Missing columns are added with the source definition. Other
	// differences are reported only; widening types is a manual call.
	for _, src := range source.Columns {
		tgt := target.Column(src.Name)
		if tgt == nil {
			r.logger.Info("adding column missing from target",
				zap.String("table", table),
				zap.String("column", src.Name),
				zap.String("type", TypeDefinition(src)))
			ddl := fmt.Sprintf("ALTER TABLE %s.%s ADD %s %s %s",
				mssql.QuoteIdent(targetSchemaName), mssql.QuoteIdent(table),
				mssql.QuoteIdent(src.Name), TypeDefinition(src), NullabilityDDL(src))
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return false, fmt.Errorf("add column %s to %s: %w", src.Name, table, err)
			}
			changed = true
			continue
		}

		srcDef, tgtDef := TypeDefinition(src), TypeDefinition(*tgt)
		if srcDef != tgtDef || src.IsNullable != tgt.IsNullable {
			r.logger.Warn("column definition differs between source and target",
				zap.String("table", table),
				zap.String("column", src.Name),
				zap.String("source", srcDef+" "+NullabilityDDL(src)),
				zap.String("target", tgtDef+" "+NullabilityDDL(*tgt)))
		}
	}

	return changed, nil
}

// BuildCreateTable renders the consolidated CREATE TABLE statement: the
// branch identifier first, source columns in ordinal order, and a
// composite primary key when the source declares one.
func BuildCreateTable(schemaName string, source *TableSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s.%s (\n    %s %s NOT NULL",
		mssql.QuoteIdent(schemaName), mssql.QuoteIdent(source.Table),
		mssql.QuoteIdent(BranchColumn), BranchColumnType)
	for _, col := range source.Columns {
		fmt.Fprintf(&b, ",\n    %s %s %s",
			mssql.QuoteIdent(col.Name), TypeDefinition(col), NullabilityDDL(col))
	}
	if len(source.PKColumns) > 0 {
		pkCols := make([]string, 0, len(source.PKColumns)+1)
		pkCols = append(pkCols, mssql.QuoteIdent(BranchColumn))
		for _, pk := range source.PKColumns {
			pkCols = append(pkCols, mssql.QuoteIdent(pk))
		}
		fmt.Fprintf(&b, ",\n    CONSTRAINT %s PRIMARY KEY (%s)",
			mssql.QuoteIdent("PK_"+source.Table+"_Composite"), strings.Join(pkCols, ", "))
	}
	b.WriteString("\n)")
	return b.String()
}

// keySetsMatch compares two key column sets ignoring order and case.
func keySetsMatch(expected, actual []string) bool {
	if len(expected) != len(actual) {
		return false
	}
	e, a := lowerSorted(expected), lowerSorted(actual)
	for i := range e {
		if e[i] != a[i] {
			return false
		}
	}
	return true
}

func lowerSorted(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = strings.ToLower(c)
	}
	sort.Strings(out)
	return out
}

func sortedCopy(cols []string) []string {
	out := append([]string(nil), cols...)
	sort.Strings(out)
	return out
}
