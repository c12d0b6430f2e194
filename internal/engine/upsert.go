package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/consolidata/dbsync/internal/mssql"
	"github.com/consolidata/dbsync/internal/schema"
)

// batchInput is one extracted batch staged for merge into the target.
type batchInput struct {
	Branch    string
	Table     string
	TempTable string
	Columns   []string // extracted columns, in result-set order
	Source    *schema.TableSchema
	PK        []string
	Rows      [][]any
}

// tempTableName renders the global temp table for one worker. Global (##)
// because the create and the insert/merge may run on different pooled
// connections within the transaction's session.
func tempTableName(table, workerID string) string {
	return fmt.Sprintf("##%s_sync_%s", table, workerID)
}

// buildTempTableDDL mirrors the extracted columns into the staging table,
// branch identifier first. Staging columns are nullable; constraints are
// the merge target's business.
func buildTempTableDDL(in batchInput) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (%s %s NOT NULL",
		mssql.QuoteIdent(in.TempTable),
		mssql.QuoteIdent(schema.BranchColumn), schema.BranchColumnType)
	for _, name := range in.Columns {
		col := in.Source.Column(name)
		if col == nil {
			return "", fmt.Errorf("extracted column %s not in %s schema", name, in.Table)
		}
		fmt.Fprintf(&b, ", %s %s", mssql.QuoteIdent(name), schema.TypeDefinition(*col))
	}
	b.WriteString(")")
	return b.String(), nil
}

// buildInsertStatement renders the prepared per-row staging insert.
func buildInsertStatement(in batchInput) string {
	names := make([]string, 0, len(in.Columns)+1)
	params := make([]string, 0, len(in.Columns)+1)
	names = append(names, mssql.QuoteIdent(schema.BranchColumn))
	params = append(params, "@p1")
	for i, name := range in.Columns {
		names = append(names, mssql.QuoteIdent(name))
		params = append(params, fmt.Sprintf("@p%d", i+2))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		mssql.QuoteIdent(in.TempTable), strings.Join(names, ", "), strings.Join(params, ", "))
}

// buildMergeStatement renders the staged-batch upsert. Matching is on the
// branch identifier plus every source primary key column, so two branches
// can carry the same natural key without colliding.
func buildMergeStatement(targetSchemaName string, in batchInput) string {
	on := []string{fmt.Sprintf("target.%s = source.%s",
		mssql.QuoteIdent(schema.BranchColumn), mssql.QuoteIdent(schema.BranchColumn))}
	for _, pk := range in.PK {
		on = append(on, fmt.Sprintf("target.%s = source.%s",
			mssql.QuoteIdent(pk), mssql.QuoteIdent(pk)))
	}

	var sets []string
	for _, name := range in.Columns {
		if columnIndex(in.PK, name) >= 0 {
			continue
		}
		sets = append(sets, fmt.Sprintf("target.%s = source.%s",
			mssql.QuoteIdent(name), mssql.QuoteIdent(name)))
	}
	if len(sets) == 0 {
		// Key-only table: MERGE requires a SET list, so assign the branch
		// column to itself (a no-op, it is part of the match).
		sets = append(sets, fmt.Sprintf("target.%s = source.%s",
			mssql.QuoteIdent(schema.BranchColumn), mssql.QuoteIdent(schema.BranchColumn)))
	}

	insertCols := make([]string, 0, len(in.Columns)+1)
	insertVals := make([]string, 0, len(in.Columns)+1)
	insertCols = append(insertCols, mssql.QuoteIdent(schema.BranchColumn))
	insertVals = append(insertVals, "source."+mssql.QuoteIdent(schema.BranchColumn))
	for _, name := range in.Columns {
		insertCols = append(insertCols, mssql.QuoteIdent(name))
		insertVals = append(insertVals, "source."+mssql.QuoteIdent(name))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s.%s AS target\nUSING %s AS source\n    ON (%s)",
		mssql.QuoteIdent(targetSchemaName), mssql.QuoteIdent(in.Table),
		mssql.QuoteIdent(in.TempTable), strings.Join(on, " AND "))
	fmt.Fprintf(&b, "\nWHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	fmt.Fprintf(&b, "\nWHEN NOT MATCHED BY TARGET THEN INSERT (%s)\n    VALUES (%s);",
		strings.Join(insertCols, ", "), strings.Join(insertVals, ", "))
	return b.String()
}

// applyBatch stages and merges one batch inside the caller's transaction:
// create the temp table, insert every row through one prepared statement,
// merge, drop the temp table. The caller owns commit/rollback.
func applyBatch(ctx context.Context, tx *sqlx.Tx, targetSchemaName string, in batchInput, logger *zap.Logger) error {
	ddl, err := buildTempTableDDL(in)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create staging table %s: %w", in.TempTable, err)
	}
	defer func() {
		// In-transaction drop so a commit leaves nothing behind; after a
		// rollback the create is undone anyway and this is best effort.
		if _, err := tx.ExecContext(context.WithoutCancel(ctx),
			fmt.Sprintf("DROP TABLE %s", mssql.QuoteIdent(in.TempTable))); err != nil {
			logger.Debug("drop staging table", zap.String("table", in.TempTable), zap.Error(err))
		}
	}()

	stmt, err := tx.PreparexContext(ctx, buildInsertStatement(in))
	if err != nil {
		return fmt.Errorf("prepare staging insert for %s: %w", in.Table, err)
	}
	defer stmt.Close()

	colTypes := make([]*schema.Column, len(in.Columns))
	for i, name := range in.Columns {
		colTypes[i] = in.Source.Column(name)
	}

	params := make([]any, len(in.Columns)+1)
	for _, row := range in.Rows {
		params[0] = in.Branch
		for i, v := range row {
			params[i+1] = normalizeValue(colTypes[i], v)
		}
		if _, err := stmt.ExecContext(ctx, params...); err != nil {
			return fmt.Errorf("stage row into %s: %w", in.TempTable, err)
		}
	}

	if _, err := tx.ExecContext(ctx, buildMergeStatement(targetSchemaName, in)); err != nil {
		return fmt.Errorf("merge %s: %w", in.Table, err)
	}
	return nil
}

// normalizeValue adapts a scanned source value for rebinding as an insert
// parameter. The driver hands DECIMAL/NUMERIC/MONEY values back as raw
// digit bytes, which would bind as varbinary and fail the implicit
// conversion into a numeric staging column; as strings the server converts
// them back losslessly.
func normalizeValue(col *schema.Column, v any) any {
	b, ok := v.([]byte)
	if !ok || col == nil {
		return v
	}
	switch col.DataType {
	case "decimal", "numeric", "money", "smallmoney":
		return string(b)
	}
	return v
}
