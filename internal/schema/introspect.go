// Package schema introspects SQL Server tables and reconciles the
// consolidated target's tables against each source branch.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// ErrTableNotFound reports that introspection found no columns, i.e. the
// table does not exist in the given schema.
var ErrTableNotFound = errors.New("table not found")

// Querier is the subset of sqlx introspection runs against, satisfied by
// both *sqlx.DB and *sqlx.Tx so reconciliation can re-read its own
// uncommitted DDL.
type Querier interface {
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
}

// Column is one column definition as reported by INFORMATION_SCHEMA.
type Column struct {
	Name              string
	DataType          string // lowercased; sysname folds to nvarchar
	MaxLength         sql.NullInt64
	NumericPrecision  sql.NullInt64
	NumericScale      sql.NullInt64
	DatetimePrecision sql.NullInt64
	IsNullable        bool
	Default           sql.NullString
	Ordinal           int
}

// TableSchema is the introspected shape of a table: columns in ordinal
// order plus the primary key in declared constraint order.
type TableSchema struct {
	SchemaName   string
	Table        string
	Columns      []Column
	PKColumns    []string
	PKConstraint string
}

// Column returns the column with the given name, matched
// case-insensitively, or nil when absent.
func (t *TableSchema) Column(name string) *Column {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i]
		}
	}
	return nil
}

// ColumnNames returns the column names in ordinal order.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

const columnsQuery = `
SELECT
    c.COLUMN_NAME,
    c.DATA_TYPE,
    c.CHARACTER_MAXIMUM_LENGTH,
    c.NUMERIC_PRECISION,
    c.NUMERIC_SCALE,
    c.DATETIME_PRECISION,
    c.IS_NULLABLE,
    c.COLUMN_DEFAULT,
    c.ORDINAL_POSITION,
    pk.CONSTRAINT_NAME
FROM INFORMATION_SCHEMA.COLUMNS c
OUTER APPLY (
    SELECT kcu.CONSTRAINT_NAME
    FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
    JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
        ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
        AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
        AND tc.TABLE_NAME = kcu.TABLE_NAME
    WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
        AND tc.TABLE_SCHEMA = c.TABLE_SCHEMA
        AND tc.TABLE_NAME = c.TABLE_NAME
        AND kcu.COLUMN_NAME = c.COLUMN_NAME
) pk
WHERE c.TABLE_SCHEMA = @p1 AND c.TABLE_NAME = @p2
ORDER BY c.ORDINAL_POSITION`

const pkOrderQuery = `
SELECT kcu.COLUMN_NAME
FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
WHERE kcu.CONSTRAINT_NAME = @p1
    AND kcu.TABLE_SCHEMA = @p2
    AND kcu.TABLE_NAME = @p3
ORDER BY kcu.ORDINAL_POSITION`

// Introspect loads the column and primary key definitions for one table.
// Returns ErrTableNotFound when the table has no columns at all.
func Introspect(ctx context.Context, q Querier, schemaName, table string) (*TableSchema, error) {
	rows, err := q.QueryxContext(ctx, columnsQuery, schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("introspect %s.%s: %w", schemaName, table, err)
	}
	defer rows.Close()

	ts := &TableSchema{SchemaName: schemaName, Table: table}
	for rows.Next() {
		var (
			col        Column
			isNullable string
			pkName     sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.DataType, &col.MaxLength,
			&col.NumericPrecision, &col.NumericScale, &col.DatetimePrecision,
			&isNullable, &col.Default, &col.Ordinal, &pkName); err != nil {
			return nil, fmt.Errorf("introspect %s.%s: scan: %w", schemaName, table, err)
		}
		col.DataType = normalizeDataType(col.DataType)
		col.IsNullable = strings.EqualFold(isNullable, "YES")
		if pkName.Valid {
			ts.PKColumns = append(ts.PKColumns, col.Name)
			ts.PKConstraint = pkName.String
		}
		ts.Columns = append(ts.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect %s.%s: %w", schemaName, table, err)
	}
	if len(ts.Columns) == 0 {
		return nil, fmt.Errorf("introspect %s.%s: %w", schemaName, table, ErrTableNotFound)
	}

	// The key columns above follow table ordinal order; composite keys are
	// re-read in declared constraint order, which MERGE matching relies on.
	if ts.PKConstraint != "" && len(ts.PKColumns) > 1 {
		ordered, err := pkConstraintOrder(ctx, q, ts.PKConstraint, schemaName, table)
		if err != nil {
			return nil, err
		}
		if len(ordered) == len(ts.PKColumns) {
			ts.PKColumns = ordered
		}
	}
	return ts, nil
}

func pkConstraintOrder(ctx context.Context, q Querier, constraint, schemaName, table string) ([]string, error) {
	rows, err := q.QueryxContext(ctx, pkOrderQuery, constraint, schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("introspect %s.%s: key order: %w", schemaName, table, err)
	}
	defer rows.Close()

	var ordered []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("introspect %s.%s: key order: %w", schemaName, table, err)
		}
		ordered = append(ordered, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect %s.%s: key order: %w", schemaName, table, err)
	}
	return ordered, nil
}

// normalizeDataType lowercases the catalog type name and folds sysname,
// an internal alias some system columns report, to nvarchar.
func normalizeDataType(dt string) string {
	dt = strings.ToLower(dt)
	if dt == "sysname" {
		return "nvarchar"
	}
	return dt
}
