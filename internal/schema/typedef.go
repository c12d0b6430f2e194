package schema

import (
	"fmt"
	"strings"
)

// TypeDefinition renders the SQL Server DDL type string for a column, the
// same way for CREATE TABLE, ALTER TABLE ADD, and staging tables so the
// three can never drift apart.
func TypeDefinition(c Column) string {
	switch c.DataType {
	case "nvarchar", "varchar", "nchar", "char", "binary", "varbinary":
		if c.MaxLength.Valid && c.MaxLength.Int64 != -1 {
			return fmt.Sprintf("%s(%d)", strings.ToUpper(c.DataType), c.MaxLength.Int64)
		}
		return strings.ToUpper(c.DataType) + "(MAX)"
	case "decimal", "numeric":
		precision, scale := int64(18), int64(0)
		if c.NumericPrecision.Valid {
			precision = c.NumericPrecision.Int64
		}
		if c.NumericScale.Valid {
			scale = c.NumericScale.Int64
		}
		return fmt.Sprintf("%s(%d, %d)", strings.ToUpper(c.DataType), precision, scale)
	case "datetime2":
		return fmt.Sprintf("DATETIME2(%d)", datetimePrecision(c))
	case "datetimeoffset":
		return fmt.Sprintf("DATETIMEOFFSET(%d)", datetimePrecision(c))
	case "time":
		return fmt.Sprintf("TIME(%d)", datetimePrecision(c))
	case "float":
		if c.NumericPrecision.Valid && c.NumericPrecision.Int64 > 0 && c.NumericPrecision.Int64 <= 53 {
			return fmt.Sprintf("FLOAT(%d)", c.NumericPrecision.Int64)
		}
		return "FLOAT"
	case "date":
		return "DATE"
	case "datetime":
		return "DATETIME"
	case "smalldatetime":
		return "SMALLDATETIME"
	default:
		// int, bigint, bit, money, uniqueidentifier, xml, ...
		return strings.ToUpper(c.DataType)
	}
}

func datetimePrecision(c Column) int64 {
	if c.DatetimePrecision.Valid {
		return c.DatetimePrecision.Int64
	}
	return 7
}

// NullabilityDDL renders the NULL / NOT NULL fragment for a column.
func NullabilityDDL(c Column) string {
	if c.IsNullable {
		return "NULL"
	}
	return "NOT NULL"
}
