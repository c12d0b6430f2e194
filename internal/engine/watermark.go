// Package engine drives the sync work: extraction planning, batch
// upserts, the per-table state machine, and the branch/cycle worker
// pools.
package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/consolidata/dbsync/internal/config"
	"github.com/consolidata/dbsync/internal/schema"
)

var (
	// errNoPrimaryKey means the table has no primary key. Merges match on
	// the key columns, so a keyless table cannot be consolidated.
	errNoPrimaryKey = errors.New("table has no primary key")

	// errNullWatermark means every row in a batch carried NULL in the
	// watermark column; committing it would lose the resume point.
	errNullWatermark = errors.New("watermark column is NULL for the whole batch")
)

// syncColumns is the per-table extraction key material: the column batches
// are ordered and filtered by, and the primary key columns merges match on.
type syncColumns struct {
	Watermark string
	PK        []string
}

// deriveSyncColumns picks the watermark column for a table. A non-keyword
// method names the column directly; the timestamp method prefers the
// table's transaction-date column; everything else orders by the first
// primary key column. The primary key is required in every case because
// the merge matches on it.
func deriveSyncColumns(source *schema.TableSchema, method, dateColumn string) (syncColumns, error) {
	if len(source.PKColumns) == 0 {
		return syncColumns{}, fmt.Errorf("%s: %w", source.Table, errNoPrimaryKey)
	}
	sc := syncColumns{PK: source.PKColumns, Watermark: source.PKColumns[0]}

	switch method {
	case config.MethodAutono, config.MethodHybrid, config.MethodFull:
	case config.MethodTimestamp:
		if dateColumn != "" {
			sc.Watermark = dateColumn
		}
	default:
		sc.Watermark = method
	}
	return sc, nil
}

// watermarkString renders a scanned watermark value for storage in the
// catalog and rebinding as a query parameter. Returns false for NULL.
func watermarkString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	case time.Time:
		// ISO 8601 round-trips through an NVARCHAR parameter regardless of
		// the server's DATEFORMAT setting.
		return x.Format("2006-01-02T15:04:05.9999999"), true
	default:
		return fmt.Sprintf("%v", x), true
	}
}

// batchMaxWatermark returns the highest watermark in a batch. Rows arrive
// ordered by the watermark ascending, so this is the last row with a
// non-NULL value; rows below it may legitimately carry NULLs.
func batchMaxWatermark(rows [][]any, watermarkIdx int) (string, bool) {
	for i := len(rows) - 1; i >= 0; i-- {
		if s, ok := watermarkString(rows[i][watermarkIdx]); ok {
			return s, true
		}
	}
	return "", false
}

// columnIndex finds a column in the extracted column list, matched
// case-insensitively. Returns -1 when absent.
func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}
