// Package syncmeta manages the durable per-(branch, table) progress
// catalog that lives inside the consolidated target database.
package syncmeta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/consolidata/dbsync/internal/logging"
)

const (
	remarksLimit     = 1000
	initialLastValue = "0"
)

// ErrNotFound reports a missing catalog row.
var ErrNotFound = errors.New("sync meta entry not found")

// Record is one row of sync.SyncMeta.
type Record struct {
	BranchName         string
	TableName          string
	LastValue          string
	LastSynced         sql.NullTime
	Status             Status
	LastCompletionTime sql.NullTime
	Remarks            sql.NullString
}

// Store reads and writes the catalog. Mutating operations that take a
// transaction never commit; the caller owns the transaction boundary so a
// watermark update can ride in the same transaction as its data batch.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore builds a Store over the consolidated target database.
func NewStore(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

const createSchemaSQL = `
IF NOT EXISTS (SELECT 1 FROM sys.schemas WHERE name = 'sync')
BEGIN
    EXEC('CREATE SCHEMA [sync]')
END`

// createCatalogSQL creates sync.SyncMeta, or upgrades a catalog from
// before the status columns existed. The column probes make it safe to run
// on every cycle.
const createCatalogSQL = `
IF NOT EXISTS (SELECT 1 FROM INFORMATION_SCHEMA.TABLES
               WHERE TABLE_SCHEMA = 'sync' AND TABLE_NAME = 'SyncMeta')
BEGIN
    CREATE TABLE [sync].[SyncMeta] (
        BranchName NVARCHAR(255) NOT NULL,
        TableName NVARCHAR(255) NOT NULL,
        LastValue NVARCHAR(255) NOT NULL,
        LastSynced DATETIME DEFAULT GETDATE(),
        SyncStatus NVARCHAR(20) DEFAULT 'Pending' NOT NULL,
        LastCompletionTime DATETIME NULL,
        SyncRemarks NVARCHAR(MAX) NULL,
        CONSTRAINT PK_SyncMeta PRIMARY KEY (BranchName, TableName)
    )
    CREATE INDEX IX_SyncMeta_SyncStatus ON [sync].[SyncMeta] (SyncStatus)
    CREATE INDEX IX_SyncMeta_LastSynced ON [sync].[SyncMeta] (LastSynced)
END
ELSE
BEGIN
    IF NOT EXISTS (SELECT 1 FROM INFORMATION_SCHEMA.COLUMNS
                   WHERE TABLE_SCHEMA = 'sync' AND TABLE_NAME = 'SyncMeta' AND COLUMN_NAME = 'SyncStatus')
        ALTER TABLE [sync].[SyncMeta] ADD SyncStatus NVARCHAR(20) DEFAULT 'Pending' NOT NULL
    IF NOT EXISTS (SELECT 1 FROM INFORMATION_SCHEMA.COLUMNS
                   WHERE TABLE_SCHEMA = 'sync' AND TABLE_NAME = 'SyncMeta' AND COLUMN_NAME = 'LastCompletionTime')
        ALTER TABLE [sync].[SyncMeta] ADD LastCompletionTime DATETIME NULL
    IF NOT EXISTS (SELECT 1 FROM INFORMATION_SCHEMA.COLUMNS
                   WHERE TABLE_SCHEMA = 'sync' AND TABLE_NAME = 'SyncMeta' AND COLUMN_NAME = 'SyncRemarks')
        ALTER TABLE [sync].[SyncMeta] ADD SyncRemarks NVARCHAR(MAX) NULL
END`

// EnsureCatalog provisions the sync schema and the SyncMeta table,
// upgrading older catalogs in place. Runs in its own transaction.
func (s *Store) EnsureCatalog(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ensure sync catalog: begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createSchemaSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("ensure sync schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createCatalogSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("ensure sync catalog: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ensure sync catalog: commit: %w", err)
	}
	return nil
}

const selectRecordSQL = `
SELECT LastValue, LastSynced, SyncStatus, LastCompletionTime, SyncRemarks
FROM [sync].[SyncMeta]
WHERE BranchName = @p1 AND TableName = @p2`

const insertRecordSQL = `
INSERT INTO [sync].[SyncMeta] (BranchName, TableName, LastValue, SyncStatus, LastSynced)
VALUES (@p1, @p2, @p3, @p4, GETDATE())`

// GetOrCreate returns the record for (branch, table), inserting a fresh
// Pending row with the zero watermark when none exists. Does not commit.
func (s *Store) GetOrCreate(ctx context.Context, tx *sqlx.Tx, branch, table string) (*Record, error) {
	rec, err := scanRecord(tx.QueryRowxContext(ctx, selectRecordSQL, branch, table), branch, table)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get sync meta %s/%s: %w", branch, table, err)
	}

	s.logger.Info("creating sync meta entry",
		zap.String("branch", branch),
		zap.String("table", table))
	if _, err := tx.ExecContext(ctx, insertRecordSQL, branch, table, initialLastValue, string(StatusPending)); err != nil {
		return nil, fmt.Errorf("insert sync meta %s/%s: %w", branch, table, err)
	}
	return &Record{
		BranchName: branch,
		TableName:  table,
		LastValue:  initialLastValue,
		Status:     StatusPending,
	}, nil
}

// Get returns the record for (branch, table) or ErrNotFound.
func (s *Store) Get(ctx context.Context, branch, table string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowxContext(ctx, selectRecordSQL, branch, table), branch, table)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync meta %s/%s: %w", branch, table, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync meta %s/%s: %w", branch, table, err)
	}
	return rec, nil
}

func scanRecord(row *sqlx.Row, branch, table string) (*Record, error) {
	rec := &Record{BranchName: branch, TableName: table}
	var status string
	if err := row.Scan(&rec.LastValue, &rec.LastSynced, &status, &rec.LastCompletionTime, &rec.Remarks); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	return rec, nil
}

const updateLastValueSQL = `
UPDATE [sync].[SyncMeta]
SET LastValue = @p1, LastSynced = GETDATE()
WHERE BranchName = @p2 AND TableName = @p3`

// UpdateLastValue advances the committed watermark; nothing else changes.
// Does not commit. A zero row count means the row this worker created has
// vanished mid-run; that is logged as critical and never papered over with
// a blind insert.
func (s *Store) UpdateLastValue(ctx context.Context, tx *sqlx.Tx, branch, table, value string) error {
	res, err := tx.ExecContext(ctx, updateLastValueSQL, value, branch, table)
	if err != nil {
		return fmt.Errorf("update watermark %s/%s: %w", branch, table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		logging.Critical(s.logger, "sync meta row missing during watermark update",
			zap.String("branch", branch),
			zap.String("table", table),
			zap.String("value", value))
	}
	return nil
}

const (
	updateStatusSQL = `
UPDATE [sync].[SyncMeta]
SET SyncStatus = @p1, SyncRemarks = @p2, LastSynced = GETDATE()
WHERE BranchName = @p3 AND TableName = @p4`

	updateStatusCompleteSQL = `
UPDATE [sync].[SyncMeta]
SET SyncStatus = @p1, SyncRemarks = @p2, LastSynced = GETDATE(), LastCompletionTime = GETDATE()
WHERE BranchName = @p3 AND TableName = @p4`
)

// UpdateStatus records a state transition. Remarks are truncated to 1000
// characters; LastCompletionTime is stamped only on Complete. Does not
// commit.
func (s *Store) UpdateStatus(ctx context.Context, tx *sqlx.Tx, branch, table string, status Status, remarks string) error {
	remarks = truncate(remarks, remarksLimit)
	query := updateStatusSQL
	if status == StatusComplete {
		query = updateStatusCompleteSQL
	}
	res, err := tx.ExecContext(ctx, query, string(status), remarks, branch, table)
	if err != nil {
		return fmt.Errorf("update status %s/%s: %w", branch, table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		logging.Critical(s.logger, "sync meta row missing during status update",
			zap.String("branch", branch),
			zap.String("table", table),
			zap.String("status", string(status)))
	}
	return nil
}

const listSQL = `
SELECT BranchName, TableName, LastValue, LastSynced, SyncStatus, LastCompletionTime, SyncRemarks
FROM [sync].[SyncMeta]`

// List returns catalog rows ordered by branch then table, optionally
// filtered by status.
func (s *Store) List(ctx context.Context, statusFilter string) ([]Record, error) {
	query := listSQL
	var args []interface{}
	if statusFilter != "" {
		query += "\nWHERE SyncStatus = @p1"
		args = append(args, statusFilter)
	}
	query += "\nORDER BY BranchName, TableName"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync meta: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.BranchName, &rec.TableName, &rec.LastValue,
			&rec.LastSynced, &status, &rec.LastCompletionTime, &rec.Remarks); err != nil {
			return nil, fmt.Errorf("list sync meta: scan: %w", err)
		}
		rec.Status = Status(status)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sync meta: %w", err)
	}
	return records, nil
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
