package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/consolidata/dbsync/internal/config"
	"github.com/consolidata/dbsync/internal/syncmeta"
)

func TestDeriveFinalStatus(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name        string
		err         error
		committed   int
		rows        int
		cancelled   bool
		wantStatus  syncmeta.Status
		wantRemarks string
		wantWrite   bool
	}{
		{
			name:        "drained cleanly",
			committed:   2,
			rows:        150,
			wantStatus:  syncmeta.StatusComplete,
			wantRemarks: "Sync cycle completed. 150 rows processed.",
			wantWrite:   true,
		},
		{
			name:      "shutdown before any commit leaves status alone",
			err:       context.Canceled,
			cancelled: true,
			wantWrite: false,
		},
		{
			name:        "shutdown after progress resumes later",
			err:         context.Canceled,
			committed:   3,
			rows:        300,
			cancelled:   true,
			wantStatus:  syncmeta.StatusPending,
			wantRemarks: "Shutdown signaled; resuming from the last committed watermark next cycle",
			wantWrite:   true,
		},
		{
			name:        "error before any commit fails the run",
			err:         boom,
			wantStatus:  syncmeta.StatusFailed,
			wantRemarks: "Sync interrupted: boom",
			wantWrite:   true,
		},
		{
			name:        "error after progress resumes later",
			err:         boom,
			committed:   1,
			rows:        100,
			wantStatus:  syncmeta.StatusPending,
			wantRemarks: "Sync interrupted: boom",
			wantWrite:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, remarks, write := deriveFinalStatus(tt.err, tt.committed, tt.rows, tt.cancelled)
			if write != tt.wantWrite {
				t.Fatalf("write = %v, want %v", write, tt.wantWrite)
			}
			if !write {
				return
			}
			if status != tt.wantStatus {
				t.Errorf("status = %q, want %q", status, tt.wantStatus)
			}
			if remarks != tt.wantRemarks {
				t.Errorf("remarks = %q, want %q", remarks, tt.wantRemarks)
			}
		})
	}
}

func TestIsCancel(t *testing.T) {
	if !isCancel(context.Canceled) {
		t.Error("context.Canceled should count as cancellation")
	}
	if !isCancel(fmt.Errorf("extract batch: %w", context.DeadlineExceeded)) {
		t.Error("wrapped deadline should count as cancellation")
	}
	if isCancel(errors.New("login failed")) {
		t.Error("ordinary errors are not cancellation")
	}
	if isCancel(nil) {
		t.Error("nil is not cancellation")
	}
}

func TestBeginTableRun(t *testing.T) {
	db, mock := newMockDB(t)
	store := syncmeta.NewStore(db, zap.NewNop())
	e := New(config.Settings{}, config.DefaultPlan(), nil, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT LastValue, LastSynced, SyncStatus`).
		WithArgs("lahore-01", "Item").
		WillReturnRows(sqlmock.NewRows(
			[]string{"LastValue", "LastSynced", "SyncStatus", "LastCompletionTime", "SyncRemarks"}).
			AddRow("42", nil, "Complete", nil, nil))
	mock.ExpectExec(`UPDATE \[sync\]\.\[SyncMeta\]\s+SET SyncStatus = @p1`).
		WithArgs("InProgress", "Starting sync cycle", "lahore-01", "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := e.beginTableRun(context.Background(), db, store, "lahore-01", "Item")
	if err != nil {
		t.Fatalf("beginTableRun: %v", err)
	}
	if rec.LastValue != "42" {
		t.Errorf("LastValue = %q, want 42", rec.LastValue)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBeginTableRunCreatesMissingRow(t *testing.T) {
	db, mock := newMockDB(t)
	store := syncmeta.NewStore(db, zap.NewNop())
	e := New(config.Settings{}, config.DefaultPlan(), nil, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT LastValue, LastSynced, SyncStatus`).
		WithArgs("lahore-01", "Item").
		WillReturnRows(sqlmock.NewRows(
			[]string{"LastValue", "LastSynced", "SyncStatus", "LastCompletionTime", "SyncRemarks"}))
	mock.ExpectExec(`INSERT INTO \[sync\]\.\[SyncMeta\]`).
		WithArgs("lahore-01", "Item", "0", "Pending").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE \[sync\]\.\[SyncMeta\]\s+SET SyncStatus = @p1`).
		WithArgs("InProgress", "Starting sync cycle", "lahore-01", "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := e.beginTableRun(context.Background(), db, store, "lahore-01", "Item")
	if err != nil {
		t.Fatalf("beginTableRun: %v", err)
	}
	if rec.LastValue != "0" {
		t.Errorf("fresh row LastValue = %q, want 0", rec.LastValue)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSetStatus(t *testing.T) {
	db, mock := newMockDB(t)
	store := syncmeta.NewStore(db, zap.NewNop())
	e := New(config.Settings{}, config.DefaultPlan(), nil, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE \[sync\]\.\[SyncMeta\]\s+SET SyncStatus = @p1`).
		WithArgs("Pending", "stopped early", "lahore-01", "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	e.setStatus(context.Background(), db, store, "lahore-01", "Item",
		syncmeta.StatusPending, "stopped early", zap.NewNop())
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// setStatus runs detached from the worker's context so a shutdown cannot
// suppress the terminal status write.
func TestSetStatusSurvivesCancelledContext(t *testing.T) {
	db, mock := newMockDB(t)
	store := syncmeta.NewStore(db, zap.NewNop())
	e := New(config.Settings{}, config.DefaultPlan(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE \[sync\]\.\[SyncMeta\]\s+SET SyncStatus = @p1`).
		WithArgs("Pending", "shutdown", "lahore-01", "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	e.setStatus(ctx, db, store, "lahore-01", "Item",
		syncmeta.StatusPending, "shutdown", zap.NewNop())
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSetStatusLogsCriticalOnFailure(t *testing.T) {
	db, mock := newMockDB(t)
	store := syncmeta.NewStore(db, zap.NewNop())
	e := New(config.Settings{}, config.DefaultPlan(), nil, nil)

	core, logs := observer.New(zapcore.ErrorLevel)
	logger := zap.New(core)

	mock.ExpectBegin().WillReturnError(errors.New("target gone"))

	e.setStatus(context.Background(), db, store, "lahore-01", "Item",
		syncmeta.StatusFailed, "boom", logger)

	entries := logs.FilterMessage("final status not recorded").All()
	if len(entries) != 1 {
		t.Fatalf("critical entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["severity"] != "critical" {
		t.Errorf("severity = %v, want critical", fields["severity"])
	}
}

func TestFetchBatch(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT TOP 2 \[SaleID\], \[Amount\] FROM \[SALEDETAIL\]`).
		WithArgs("0").
		WillReturnRows(sqlmock.NewRows([]string{"SaleID", "Amount"}).
			AddRow(int64(1), []byte("9.99")).
			AddRow(int64(2), nil))

	q := Query{
		SQL:  "SELECT TOP 2 [SaleID], [Amount] FROM [SALEDETAIL] WHERE [SaleID] > @p1 ORDER BY [SaleID] ASC",
		Args: []any{"0"},
	}
	cols, batch, err := fetchBatch(context.Background(), db, q)
	if err != nil {
		t.Fatalf("fetchBatch: %v", err)
	}
	if len(cols) != 2 || cols[0] != "SaleID" || cols[1] != "Amount" {
		t.Errorf("cols = %v", cols)
	}
	if len(batch) != 2 {
		t.Fatalf("rows = %d, want 2", len(batch))
	}
	if batch[0][0] != int64(1) || string(batch[0][1].([]byte)) != "9.99" {
		t.Errorf("first row = %v", batch[0])
	}
	if batch[1][1] != nil {
		t.Errorf("NULL should scan as nil, got %v", batch[1][1])
	}
}

func TestFetchBatchErrorIsNotRetriedWhenPermanent(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT TOP`).WillReturnError(errors.New("login failed for user"))

	_, _, err := fetchBatch(context.Background(), db, Query{SQL: "SELECT TOP 1 [x] FROM [y]"})
	if err == nil || !strings.Contains(err.Error(), "login failed") {
		t.Fatalf("expected the driver error back, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
