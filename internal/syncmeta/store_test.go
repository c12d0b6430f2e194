package syncmeta

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, *observer.ObservedLogs) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	core, logs := observer.New(zap.DebugLevel)
	return NewStore(sqlx.NewDb(db, "sqlserver"), zap.New(core)), mock, logs
}

func beginTx(t *testing.T, s *Store, mock sqlmock.Sqlmock) *sqlx.Tx {
	t.Helper()
	mock.ExpectBegin()
	tx, err := s.db.BeginTxx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return tx
}

func TestEnsureCatalog(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`sys\.schemas`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SyncMeta`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := s.EnsureCatalog(context.Background()); err != nil {
		t.Fatalf("EnsureCatalog() returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEnsureCatalogRollsBackOnError(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`sys\.schemas`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SyncMeta`).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	if err := s.EnsureCatalog(context.Background()); err == nil {
		t.Fatal("EnsureCatalog() should propagate DDL errors")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetOrCreateExisting(t *testing.T) {
	s, mock, _ := newMockStore(t)
	tx := beginTx(t, s, mock)

	synced := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"LastValue", "LastSynced", "SyncStatus", "LastCompletionTime", "SyncRemarks"}).
		AddRow("500", synced, "Complete", synced, "Sync cycle completed. 500 rows processed.")
	mock.ExpectQuery(`FROM \[sync\]\.\[SyncMeta\]`).
		WithArgs("lahore-01", "Item").
		WillReturnRows(rows)

	rec, err := s.GetOrCreate(context.Background(), tx, "lahore-01", "Item")
	if err != nil {
		t.Fatalf("GetOrCreate() returned error: %v", err)
	}
	if rec.LastValue != "500" {
		t.Errorf("LastValue = %q, want 500", rec.LastValue)
	}
	if rec.Status != StatusComplete {
		t.Errorf("Status = %q, want Complete", rec.Status)
	}
	if !rec.LastSynced.Valid || !rec.LastSynced.Time.Equal(synced) {
		t.Errorf("LastSynced = %+v, want %v", rec.LastSynced, synced)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetOrCreateInsertsFreshRow(t *testing.T) {
	s, mock, _ := newMockStore(t)
	tx := beginTx(t, s, mock)

	mock.ExpectQuery(`FROM \[sync\]\.\[SyncMeta\]`).
		WithArgs("lahore-01", "Item").
		WillReturnRows(sqlmock.NewRows([]string{"LastValue", "LastSynced", "SyncStatus", "LastCompletionTime", "SyncRemarks"}))
	mock.ExpectExec(`INSERT INTO \[sync\]\.\[SyncMeta\]`).
		WithArgs("lahore-01", "Item", "0", "Pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := s.GetOrCreate(context.Background(), tx, "lahore-01", "Item")
	if err != nil {
		t.Fatalf("GetOrCreate() returned error: %v", err)
	}
	if rec.LastValue != "0" {
		t.Errorf("fresh LastValue = %q, want 0", rec.LastValue)
	}
	if rec.Status != StatusPending {
		t.Errorf("fresh Status = %q, want Pending", rec.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetNotFound(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectQuery(`FROM \[sync\]\.\[SyncMeta\]`).
		WithArgs("lahore-01", "Ghost").
		WillReturnRows(sqlmock.NewRows([]string{"LastValue", "LastSynced", "SyncStatus", "LastCompletionTime", "SyncRemarks"}))

	_, err := s.Get(context.Background(), "lahore-01", "Ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() = %v, want ErrNotFound", err)
	}
}

func TestUpdateLastValue(t *testing.T) {
	s, mock, _ := newMockStore(t)
	tx := beginTx(t, s, mock)

	mock.ExpectExec(`SET LastValue = @p1`).
		WithArgs("750", "lahore-01", "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdateLastValue(context.Background(), tx, "lahore-01", "Item", "750"); err != nil {
		t.Fatalf("UpdateLastValue() returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateLastValueMissingRow(t *testing.T) {
	s, mock, logs := newMockStore(t)
	tx := beginTx(t, s, mock)

	mock.ExpectExec(`SET LastValue = @p1`).
		WithArgs("750", "lahore-01", "Item").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// A vanished row is logged as critical, not returned as an error; the
	// batch itself already committed data worth keeping.
	if err := s.UpdateLastValue(context.Background(), tx, "lahore-01", "Item", "750"); err != nil {
		t.Fatalf("UpdateLastValue() returned error: %v", err)
	}

	found := false
	for _, entry := range logs.All() {
		if entry.Level == zap.ErrorLevel && entry.ContextMap()["severity"] == "critical" {
			found = true
		}
	}
	if !found {
		t.Error("missing critical log entry for vanished catalog row")
	}
}

func TestUpdateStatus(t *testing.T) {
	s, mock, _ := newMockStore(t)
	tx := beginTx(t, s, mock)

	mock.ExpectExec(`SET SyncStatus = @p1, SyncRemarks = @p2, LastSynced = GETDATE\(\)\s+WHERE`).
		WithArgs("Failed", "Sync interrupted: timeout", "lahore-01", "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateStatus(context.Background(), tx, "lahore-01", "Item", StatusFailed, "Sync interrupted: timeout")
	if err != nil {
		t.Fatalf("UpdateStatus() returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateStatusCompleteStampsCompletionTime(t *testing.T) {
	s, mock, _ := newMockStore(t)
	tx := beginTx(t, s, mock)

	mock.ExpectExec(`LastCompletionTime = GETDATE\(\)`).
		WithArgs("Complete", "Sync cycle completed. 42 rows processed.", "lahore-01", "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateStatus(context.Background(), tx, "lahore-01", "Item", StatusComplete, "Sync cycle completed. 42 rows processed.")
	if err != nil {
		t.Fatalf("UpdateStatus() returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateStatusTruncatesRemarks(t *testing.T) {
	s, mock, _ := newMockStore(t)
	tx := beginTx(t, s, mock)

	long := strings.Repeat("x", 1500)
	mock.ExpectExec(`SET SyncStatus = @p1`).
		WithArgs("Failed", strings.Repeat("x", 1000), "lahore-01", "Item").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdateStatus(context.Background(), tx, "lahore-01", "Item", StatusFailed, long); err != nil {
		t.Fatalf("UpdateStatus() returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	s := strings.Repeat("€", 400) // 3 bytes each

	got := truncate(s, 1000)
	if len(got) > 1000 {
		t.Errorf("truncate() produced %d bytes, want <= 1000", len(got))
	}
	if !utf8.ValidString(got) {
		t.Error("truncate() split a rune")
	}

	if got := truncate("short", 1000); got != "short" {
		t.Errorf("truncate() changed a short string: %q", got)
	}
}

func TestList(t *testing.T) {
	s, mock, _ := newMockStore(t)

	listCols := []string{"BranchName", "TableName", "LastValue", "LastSynced", "SyncStatus", "LastCompletionTime", "SyncRemarks"}
	rows := sqlmock.NewRows(listCols).
		AddRow("karachi-02", "Item", "0", nil, "Pending", nil, nil).
		AddRow("lahore-01", "Item", "900", time.Now(), "Complete", time.Now(), "Sync cycle completed. 900 rows processed.")
	mock.ExpectQuery(`ORDER BY BranchName, TableName`).WillReturnRows(rows)

	records, err := s.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List() returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("List() returned %d records, want 2", len(records))
	}
	if records[0].BranchName != "karachi-02" || records[0].Status != StatusPending {
		t.Errorf("first record = %+v", records[0])
	}
	if !records[1].Remarks.Valid || !strings.Contains(records[1].Remarks.String, "900 rows") {
		t.Errorf("second record remarks = %+v", records[1].Remarks)
	}
}

func TestListFiltered(t *testing.T) {
	s, mock, _ := newMockStore(t)

	listCols := []string{"BranchName", "TableName", "LastValue", "LastSynced", "SyncStatus", "LastCompletionTime", "SyncRemarks"}
	mock.ExpectQuery(`WHERE SyncStatus = @p1`).
		WithArgs("Failed").
		WillReturnRows(sqlmock.NewRows(listCols).
			AddRow("lahore-01", "SALEDETAIL", "120", nil, "Failed", nil, "Sync interrupted: timeout"))

	records, err := s.List(context.Background(), "Failed")
	if err != nil {
		t.Fatalf("List() returned error: %v", err)
	}
	if len(records) != 1 || records[0].Status != StatusFailed {
		t.Errorf("List(Failed) = %+v", records)
	}
}
