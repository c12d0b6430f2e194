package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

func TestResolveBranchIdentifier(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT TOP 1 BOTMESS1 FROM Logo`).
		WillReturnRows(sqlmock.NewRows([]string{"BOTMESS1"}).AddRow("  Branch A "))

	got := resolveBranchIdentifier(context.Background(), db, "PosDB", zap.NewNop())
	if got != "branch a" {
		t.Errorf("resolveBranchIdentifier = %q, want trimmed lowercased \"branch a\"", got)
	}
}

func TestResolveBranchIdentifierEmptyName(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT TOP 1 BOTMESS1 FROM Logo`).
		WillReturnRows(sqlmock.NewRows([]string{"BOTMESS1"}).AddRow("   "))

	if got := resolveBranchIdentifier(context.Background(), db, "LahorePOS", zap.NewNop()); got != "lahorepos" {
		t.Errorf("blank BOTMESS1 should fall back to the database name, got %q", got)
	}
}

func TestResolveBranchIdentifierNullName(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT TOP 1 BOTMESS1 FROM Logo`).
		WillReturnRows(sqlmock.NewRows([]string{"BOTMESS1"}).AddRow(nil))

	if got := resolveBranchIdentifier(context.Background(), db, "LahorePOS", zap.NewNop()); got != "lahorepos" {
		t.Errorf("NULL BOTMESS1 should fall back to the database name, got %q", got)
	}
}

func TestResolveBranchIdentifierMissingLogoTable(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT TOP 1 BOTMESS1 FROM Logo`).
		WillReturnError(errors.New("Invalid object name 'Logo'"))

	if got := resolveBranchIdentifier(context.Background(), db, "KarachiPOS", zap.NewNop()); got != "karachipos" {
		t.Errorf("missing Logo table should fall back to the database name, got %q", got)
	}
}

func TestResolveBranchIdentifierEmptyLogoTable(t *testing.T) {
	db, mock := newMockDB(t)

	// Zero rows surfaces as sql.ErrNoRows from the scan.
	mock.ExpectQuery(`SELECT TOP 1 BOTMESS1 FROM Logo`).
		WillReturnRows(sqlmock.NewRows([]string{"BOTMESS1"}))

	if got := resolveBranchIdentifier(context.Background(), db, "MultanPOS", zap.NewNop()); got != "multanpos" {
		t.Errorf("empty Logo table should fall back to the database name, got %q", got)
	}
}
