package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kestrelsoft/ras/internal/model"
)

func setupMockHook(t *testing.T) (*PostgresHook, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	mock.ExpectPrepare("INSERT INTO sessions")
	mock.ExpectPrepare("SELECT payload FROM sessions")
	mock.ExpectPrepare("DELETE FROM sessions")
	h, err := newPostgresHookFromDB(db)
	if err != nil {
		t.Fatalf("newPostgresHookFromDB: %v", err)
	}
	return h, mock
}

func TestPostgresHookSaveSnapshotUpserts(t *testing.T) {
	h, mock := setupMockHook(t)
	defer h.Close()

	s := &model.Session{ID: "sess-1", OwnerUserID: "user-1", Status: model.StatusRunning, CreatedAt: time.Now()}

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("sess-1", "user-1", "", string(model.StatusRunning), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := h.SaveSnapshot(context.Background(), s); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresHookLoadAllDecodesPayloads(t *testing.T) {
	h, mock := setupMockHook(t)
	defer h.Close()

	row1 := `{"ID":"sess-1","OwnerUserID":"user-1","Status":"running"}`
	row2 := `{"ID":"sess-2","OwnerUserID":"user-2","Status":"completed"}`
	mock.ExpectQuery("SELECT payload FROM sessions").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(row1).AddRow(row2))

	sessions, err := h.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(sessions))
	}
	if sessions[0].ID != "sess-1" || sessions[1].ID != "sess-2" {
		t.Errorf("unexpected session ids: %+v", sessions)
	}
}

func TestPostgresHookDelete(t *testing.T) {
	h, mock := setupMockHook(t)
	defer h.Close()

	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := h.Delete(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
