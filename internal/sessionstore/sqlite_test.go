package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelsoft/ras/internal/model"
)

func TestSQLiteHookRoundTripsSnapshot(t *testing.T) {
	h, err := NewSQLiteHook(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteHook: %v", err)
	}
	defer h.Close()

	s := &model.Session{
		ID:          "sess-1",
		OwnerUserID: "user-1",
		Status:      model.StatusRunning,
		CreatedAt:   time.Now(),
		History:     []model.ConversationEntry{{ID: "e1", Sender: model.SenderUser, Message: "hello"}},
	}
	if err := h.SaveSnapshot(context.Background(), s); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := h.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "sess-1" {
		t.Fatalf("LoadAll = %+v, want one session sess-1", loaded)
	}
	if len(loaded[0].History) != 1 || loaded[0].History[0].Message != "hello" {
		t.Errorf("History not round-tripped: %+v", loaded[0].History)
	}
}

func TestSQLiteHookSaveSnapshotUpdatesExisting(t *testing.T) {
	h, err := NewSQLiteHook(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteHook: %v", err)
	}
	defer h.Close()

	s := &model.Session{ID: "sess-1", Status: model.StatusRunning}
	if err := h.SaveSnapshot(context.Background(), s); err != nil {
		t.Fatalf("SaveSnapshot (create): %v", err)
	}
	s.Status = model.StatusCompleted
	if err := h.SaveSnapshot(context.Background(), s); err != nil {
		t.Fatalf("SaveSnapshot (update): %v", err)
	}

	loaded, err := h.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("len(loaded) = %d, want 1 (update, not duplicate row)", len(loaded))
	}
	if loaded[0].Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", loaded[0].Status)
	}
}

func TestSQLiteHookDeleteRemovesRow(t *testing.T) {
	h, err := NewSQLiteHook(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteHook: %v", err)
	}
	defer h.Close()

	s := &model.Session{ID: "sess-1", Status: model.StatusRunning}
	if err := h.SaveSnapshot(context.Background(), s); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := h.Delete(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	loaded, err := h.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("len(loaded) = %d, want 0 after delete", len(loaded))
	}
}
