package usersession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kestrelsoft/ras/internal/model"
)

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]model.UserSession
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[string]model.UserSession{}} }

func (f *fakeStore) Load(ctx context.Context, userID string) (*model.UserSession, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[userID]
	if !ok || !row.Active {
		return nil, false, nil
	}
	cp := row
	return &cp, true, nil
}

func (f *fakeStore) Upsert(ctx context.Context, s model.UserSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[s.UserID] = s
	return nil
}

func (f *fakeStore) MarkInactive(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.rows[userID]
	row.Active = false
	f.rows[userID] = row
	return nil
}

func TestTouchCreatesThenReusesHotEntry(t *testing.T) {
	store := newFakeStore()
	c := New(store, 30*time.Minute)

	token1, err := c.Touch(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	token2, err := c.Touch(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if token1 != token2 {
		t.Errorf("second Touch minted a new token: %q vs %q", token1, token2)
	}
}

func TestTouchAdoptsActiveRowOnCacheMiss(t *testing.T) {
	store := newFakeStore()
	_ = store.Upsert(context.Background(), model.UserSession{
		UserID: "u1", SessionToken: "existing-token",
		StartedAt: time.Now(), LastActivity: time.Now(), Active: true,
	})

	c := New(store, 30*time.Minute)
	token, err := c.Touch(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if token != "existing-token" {
		t.Errorf("token = %q, want adoption of existing-token", token)
	}
}

func TestTouchSupersedesExpiredRow(t *testing.T) {
	store := newFakeStore()
	_ = store.Upsert(context.Background(), model.UserSession{
		UserID: "u1", SessionToken: "stale-token",
		StartedAt: time.Now().Add(-2 * time.Hour),
		LastActivity: time.Now().Add(-2 * time.Hour), Active: true,
	})

	c := New(store, 30*time.Minute)
	token, err := c.Touch(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if token == "stale-token" {
		t.Errorf("expired row was not superseded")
	}
	row, found, _ := store.Load(context.Background(), "u1")
	_ = row
	if found && row != nil && row.SessionToken == "stale-token" {
		t.Errorf("stale row still reported active")
	}
}

func TestSweepDropsPastCleanupAndWritesBackNearExpiry(t *testing.T) {
	store := newFakeStore()
	c := New(store, 30*time.Minute)

	c.hot["near"] = &model.UserSession{
		UserID: "near", SessionToken: "t-near",
		LastActivity: time.Now().Add(-25 * time.Minute), Active: true,
	}
	c.hot["gone"] = &model.UserSession{
		UserID: "gone", SessionToken: "t-gone",
		LastActivity: time.Now().Add(-40 * time.Minute), Active: true,
	}

	c.sweep(context.Background())

	c.mu.Lock()
	_, stillHot := c.hot["gone"]
	_, nearHot := c.hot["near"]
	c.mu.Unlock()
	if stillHot {
		t.Error("past-cleanup entry was not dropped from the hot path")
	}
	if !nearHot {
		t.Error("near-expiry entry should remain hot, only written back")
	}
	if _, found, _ := store.Load(context.Background(), "near"); !found {
		t.Error("near-expiry entry was not written back to the store")
	}
}
