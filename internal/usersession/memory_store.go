package usersession

import (
	"context"
	"sync"

	"github.com/kestrelsoft/ras/internal/model"
)

// InMemoryPersistentStore is the default PersistentStore backing: a single
// process's canonical record when no external database is configured. A
// real deployment swaps this for a Postgres-backed implementation behind
// the same interface; Cache never depends on the concrete storage engine.
type InMemoryPersistentStore struct {
	mu   sync.Mutex
	rows map[string]model.UserSession
}

func NewInMemoryPersistentStore() *InMemoryPersistentStore {
	return &InMemoryPersistentStore{rows: make(map[string]model.UserSession)}
}

func (s *InMemoryPersistentStore) Load(ctx context.Context, userID string) (*model.UserSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok || !row.Active {
		return nil, false, nil
	}
	cp := row
	return &cp, true, nil
}

func (s *InMemoryPersistentStore) Upsert(ctx context.Context, row model.UserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.UserID] = row
	return nil
}

func (s *InMemoryPersistentStore) MarkInactive(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[userID]
	if !ok {
		return nil
	}
	row.Active = false
	s.rows[userID] = row
	return nil
}
