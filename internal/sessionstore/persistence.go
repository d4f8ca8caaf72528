package sessionstore

import (
	"context"

	"github.com/kestrelsoft/ras/internal/model"
)

// PersistenceHook durably records session snapshots so a restarted process
// can rebuild MemoryStore's in-process map instead of losing every
// in-flight session. MemoryStore treats a hook as optional: nil disables
// durability entirely, matching single-process/ephemeral deployments.
type PersistenceHook interface {
	SaveSnapshot(ctx context.Context, s *model.Session) error
	LoadAll(ctx context.Context) ([]*model.Session, error)
	Delete(ctx context.Context, id string) error
}

// WithHook attaches a PersistenceHook to an existing MemoryStore: every
// Create and WithSession mutation is written through after the in-memory
// commit succeeds.
func (m *MemoryStore) WithHook(hook PersistenceHook) *MemoryStore {
	m.hook = hook
	return m
}

// Hydrate loads every persisted session from the attached hook into the
// in-memory map, for use at boot before Reconcile runs. A nil hook is a
// no-op.
func (m *MemoryStore) Hydrate(ctx context.Context) error {
	if m.hook == nil {
		return nil
	}
	sessions, err := m.hook.LoadAll(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	m.mu.Unlock()
	return nil
}
