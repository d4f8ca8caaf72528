// Package sessionstore holds the process-wide mapping from session id to
// session state, with an exclusive-access discipline grounded on two
// teacher idioms: the store's own deep-clone-on-read/write pattern (avoids
// aliasing bugs across goroutines) and the ref-counted per-session-id
// mutex map used elsewhere in this codebase for exclusive tool-runtime
// access scoped to a single session.
package sessionstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelsoft/ras/internal/errkind"
	"github.com/kestrelsoft/ras/internal/model"
)

// Store is the access contract every component (loop driver, channel
// handler, supervisor) uses to read and mutate sessions. Implementations
// must never suspend on I/O while holding the lock acquired by WithSession.
type Store interface {
	Create(ctx context.Context, s *model.Session) error
	Snapshot(ctx context.Context, id string) (*model.Session, error)
	WithSession(ctx context.Context, id string, fn func(*model.Session) error) error
	TryTransition(ctx context.Context, id string, expected, next model.Status) (bool, error)
	ListRunning(ctx context.Context) ([]string, error)
}

// sessionLock is a ref-counted mutex for one session id: the map entry for
// an id only exists while at least one holder or waiter is live, so the
// lock table never grows with session count over the life of the process.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// MemoryStore is an in-process Store backed by a map, with per-session
// exclusive access and deep-clone reads so callers never alias the store's
// internal slices.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session

	locksMu sync.Mutex
	locks   map[string]*sessionLock

	hook PersistenceHook
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		locks:    make(map[string]*sessionLock),
	}
}

// Create inserts a new session. Returns an error if id already exists.
func (m *MemoryStore) Create(ctx context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("sessionstore: session %s already exists", s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	if m.hook != nil {
		if err := m.hook.SaveSnapshot(ctx, s.Clone()); err != nil {
			return fmt.Errorf("sessionstore: persisting session %s: %w", s.ID, err)
		}
	}
	return nil
}

// Snapshot returns a consistent deep copy of the session, safe to read
// without further locking.
func (m *MemoryStore) Snapshot(ctx context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errkind.New(errkind.SessionNotFound, ErrNotFound)
	}
	return s.Clone(), nil
}

// lockSession acquires the ref-counted per-session mutex for id and returns
// a release function. Acquiring increments refs; release decrements and
// removes the map entry once no one else is waiting.
func (m *MemoryStore) lockSession(id string) func() {
	m.locksMu.Lock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sessionLock{}
		m.locks[id] = lock
	}
	lock.refs++
	m.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, id)
		}
		m.locksMu.Unlock()
	}
}

// WithSession takes exclusive access to session id for the duration of fn.
// fn receives a live pointer it may mutate directly; the store commits the
// mutation by replacing its stored copy with a clone once fn returns
// successfully. fn must not perform network or disk I/O: suspending while
// holding this lock would block every other reader/writer of the same
// session indefinitely.
func (m *MemoryStore) WithSession(ctx context.Context, id string, fn func(*model.Session) error) error {
	unlock := m.lockSession(id)
	defer unlock()

	m.mu.RLock()
	existing, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return errkind.New(errkind.SessionNotFound, ErrNotFound)
	}
	working := existing.Clone()
	working.LastActivityAt = time.Now()

	if err := fn(working); err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions[id] = working
	m.mu.Unlock()

	if m.hook != nil {
		if err := m.hook.SaveSnapshot(ctx, working.Clone()); err != nil {
			return fmt.Errorf("sessionstore: persisting session %s: %w", id, err)
		}
	}
	return nil
}

// TryTransition performs a compare-and-swap on status: it only applies if
// the session's current status equals expected, reporting whether it did.
func (m *MemoryStore) TryTransition(ctx context.Context, id string, expected, next model.Status) (bool, error) {
	applied := false
	err := m.WithSession(ctx, id, func(s *model.Session) error {
		if s.Status != expected {
			return nil
		}
		s.Status = next
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ListRunning returns the ids of all sessions currently in Running status,
// used by the supervisor's boot-time reconciliation pass.
func (m *MemoryStore) ListRunning(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.sessions {
		if s.Status == model.StatusRunning {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

var ErrNotFound = fmt.Errorf("sessionstore: session not found")
