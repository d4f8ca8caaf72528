// Package usersession implements the hybrid in-memory/persistent cache of
// per-user login sessions described in §4.6: a hot in-memory path updated
// on every action, a persistent store consulted on cache miss, and a
// background sweeper that retires idle entries. Grounded on this
// codebase's idle/daily session-expiry sweep and time-limited dedup-cache
// patterns, with thresholds confirmed against the original session
// manager's 24-minute/36-minute test fixtures (0.8T/1.2T at T=30m).
package usersession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/kestrelsoft/ras/internal/model"
)

// PersistentStore is the durability hook the cache consults on a cache
// miss and writes back to lazily; its internals are out of scope here.
type PersistentStore interface {
	// Load returns the currently active row for userID, if any.
	Load(ctx context.Context, userID string) (*model.UserSession, bool, error)
	// Upsert atomically supersedes any existing active row for the user
	// with s in one transaction, guaranteeing cross-process uniqueness.
	Upsert(ctx context.Context, s model.UserSession) error
	// MarkInactive flips the active flag for userID off.
	MarkInactive(ctx context.Context, userID string) error
}

// Cache is the hybrid hot-path/persistent tracker for UserSession records.
type Cache struct {
	mu      sync.Mutex
	hot     map[string]*model.UserSession
	store   PersistentStore
	timeout time.Duration

	cron *cron.Cron
}

// New builds a Cache backed by store, with the given idle timeout.
func New(store PersistentStore, timeout time.Duration) *Cache {
	return &Cache{
		hot:     make(map[string]*model.UserSession),
		store:   store,
		timeout: timeout,
	}
}

// Touch records activity for userID, adopting or creating its session as
// needed, and returns the (possibly new) session token.
func (c *Cache) Touch(ctx context.Context, userID string) (string, error) {
	now := time.Now()

	c.mu.Lock()
	if s, ok := c.hot[userID]; ok && !s.Idle(now, c.timeout) {
		s.LastActivity = now
		token := s.SessionToken
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	// Cache miss: always consult the persistent store first so a session
	// active on another process instance is adopted rather than shadowed.
	existing, found, err := c.store.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	if found && !existing.Idle(now, c.timeout) {
		existing.LastActivity = now
		c.mu.Lock()
		c.hot[userID] = existing
		c.mu.Unlock()
		if err := c.store.Upsert(ctx, *existing); err != nil {
			return "", err
		}
		return existing.SessionToken, nil
	}

	if found {
		if err := c.store.MarkInactive(ctx, userID); err != nil {
			return "", err
		}
	}

	fresh := &model.UserSession{
		UserID:       userID,
		SessionToken: newToken(),
		StartedAt:    now,
		LastActivity: now,
		Active:       true,
	}
	if err := c.store.Upsert(ctx, *fresh); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.hot[userID] = fresh
	c.mu.Unlock()
	return fresh.SessionToken, nil
}

// StartSweeper schedules the cleanup task on a declarative @every interval
// of max(60s, T/6), writing back near-expiry entries and dropping
// cleanup-threshold ones from the hot path, marking their store rows
// inactive. Grounded on the original session manager's own periodic-sweep
// cadence, expressed here as a cron/v3 schedule rather than a hand-rolled
// ticker loop since the interval is a fixed, named cadence rather than a
// one-off timer.
func (c *Cache) StartSweeper(ctx context.Context) {
	interval := c.timeout / 6
	if interval < 60*time.Second {
		interval = 60 * time.Second
	}
	c.cron = cron.New()
	_, _ = c.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() { c.sweep(ctx) })
	c.cron.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
}

// Stop halts the sweeper and blocks until its in-flight run, if any, has
// exited.
func (c *Cache) Stop() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
}

func (c *Cache) sweep(ctx context.Context) {
	now := time.Now()
	c.mu.Lock()
	var toWriteback []model.UserSession
	var toDrop []string
	for userID, s := range c.hot {
		switch {
		case s.PastCleanup(now, c.timeout):
			toDrop = append(toDrop, userID)
		case s.NearExpiry(now, c.timeout):
			toWriteback = append(toWriteback, *s)
		}
	}
	for _, id := range toDrop {
		delete(c.hot, id)
	}
	c.mu.Unlock()

	for _, s := range toWriteback {
		_ = c.store.Upsert(ctx, s)
	}
	for _, id := range toDrop {
		_ = c.store.MarkInactive(ctx, id)
	}
}

func newToken() string {
	return uuid.NewString()
}
