// Package supervisor owns the mapping from session id to the background
// loop driving it, enforcing at-most-one active loop per session plus
// timeouts and boot-time reconciliation. Grounded on this codebase's job
// store, whose Job{Status,cancelFunc}/MemoryStore{jobs,Cancel} pattern is
// the closest existing idiom for tracking a cancellable background task
// per key and interrupting it without a channel protocol of its own.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/kestrelsoft/ras/internal/model"
	"github.com/kestrelsoft/ras/internal/sessionstore"
)

// Driver advances one session by one or more iterations until it reaches a
// terminal status or ctx is cancelled. Implemented by package loop.
type Driver interface {
	Run(ctx context.Context, sessionID string) error
}

type loopHandle struct {
	token      string
	cancel     context.CancelFunc
	startedAt  time.Time
}

// Supervisor starts, tracks, interrupts, and reconciles one loop per
// session.
type Supervisor struct {
	mu     sync.Mutex
	loops  map[string]*loopHandle
	store  sessionstore.Store
	driver Driver
}

func New(store sessionstore.Store, driver Driver) *Supervisor {
	return &Supervisor{loops: make(map[string]*loopHandle), store: store, driver: driver}
}

// Start ensures a loop is running for sessionID. If one is already active,
// this is a no-op: the spec requires at most one active loop per session,
// and a caller racing to (re)start an already-running session should
// simply let the existing loop observe whatever prompted the start (e.g. a
// new history entry) on its own next iteration.
func (s *Supervisor) Start(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if _, running := s.loops[sessionID]; running {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{token: uuid.NewString(), cancel: cancel, startedAt: time.Now()}
	s.loops[sessionID] = handle
	s.mu.Unlock()

	applied, err := s.store.TryTransition(ctx, sessionID, model.StatusPending, model.StatusRunning)
	if err != nil {
		s.finish(sessionID)
		return err
	}
	if !applied {
		// Session may already be Running from a prior crash-recovered
		// state; proceed under the handle we just installed regardless,
		// since reconciliation is responsible for clearing stale Running
		// sessions with no live loop before Start is ever called again.
	}

	if err := s.store.WithSession(ctx, sessionID, func(sess *model.Session) error {
		sess.ActiveLoopToken = handle.token
		return nil
	}); err != nil {
		s.finish(sessionID)
		return err
	}

	go s.runLoop(loopCtx, sessionID, handle)
	return nil
}

func (s *Supervisor) runLoop(ctx context.Context, sessionID string, handle *loopHandle) {
	defer s.finish(sessionID)
	if err := s.driver.Run(ctx, sessionID); err != nil {
		_, _ = s.store.TryTransition(context.Background(), sessionID, model.StatusRunning, model.StatusError)
	}
}

func (s *Supervisor) finish(sessionID string) {
	s.mu.Lock()
	delete(s.loops, sessionID)
	s.mu.Unlock()
	_ = s.store.WithSession(context.Background(), sessionID, func(sess *model.Session) error {
		sess.ActiveLoopToken = ""
		return nil
	})
}

// Interrupt cancels sessionID's active loop, if any, and transitions it to
// Interrupted. Calling Interrupt twice on an already-interrupted session is
// a no-op the second time: there is no active loop left to cancel.
func (s *Supervisor) Interrupt(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	handle, ok := s.loops[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := s.store.TryTransition(ctx, sessionID, model.StatusRunning, model.StatusInterrupted)
	handle.cancel()
	return err
}

// Active reports whether sessionID currently has a live loop.
func (s *Supervisor) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[sessionID]
	return ok
}

// RunTimeouts schedules a declarative @every check that cancels any loop
// whose session has exceeded its configured time limit, measured from
// session creation (see the design decision on Open Question #1: time_limit
// bounds wall-clock age from creation, not from the most recent Running
// transition). Expressed as a cron/v3 schedule rather than a hand-rolled
// ticker, matching the cadence this codebase favors for named, recurring
// maintenance sweeps.
func (s *Supervisor) RunTimeouts(ctx context.Context, interval time.Duration) {
	c := cron.New()
	_, _ = c.AddFunc(fmt.Sprintf("@every %s", interval), func() { s.checkTimeouts(ctx) })
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
}

func (s *Supervisor) checkTimeouts(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		snap, err := s.store.Snapshot(ctx, id)
		if err != nil {
			continue
		}
		if snap.Config.TimeLimit > 0 && now.Sub(snap.CreatedAt) > snap.Config.TimeLimit {
			_, _ = s.store.TryTransition(ctx, id, model.StatusRunning, model.StatusTimeout)
			s.mu.Lock()
			handle, ok := s.loops[id]
			s.mu.Unlock()
			if ok {
				handle.cancel()
			}
		}
	}
}

// Reconcile runs once at boot: any session left in Running status with no
// live loop (e.g. the process crashed mid-iteration) is transitioned to
// Error.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	running, err := s.store.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: reconcile: %w", err)
	}
	for _, id := range running {
		if s.Active(id) {
			continue
		}
		_, _ = s.store.TryTransition(ctx, id, model.StatusRunning, model.StatusError)
	}
	return nil
}
