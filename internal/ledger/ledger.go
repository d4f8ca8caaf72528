// Package ledger implements the credit ledger: atomic reserve/commit/refund
// over user- or organization-scoped balances, with unlimited-access grants
// and organization-membership-gated scoping. Grounded on the original
// credits-guard middleware's check order (unlimited, then organization
// membership, then balance) and on this codebase's usage tracker's
// mutex-guarded map-plus-slice record-keeping idiom.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelsoft/ras/internal/errkind"
)

var (
	ErrInsufficientCredits  = errors.New("ledger: insufficient credits")
	ErrNoAllocation         = errors.New("ledger: no credit allocation")
	ErrNotOrganizationMember = errors.New("ledger: not an organization member")
	ErrUnknownReservation   = errors.New("ledger: unknown reservation")
)

// ReservationID identifies one in-flight reserve/commit/refund cycle.
type ReservationID string

// ReserveRequest names the scope and amount of a pending debit.
type ReserveRequest struct {
	UserID   string
	OrgID    string // empty unless this invocation is organization-scoped
	Amount   int64
	Action   string
	EntityID string // e.g. the session id, for audit purposes
}

// Ledger is the contract tool invocation uses; see Invoker in package
// tools for how the three calls compose around one tool call.
type Ledger interface {
	Reserve(ctx context.Context, req ReserveRequest) (ReservationID, error)
	Commit(ctx context.Context, id ReservationID) error
	Refund(ctx context.Context, id ReservationID) error
}

type allocation struct {
	remaining int64
	limit     int64
	unlimited bool
}

type reservation struct {
	req       ReserveRequest
	scopeKey  string
	settled   bool
	createdAt time.Time
}

// MemoryLedger is an in-process Ledger over per-(user, org) allocations,
// membership, and in-flight reservations, each protected by the same
// mutex since reserve must check membership and balance atomically.
type MemoryLedger struct {
	mu              sync.Mutex
	userAllocations map[string]*allocation
	orgAllocations  map[string]*allocation
	orgMembers      map[string]map[string]bool // orgID -> userID -> member
	reservations    map[ReservationID]*reservation
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		userAllocations: make(map[string]*allocation),
		orgAllocations:  make(map[string]*allocation),
		orgMembers:      make(map[string]map[string]bool),
		reservations:    make(map[ReservationID]*reservation),
	}
}

// GrantUser sets (overwriting) a user's allocation.
func (l *MemoryLedger) GrantUser(userID string, remaining, limit int64, unlimited bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.userAllocations[userID] = &allocation{remaining: remaining, limit: limit, unlimited: unlimited}
}

// GrantOrg sets (overwriting) an organization's allocation.
func (l *MemoryLedger) GrantOrg(orgID string, remaining, limit int64, unlimited bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orgAllocations[orgID] = &allocation{remaining: remaining, limit: limit, unlimited: unlimited}
}

// AddMember records userID as an active member of orgID.
func (l *MemoryLedger) AddMember(orgID, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	members, ok := l.orgMembers[orgID]
	if !ok {
		members = map[string]bool{}
		l.orgMembers[orgID] = members
	}
	members[userID] = true
}

// Reserve atomically checks unlimited-access, then organization membership
// (if org-scoped), then balance, debiting on success. The check order
// mirrors the original credits-guard middleware exactly.
func (l *MemoryLedger) Reserve(ctx context.Context, req ReserveRequest) (ReservationID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if userAlloc := l.userAllocations[req.UserID]; userAlloc != nil && userAlloc.unlimited {
		id := ReservationID(uuid.NewString())
		l.reservations[id] = &reservation{req: req, scopeKey: req.UserID, createdAt: time.Now()}
		return id, nil
	}

	scopeKey := req.UserID
	alloc, ok := l.userAllocations[req.UserID]

	if req.OrgID != "" {
		members := l.orgMembers[req.OrgID]
		if !members[req.UserID] {
			return "", errkind.New(errkind.PermissionDenied, fmt.Errorf("%w: user %s in org %s", ErrNotOrganizationMember, req.UserID, req.OrgID))
		}
		scopeKey = "org:" + req.OrgID
		alloc, ok = l.orgAllocations[req.OrgID]
	}

	if !ok {
		return "", errkind.New(errkind.InsufficientCredits, ErrNoAllocation)
	}
	if alloc.unlimited {
		id := ReservationID(uuid.NewString())
		l.reservations[id] = &reservation{req: req, scopeKey: scopeKey, createdAt: time.Now()}
		return id, nil
	}
	if alloc.remaining < req.Amount {
		return "", errkind.New(errkind.InsufficientCredits, fmt.Errorf("%w: required %d, available %d", ErrInsufficientCredits, req.Amount, alloc.remaining))
	}

	alloc.remaining -= req.Amount
	id := ReservationID(uuid.NewString())
	l.reservations[id] = &reservation{req: req, scopeKey: scopeKey, createdAt: time.Now()}
	return id, nil
}

// Commit finalizes a reservation; the debit already happened at Reserve
// time, so Commit only marks the reservation settled for audit purposes.
func (l *MemoryLedger) Commit(ctx context.Context, id ReservationID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[id]
	if !ok {
		return errkind.New(errkind.InvalidState, ErrUnknownReservation)
	}
	res.settled = true
	return nil
}

// Refund reverses the debit made at Reserve time and removes the
// reservation. Unlimited-access reservations have nothing to credit back.
func (l *MemoryLedger) Refund(ctx context.Context, id ReservationID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[id]
	if !ok {
		return errkind.New(errkind.InvalidState, ErrUnknownReservation)
	}
	delete(l.reservations, id)

	var alloc *allocation
	if orgID, ok := strings.CutPrefix(res.scopeKey, "org:"); ok {
		alloc = l.orgAllocations[orgID]
	} else {
		alloc = l.userAllocations[res.scopeKey]
	}
	if alloc != nil && !alloc.unlimited {
		alloc.remaining += res.req.Amount
	}
	return nil
}

// Available reports the current balance for a user (and, if given, their
// organization scope), used by REST handlers and tests.
func (l *MemoryLedger) Available(userID, orgID string) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var alloc *allocation
	var ok bool
	if orgID != "" {
		alloc, ok = l.orgAllocations[orgID]
	} else {
		alloc, ok = l.userAllocations[userID]
	}
	if !ok {
		return 0, false
	}
	if alloc.unlimited {
		return 1 << 32, true
	}
	return alloc.remaining, true
}
