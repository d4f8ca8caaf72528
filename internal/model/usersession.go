package model

import "time"

// UserSession is a per-user login-scope record, distinct from the research
// Session type: it tracks human presence for idle-timeout purposes and has
// no history or loop of its own.
type UserSession struct {
	UserID       string
	SessionToken string
	StartedAt    time.Time
	LastActivity time.Time
	Active       bool
}

// Idle reports whether the session has had no activity for longer than
// timeout, as measured from now.
func (u UserSession) Idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(u.LastActivity) > timeout
}

// NearExpiry reports whether the session is within the proactive-writeback
// band (0.8T..1.2T) used by the cache's cleanup sweep.
func (u UserSession) NearExpiry(now time.Time, timeout time.Duration) bool {
	age := now.Sub(u.LastActivity)
	return age > (timeout*8)/10 && age <= (timeout*12)/10
}

// PastCleanup reports whether the session is old enough to be dropped from
// the in-memory hot path entirely.
func (u UserSession) PastCleanup(now time.Time, timeout time.Duration) bool {
	return now.Sub(u.LastActivity) > (timeout*12)/10
}
