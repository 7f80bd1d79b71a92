package domain

import "time"

// Status enumerates the session lifecycle states.
type Status string

const (
	StatusAnonymous Status = "anonymous"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
)

// Session represents one authenticated principal's validity window.
// Identity fields are immutable for the session's life; only ExpiresAt
// moves, and only forward.
type Session struct {
	PrincipalID    string
	PrincipalEmail string
	ExpiresAt      time.Time
}

// IsActive reports whether the session is still valid at the supplied moment.
func (s Session) IsActive(at time.Time) bool {
	return s.ExpiresAt.After(at)
}

// ElapsedFraction returns how much of the session's total duration has
// elapsed at the supplied moment, assuming the session was issued total
// before ExpiresAt. Values are clamped to [0, 1].
func (s Session) ElapsedFraction(at time.Time, total time.Duration) float64 {
	if total <= 0 {
		return 1
	}
	issuedAt := s.ExpiresAt.Add(-total)
	elapsed := at.Sub(issuedAt)
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= total {
		return 1
	}
	return float64(elapsed) / float64(total)
}

// Remaining returns the time left until expiry, never negative.
func (s Session) Remaining(at time.Time) time.Duration {
	d := s.ExpiresAt.Sub(at)
	if d < 0 {
		return 0
	}
	return d
}

// State couples a lifecycle status with the session it describes.
// Transition methods return true when the state changed.
type State struct {
	Status  Status
	Session Session
}

// NewState returns the initial anonymous state.
func NewState() State {
	return State{Status: StatusAnonymous}
}

// Activate transitions to Active with the supplied session. From Active the
// call only succeeds when identity is unchanged and the new expiry is not
// earlier than the current one (monotonic expiry).
func (st *State) Activate(sess Session) bool {
	switch st.Status {
	case StatusAnonymous:
		st.Status = StatusActive
		st.Session = sess
		return true
	case StatusActive:
		if sess.PrincipalID != st.Session.PrincipalID {
			return false
		}
		return st.MergeExpiry(sess.ExpiresAt)
	default:
		return false
	}
}

// MergeExpiry moves the active session's expiry forward. An earlier or equal
// expiry is a no-op, protecting against out-of-order updates.
func (st *State) MergeExpiry(expiry time.Time) bool {
	if st.Status != StatusActive {
		return false
	}
	if !expiry.After(st.Session.ExpiresAt) {
		return false
	}
	st.Session.ExpiresAt = expiry
	return true
}

// Expire marks an active session past its deadline.
func (st *State) Expire(at time.Time) bool {
	if st.Status != StatusActive {
		return false
	}
	if st.Session.IsActive(at) {
		return false
	}
	st.Status = StatusExpired
	return true
}

// Revoke terminates the session on explicit logout or a fatal
// authentication failure.
func (st *State) Revoke() bool {
	if st.Status != StatusActive && st.Status != StatusExpired {
		return false
	}
	st.Status = StatusRevoked
	return true
}

// Reset returns to Anonymous once cleanup has completed.
func (st *State) Reset() bool {
	if st.Status != StatusRevoked && st.Status != StatusExpired {
		return false
	}
	*st = NewState()
	return true
}
