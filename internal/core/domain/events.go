package domain

import "time"

// TransitionKind labels a cross-context state change broadcast.
type TransitionKind string

const (
	TransitionLogin   TransitionKind = "login"
	TransitionRenewed TransitionKind = "renewed"
	TransitionRevoked TransitionKind = "revoked"
)

// StateChange is the lightweight message broadcast to sibling execution
// contexts of the same origin. Receivers apply it directly instead of
// contacting the backend; renewal messages only ever move expiry forward.
type StateChange struct {
	MessageID      string         `json:"message_id"`
	Origin         string         `json:"origin"`
	Kind           TransitionKind `json:"kind"`
	PrincipalID    string         `json:"principal_id,omitempty"`
	PrincipalEmail string         `json:"principal_email,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at,omitempty"`
	At             time.Time      `json:"at"`
}

// SessionAuditEvent captures lifecycle changes for the audit stream.
type SessionAuditEvent struct {
	EventID     string
	PrincipalID string
	ExpiresAt   time.Time
	At          time.Time
	Reason      string
	Metadata    map[string]any
}
