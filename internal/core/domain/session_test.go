package domain

import (
	"testing"
	"time"
)

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func activeSession(expiresIn time.Duration) Session {
	return Session{
		PrincipalID:    "merchant-1",
		PrincipalEmail: "owner@example.com",
		ExpiresAt:      base.Add(expiresIn),
	}
}

func TestSessionIsActiveBoundary(t *testing.T) {
	sess := activeSession(time.Hour)

	if !sess.IsActive(base) {
		t.Fatal("session should be active well before expiry")
	}
	if sess.IsActive(sess.ExpiresAt) {
		t.Fatal("session must not be active exactly at its expiry instant")
	}
	if sess.IsActive(sess.ExpiresAt.Add(time.Nanosecond)) {
		t.Fatal("session must not be active past expiry")
	}
}

func TestElapsedFraction(t *testing.T) {
	total := 24 * time.Hour
	sess := Session{ExpiresAt: base.Add(total)}

	tests := []struct {
		name string
		at   time.Time
		want float64
	}{
		{"at issue", base, 0},
		{"quarter", base.Add(6 * time.Hour), 0.25},
		{"half", base.Add(12 * time.Hour), 0.5},
		{"at expiry", base.Add(total), 1},
		{"past expiry", base.Add(total + time.Hour), 1},
		{"before issue", base.Add(-time.Hour), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sess.ElapsedFraction(tt.at, total)
			if got != tt.want {
				t.Fatalf("ElapsedFraction(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestElapsedFractionZeroTotal(t *testing.T) {
	sess := Session{ExpiresAt: base}
	if got := sess.ElapsedFraction(base, 0); got != 1 {
		t.Fatalf("zero total should read as fully elapsed, got %v", got)
	}
}

func TestRemainingNeverNegative(t *testing.T) {
	sess := activeSession(time.Minute)
	if got := sess.Remaining(base.Add(time.Hour)); got != 0 {
		t.Fatalf("Remaining past expiry = %v, want 0", got)
	}
	if got := sess.Remaining(base); got != time.Minute {
		t.Fatalf("Remaining = %v, want 1m", got)
	}
}

func TestActivateFromAnonymous(t *testing.T) {
	st := NewState()
	sess := activeSession(time.Hour)

	if !st.Activate(sess) {
		t.Fatal("activate from anonymous should succeed")
	}
	if st.Status != StatusActive {
		t.Fatalf("status = %s, want active", st.Status)
	}
	if st.Session.PrincipalID != sess.PrincipalID {
		t.Fatalf("principal = %s, want %s", st.Session.PrincipalID, sess.PrincipalID)
	}
}

func TestActivateWhileActiveSamePrincipalMonotonic(t *testing.T) {
	st := NewState()
	st.Activate(activeSession(2 * time.Hour))

	// An earlier expiry for the same principal is absorbed without change.
	earlier := activeSession(time.Hour)
	if st.Activate(earlier) {
		t.Fatal("earlier expiry must not win")
	}
	if got := st.Session.ExpiresAt; !got.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("expiry regressed to %v", got)
	}

	later := activeSession(3 * time.Hour)
	if !st.Activate(later) {
		t.Fatal("later expiry should win")
	}
	if got := st.Session.ExpiresAt; !got.Equal(base.Add(3 * time.Hour)) {
		t.Fatalf("expiry = %v, want %v", got, base.Add(3*time.Hour))
	}
}

func TestActivateRejectsDifferentPrincipal(t *testing.T) {
	st := NewState()
	st.Activate(activeSession(time.Hour))

	other := activeSession(5 * time.Hour)
	other.PrincipalID = "merchant-2"
	if st.Activate(other) {
		t.Fatal("activate with a different principal must be rejected")
	}
	if st.Session.PrincipalID != "merchant-1" {
		t.Fatalf("principal changed to %s", st.Session.PrincipalID)
	}
}

func TestMergeExpiryOnlyWhenActive(t *testing.T) {
	st := NewState()
	if st.MergeExpiry(base.Add(time.Hour)) {
		t.Fatal("merge on anonymous state must fail")
	}

	st.Activate(activeSession(time.Hour))
	if st.MergeExpiry(base.Add(time.Hour)) {
		t.Fatal("equal expiry must be a no-op")
	}
	if !st.MergeExpiry(base.Add(2 * time.Hour)) {
		t.Fatal("forward merge should succeed")
	}
}

func TestRevokeAndReset(t *testing.T) {
	st := NewState()
	if st.Revoke() {
		t.Fatal("revoke from anonymous must fail")
	}

	st.Activate(activeSession(time.Hour))
	if !st.Revoke() {
		t.Fatal("revoke from active should succeed")
	}
	if st.Status != StatusRevoked {
		t.Fatalf("status = %s, want revoked", st.Status)
	}
	if st.Revoke() {
		t.Fatal("revoke must not repeat")
	}

	if !st.Reset() {
		t.Fatal("reset from revoked should succeed")
	}
	if st.Status != StatusAnonymous {
		t.Fatalf("status = %s, want anonymous", st.Status)
	}
	if st.Session.PrincipalID != "" {
		t.Fatal("reset must clear session identity")
	}
}

func TestExpireTransitions(t *testing.T) {
	st := NewState()
	st.Activate(activeSession(time.Hour))

	if st.Expire(base) {
		t.Fatal("expire before the deadline must fail")
	}
	if !st.Expire(base.Add(2 * time.Hour)) {
		t.Fatal("expire past the deadline should succeed")
	}
	if st.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", st.Status)
	}

	// Expired sessions may be revoked (fatal server answer) or reset.
	if !st.Revoke() {
		t.Fatal("revoke from expired should succeed")
	}
}
