package domain

import (
	"strings"
	"time"
)

// CsrfToken represents one double-submit credential. The combined form
// travels in both the cookie and the X-CSRF-Token header; the server rejects
// any request where the two differ.
type CsrfToken struct {
	// BindingID is an opaque identifier correlating the token to a
	// server-side session record. It is not the principal id.
	BindingID string
	Secret    string
	IssuedAt  time.Time
	MaxAge    time.Duration
}

// Combined returns the wire form "bindingID:secret".
func (t CsrfToken) Combined() string {
	return t.BindingID + ":" + t.Secret
}

// IsExpired reports whether the token has exceeded its max age.
func (t CsrfToken) IsExpired(at time.Time) bool {
	if t.MaxAge <= 0 {
		return false
	}
	return !t.IssuedAt.Add(t.MaxAge).After(at)
}

// IsUsable reports whether the token can still be attached to a request.
func (t CsrfToken) IsUsable(at time.Time) bool {
	return t.BindingID != "" && t.Secret != "" && !t.IsExpired(at)
}

// Matches reports whether the supplied combined value is valid against this
// token at the given moment. A mismatched binding id is rejected independent
// of secret equality.
func (t CsrfToken) Matches(combined string, at time.Time) bool {
	bindingID, secret, ok := SplitCombined(combined)
	if !ok {
		return false
	}
	if bindingID != t.BindingID {
		return false
	}
	if secret != t.Secret {
		return false
	}
	return !t.IsExpired(at)
}

// SplitCombined parses a combined token value into its halves. The secret may
// itself contain ":"; only the first separator is structural.
func SplitCombined(combined string) (bindingID, secret string, ok bool) {
	bindingID, secret, found := strings.Cut(combined, ":")
	if !found || bindingID == "" || secret == "" {
		return "", "", false
	}
	return bindingID, secret, true
}
