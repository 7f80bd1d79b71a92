package port

import (
	"context"
	"time"

	"github.com/arklim/merchant-console-session/internal/core/domain"
)

// AuthBackend is the authentication slice of the backend boundary. The
// session credential itself travels in the transport's cookie store; these
// calls only exchange identity and expiry facts.
type AuthBackend interface {
	Login(ctx context.Context, email, password string) (domain.Session, error)
	// Refresh extends the current session and returns the new expiry.
	// Identity is unchanged by renewal.
	Refresh(ctx context.Context) (time.Time, error)
	Logout(ctx context.Context) error
}

// CsrfBackend is the CSRF token slice of the backend boundary.
type CsrfBackend interface {
	Issue(ctx context.Context) (domain.CsrfToken, error)
	// Rotate requests a new secret for the same binding id.
	Rotate(ctx context.Context) (domain.CsrfToken, error)
	// Invalidate discards the server-side record and expires the cookie.
	Invalidate(ctx context.Context) error
	Validate(ctx context.Context, combined string) (bool, error)
}
