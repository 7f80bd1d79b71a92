package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/arklim/merchant-console-session/internal/core/domain"
	"github.com/arklim/merchant-console-session/internal/core/port"
)

// API adapts the boundary client and guard onto the auth and CSRF ports.
// Mutating auth calls go through the guard so they carry the CSRF header;
// CSRF lifecycle calls go directly through the client, since they are the
// operations that produce the token in the first place.
type API struct {
	client     *Client
	guard      *Guard
	clock      port.Clock
	csrfMaxAge time.Duration
}

// NewAPI constructs the boundary adapter. The guard is attached separately
// because it needs a token source that is itself built on this API.
func NewAPI(client *Client, clock port.Clock, csrfMaxAge time.Duration) *API {
	return &API{client: client, clock: clock, csrfMaxAge: csrfMaxAge}
}

// WithGuard attaches the request guard used for mutating auth calls.
func (a *API) WithGuard(guard *Guard) *API {
	a.guard = guard
	return a
}

type principalPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type sessionPayload struct {
	ExpiresAt time.Time `json:"expires_at"`
}

type loginResponse struct {
	Principal principalPayload `json:"principal"`
	Session   sessionPayload   `json:"session"`
}

type refreshResponse struct {
	Session sessionPayload `json:"session"`
}

type csrfIssueResponse struct {
	Token         string `json:"token"`
	BindingID     string `json:"session_binding_id"`
	MaxAgeSeconds int    `json:"max_age"`
}

type csrfRotateResponse struct {
	Token string `json:"token"`
}

type csrfValidateResponse struct {
	Valid bool `json:"valid"`
}

// Login authenticates against the boundary and returns the granted session.
func (a *API) Login(ctx context.Context, email, password string) (domain.Session, error) {
	var resp loginResponse
	payload := map[string]string{"email": email, "password": password}
	if err := a.guard.Post(ctx, "/auth/login", payload, &resp); err != nil {
		return domain.Session{}, err
	}
	return domain.Session{
		PrincipalID:    resp.Principal.ID,
		PrincipalEmail: resp.Principal.Email,
		ExpiresAt:      resp.Session.ExpiresAt,
	}, nil
}

// Refresh extends the current session, returning the new expiry.
func (a *API) Refresh(ctx context.Context) (time.Time, error) {
	var resp refreshResponse
	if err := a.guard.Post(ctx, "/auth/refresh", nil, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.Session.ExpiresAt, nil
}

// Logout invalidates the session server-side. Callers proceed with local
// revocation regardless of the outcome.
func (a *API) Logout(ctx context.Context) error {
	return a.guard.Post(ctx, "/auth/logout", nil, nil)
}

// Issue obtains a fresh double-submit token.
func (a *API) Issue(ctx context.Context) (domain.CsrfToken, error) {
	var resp csrfIssueResponse
	if err := a.client.Do(ctx, http.MethodGet, "/csrf-token", nil, &resp, nil); err != nil {
		return domain.CsrfToken{}, err
	}

	_, secret, ok := domain.SplitCombined(resp.Token)
	if !ok {
		return domain.CsrfToken{}, fmt.Errorf("malformed csrf token in response")
	}

	maxAge := a.csrfMaxAge
	if resp.MaxAgeSeconds > 0 {
		maxAge = time.Duration(resp.MaxAgeSeconds) * time.Second
	}

	return domain.CsrfToken{
		BindingID: resp.BindingID,
		Secret:    secret,
		IssuedAt:  a.clock.Now(),
		MaxAge:    maxAge,
	}, nil
}

// Rotate requests a new secret for the current binding id.
func (a *API) Rotate(ctx context.Context) (domain.CsrfToken, error) {
	var resp csrfRotateResponse
	if err := a.client.Do(ctx, http.MethodPost, "/csrf-token/refresh", nil, &resp, nil); err != nil {
		return domain.CsrfToken{}, err
	}

	bindingID, secret, ok := domain.SplitCombined(resp.Token)
	if !ok {
		return domain.CsrfToken{}, fmt.Errorf("malformed csrf token in response")
	}

	return domain.CsrfToken{
		BindingID: bindingID,
		Secret:    secret,
		IssuedAt:  a.clock.Now(),
		MaxAge:    a.csrfMaxAge,
	}, nil
}

// Invalidate discards the server-side token record and expires the cookie.
func (a *API) Invalidate(ctx context.Context) error {
	return a.client.Do(ctx, http.MethodDelete, "/csrf-token", nil, nil, nil)
}

// Validate asks the boundary whether the combined value would be accepted.
func (a *API) Validate(ctx context.Context, combined string) (bool, error) {
	var resp csrfValidateResponse
	err := a.client.Do(ctx, http.MethodGet, "/csrf-token/validate", nil, &resp, map[string]string{CsrfHeader: combined})
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}

var (
	_ port.AuthBackend = (*API)(nil)
	_ port.CsrfBackend = (*API)(nil)
)
