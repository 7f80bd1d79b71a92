package backend

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/arklim/merchant-console-session/internal/core/domain"
)

// TokenSource supplies and refreshes the CSRF token the guard attaches to
// mutating requests.
type TokenSource interface {
	EnsureToken(ctx context.Context) (domain.CsrfToken, error)
	Rotate(ctx context.Context) (domain.CsrfToken, error)
}

// RevokeSink receives fatal authentication failures observed on guarded
// requests. Implementations must be idempotent.
type RevokeSink interface {
	ForceRevoke(ctx context.Context, cause error)
}

// Guard wraps every state-changing outbound call: it attaches the current
// CSRF token, self-heals exactly once on a reported token mismatch, and
// routes fatal authentication failures to the revoke path instead of
// retrying them.
type Guard struct {
	client *Client
	tokens TokenSource
	sink   RevokeSink
	logger *zap.Logger
}

// NewGuard constructs a request guard over the boundary client.
func NewGuard(client *Client, tokens TokenSource, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{client: client, tokens: tokens, logger: logger}
}

// WithRevokeSink registers the receiver for fatal authentication failures.
func (g *Guard) WithRevokeSink(sink RevokeSink) *Guard {
	g.sink = sink
	return g
}

// Do performs one guarded mutating request. On a CSRF mismatch it rotates
// the token and retries once; a second mismatch is surfaced unmodified,
// bounding retry amplification to one extra round trip.
func (g *Guard) Do(ctx context.Context, method, path string, body, out any) error {
	token, err := g.tokens.EnsureToken(ctx)
	if err != nil {
		return err
	}

	err = g.client.Do(ctx, method, path, body, out, map[string]string{CsrfHeader: token.Combined()})
	if errors.Is(err, ErrCsrfMismatch) {
		g.logger.Debug("csrf mismatch reported, rotating token once")
		token, rotateErr := g.tokens.Rotate(ctx)
		if rotateErr != nil {
			g.logger.Warn("csrf rotate after mismatch failed", zap.Error(rotateErr))
			return err
		}
		err = g.client.Do(ctx, method, path, body, out, map[string]string{CsrfHeader: token.Combined()})
	}

	if err != nil && IsAuthFailure(err) && g.sink != nil {
		g.sink.ForceRevoke(ctx, err)
	}

	return err
}

// Post performs a guarded POST, the common case for dashboard mutations.
func (g *Guard) Post(ctx context.Context, path string, body, out any) error {
	return g.Do(ctx, http.MethodPost, path, body, out)
}
