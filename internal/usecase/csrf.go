package usecase

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/arklim/merchant-console-session/internal/core/domain"
	"github.com/arklim/merchant-console-session/internal/core/port"
)

// ErrNoCsrfToken indicates no token is cached and none could be issued.
var ErrNoCsrfToken = fmt.Errorf("no csrf token available")

// CsrfTokenCache holds the current double-submit token and mediates its
// lifecycle. The cookie remains the source of truth; the in-memory token is
// a performance hint only and is never persisted anywhere else.
type CsrfTokenCache struct {
	backend port.CsrfBackend
	clock   port.Clock
	limiter *rate.Limiter
	logger  *zap.Logger

	mu    sync.Mutex
	token *domain.CsrfToken

	group singleflight.Group
}

// NewCsrfTokenCache constructs the cache. limiter paces calls against the
// boundary's documented CSRF endpoint budget and may be nil.
func NewCsrfTokenCache(backend port.CsrfBackend, clock port.Clock, limiter *rate.Limiter, logger *zap.Logger) *CsrfTokenCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CsrfTokenCache{
		backend: backend,
		clock:   clock,
		limiter: limiter,
		logger:  logger,
	}
}

// EnsureToken returns the cached token when present and unexpired, issuing a
// new one otherwise. Concurrent callers during issuance share one in-flight
// request.
func (c *CsrfTokenCache) EnsureToken(ctx context.Context) (domain.CsrfToken, error) {
	if token, ok := c.Current(); ok {
		return token, nil
	}

	result, err, _ := c.group.Do("issue", func() (any, error) {
		// Re-check under single-flight: a sibling caller may have landed
		// the token between the fast path and here.
		if token, ok := c.Current(); ok {
			return token, nil
		}
		if err := c.pace(ctx); err != nil {
			return nil, err
		}
		token, err := c.backend.Issue(ctx)
		if err != nil {
			return nil, fmt.Errorf("issue csrf token: %w", err)
		}
		c.store(token)
		return token, nil
	})
	if err != nil {
		return domain.CsrfToken{}, err
	}
	return result.(domain.CsrfToken), nil
}

// Rotate requests a new secret for the current binding id. Used proactively
// after session renewal and reactively after a server-reported mismatch.
func (c *CsrfTokenCache) Rotate(ctx context.Context) (domain.CsrfToken, error) {
	result, err, _ := c.group.Do("rotate", func() (any, error) {
		if err := c.pace(ctx); err != nil {
			return nil, err
		}
		token, err := c.backend.Rotate(ctx)
		if err != nil {
			return nil, fmt.Errorf("rotate csrf token: %w", err)
		}
		c.store(token)
		return token, nil
	})
	if err != nil {
		return domain.CsrfToken{}, err
	}
	return result.(domain.CsrfToken), nil
}

// Clear discards the cached token and asks the boundary to expire the
// corresponding cookie. The local cache is dropped even when the boundary
// call fails, so no subsequent request can be mistakenly authorized.
func (c *CsrfTokenCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()

	if err := c.backend.Invalidate(ctx); err != nil {
		return fmt.Errorf("invalidate csrf token: %w", err)
	}
	return nil
}

// Drop discards the cached token without contacting the boundary. Used when
// a sibling execution context already invalidated the server-side record.
func (c *CsrfTokenCache) Drop() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// ValidateLocally confirms the combined value is well-formed before any
// network round trip. It says nothing about server-side acceptance.
func (c *CsrfTokenCache) ValidateLocally(combined string) bool {
	_, _, ok := domain.SplitCombined(combined)
	return ok
}

// Current returns the cached token when it is still usable.
func (c *CsrfTokenCache) Current() (domain.CsrfToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil || !c.token.IsUsable(c.clock.Now()) {
		return domain.CsrfToken{}, false
	}
	return *c.token, true
}

func (c *CsrfTokenCache) store(token domain.CsrfToken) {
	c.mu.Lock()
	c.token = &token
	c.mu.Unlock()
}

func (c *CsrfTokenCache) pace(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("csrf endpoint pacing: %w", err)
	}
	return nil
}
