package port

import (
	"context"

	"github.com/arklim/merchant-console-session/internal/core/domain"
)

// MarkerStore persists the small session marker (principal + expiry) used to
// avoid a redundant validation round trip on startup. The marker is a hint:
// it is never authoritative over the transport's cookie.
type MarkerStore interface {
	// Load returns the persisted session, or ok=false when no usable
	// marker exists. A tampered or expired marker is treated as absent.
	Load(ctx context.Context) (domain.Session, bool, error)
	Save(ctx context.Context, sess domain.Session) error
	Clear(ctx context.Context) error
}
