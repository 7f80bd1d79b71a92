package port

import (
	"context"

	"github.com/arklim/merchant-console-session/internal/core/domain"
)

// Broadcaster propagates session state transitions to sibling execution
// contexts of the same origin. Delivery is best-effort; receivers enforce
// the monotonic-expiry rule themselves.
type Broadcaster interface {
	Publish(ctx context.Context, msg domain.StateChange) error
	// Subscribe registers a handler for incoming messages and returns an
	// unsubscribe function. Handlers may be invoked from a different
	// goroutine than the subscriber's.
	Subscribe(ctx context.Context, handler func(domain.StateChange)) (func(), error)
	Close() error
}
