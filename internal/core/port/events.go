package port

import (
	"context"

	"github.com/arklim/merchant-console-session/internal/core/domain"
)

// AuditPublisher emits session lifecycle events for downstream consumers.
// Publishing is fire-and-forget from the caller's perspective; failures must
// never affect the session state machine.
type AuditPublisher interface {
	PublishSessionOpened(ctx context.Context, event domain.SessionAuditEvent) error
	PublishSessionRenewed(ctx context.Context, event domain.SessionAuditEvent) error
	PublishSessionRevoked(ctx context.Context, event domain.SessionAuditEvent) error
}
