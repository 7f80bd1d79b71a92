package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/merchant-console-session/internal/core/domain"
	"github.com/arklim/merchant-console-session/internal/core/port"
)

// StubPublisher logs events instead of sending them to Kafka. Used when no
// brokers are configured.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly audit publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(eventType string, event domain.SessionAuditEvent) {
	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.logger.Info("stub audit event",
		zap.String("event_type", eventType),
		zap.String("principal_id", event.PrincipalID),
		zap.Time("timestamp", at.UTC()),
		zap.String("reason", event.Reason),
	)
}

// PublishSessionOpened logs session.opened events.
func (p *StubPublisher) PublishSessionOpened(_ context.Context, event domain.SessionAuditEvent) error {
	p.logEvent("session.opened", event)
	return nil
}

// PublishSessionRenewed logs session.renewed events.
func (p *StubPublisher) PublishSessionRenewed(_ context.Context, event domain.SessionAuditEvent) error {
	p.logEvent("session.renewed", event)
	return nil
}

// PublishSessionRevoked logs session.revoked events.
func (p *StubPublisher) PublishSessionRevoked(_ context.Context, event domain.SessionAuditEvent) error {
	p.logEvent("session.revoked", event)
	return nil
}

var _ port.AuditPublisher = (*StubPublisher)(nil)
