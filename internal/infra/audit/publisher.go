package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/merchant-console-session/internal/core/domain"
	"github.com/arklim/merchant-console-session/internal/core/port"
	"github.com/arklim/merchant-console-session/internal/infra/config"
)

const schemaVersion = "1.0"

// Publisher implements port.AuditPublisher over Kafka.
type Publisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewPublisher constructs a Kafka-backed audit publisher.
func NewPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *Publisher {
	return &Publisher{producer: producer, appCfg: appCfg, logger: logger}
}

type eventEnvelope struct {
	EventID     string            `json:"event_id"`
	EventType   string            `json:"event_type"`
	PrincipalID string            `json:"principal_id,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Version     string            `json:"version"`
	Payload     any               `json:"payload"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (p *Publisher) publish(ctx context.Context, eventType string, event domain.SessionAuditEvent) error {
	ts := event.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := event.EventID
	if id == "" {
		id = uuid.NewString()
	}

	payload := struct {
		PrincipalID string         `json:"principal_id"`
		ExpiresAt   time.Time      `json:"expires_at,omitempty"`
		Reason      string         `json:"reason,omitempty"`
		Metadata    map[string]any `json:"metadata,omitempty"`
	}{
		PrincipalID: event.PrincipalID,
		ExpiresAt:   event.ExpiresAt.UTC(),
		Reason:      event.Reason,
		Metadata:    event.Metadata,
	}

	envelope := eventEnvelope{
		EventID:     id,
		EventType:   eventType,
		PrincipalID: event.PrincipalID,
		Timestamp:   ts.UTC(),
		Version:     schemaVersion,
		Payload:     payload,
		Metadata: map[string]string{
			"service":     p.appCfg.Name,
			"environment": p.appCfg.Env,
		},
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Value: sarama.ByteEncoder(bytes),
	}

	select {
	case p.producer.Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishSessionOpened publishes console.session.opened events.
func (p *Publisher) PublishSessionOpened(ctx context.Context, event domain.SessionAuditEvent) error {
	return p.publish(ctx, "session.opened", event)
}

// PublishSessionRenewed publishes console.session.renewed events.
func (p *Publisher) PublishSessionRenewed(ctx context.Context, event domain.SessionAuditEvent) error {
	return p.publish(ctx, "session.renewed", event)
}

// PublishSessionRevoked publishes console.session.revoked events.
func (p *Publisher) PublishSessionRevoked(ctx context.Context, event domain.SessionAuditEvent) error {
	return p.publish(ctx, "session.revoked", event)
}

var _ port.AuditPublisher = (*Publisher)(nil)
