package broadcast

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arklim/merchant-console-session/internal/core/domain"
	"github.com/arklim/merchant-console-session/internal/core/port"
	"github.com/arklim/merchant-console-session/internal/infra/config"
)

// RedisSynchronizer propagates state transitions across processes through a
// Redis pub/sub channel scoped to the dashboard origin.
type RedisSynchronizer struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	mu       sync.Mutex
	nextID   int
	handlers map[int]func(domain.StateChange)

	sub    *redis.PubSub
	done   chan struct{}
	closed bool
}

// NewRedisSynchronizer connects to Redis and verifies connectivity.
func NewRedisSynchronizer(cfg config.RedisSettings, logger *zap.Logger) (*RedisSynchronizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     4,
		MinIdleConns: 1,
		MaxRetries:   3,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	channel := cfg.ChannelPrefix
	if channel == "" {
		channel = "console:session"
	}
	channel += ":state"

	logger.Info("redis broadcast connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("channel", channel),
		zap.Bool("tls_enabled", cfg.TLSEnabled),
	)

	return &RedisSynchronizer{
		client:   client,
		channel:  channel,
		logger:   logger,
		handlers: make(map[int]func(domain.StateChange)),
		done:     make(chan struct{}),
	}, nil
}

// Publish serializes the message and publishes it on the state channel.
func (s *RedisSynchronizer) Publish(ctx context.Context, msg domain.StateChange) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal state change: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe registers a handler. The first subscriber starts the receive
// loop; handlers run on the loop goroutine in arrival order.
func (s *RedisSynchronizer) Subscribe(ctx context.Context, handler func(domain.StateChange)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("synchronizer closed")
	}

	if s.sub == nil {
		sub := s.client.Subscribe(ctx, s.channel)
		if _, err := sub.Receive(ctx); err != nil {
			return nil, fmt.Errorf("redis subscribe: %w", err)
		}
		s.sub = sub
		go s.receive(sub.Channel())
	}

	id := s.nextID
	s.nextID++
	s.handlers[id] = handler

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}, nil
}

func (s *RedisSynchronizer) receive(ch <-chan *redis.Message) {
	for {
		select {
		case <-s.done:
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg domain.StateChange
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				s.logger.Warn("discard malformed broadcast payload", zap.Error(err))
				continue
			}

			s.mu.Lock()
			handlers := make([]func(domain.StateChange), 0, len(s.handlers))
			for _, h := range s.handlers {
				handlers = append(handlers, h)
			}
			s.mu.Unlock()

			for _, h := range handlers {
				h(msg)
			}
		}
	}
}

// Close stops the receive loop and releases the connection pool.
func (s *RedisSynchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	sub := s.sub
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// HealthCheck pings Redis, for readiness probes.
func (s *RedisSynchronizer) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

var _ port.Broadcaster = (*RedisSynchronizer)(nil)
