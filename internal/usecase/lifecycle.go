package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/arklim/merchant-console-session/internal/backend"
	"github.com/arklim/merchant-console-session/internal/core/domain"
	"github.com/arklim/merchant-console-session/internal/core/port"
	"github.com/arklim/merchant-console-session/internal/infra/config"
	"github.com/arklim/merchant-console-session/internal/infra/logger"
	"github.com/arklim/merchant-console-session/internal/infra/telemetry"
)

// ErrNotAuthenticated indicates an operation that requires an active session
// was invoked without one.
var ErrNotAuthenticated = fmt.Errorf("not authenticated")

const (
	revokeReasonLogout      = "logout"
	revokeReasonExpired     = "deadline_expired"
	revokeReasonAuthFailure = "auth_failure"
	revokeReasonRemote      = "remote_revoke"
)

// LifecycleManager drives the session state machine: it owns the periodic
// check loop, decides when to renew, performs renewal with a single-flight
// guarantee, and coordinates CSRF cleanup and cross-context broadcast on
// every transition. One instance corresponds to one execution context.
type LifecycleManager struct {
	cfg        config.SessionSettings
	clock      port.Clock
	auth       port.AuthBackend
	csrf       *CsrfTokenCache
	marker     port.MarkerStore
	broadcast  port.Broadcaster
	audit      port.AuditPublisher
	metrics    *telemetry.Metrics
	logger     *zap.Logger
	instanceID string

	mu        sync.Mutex
	state     domain.State
	warnFired bool

	group singleflight.Group

	subsMu       sync.Mutex
	subscribers  []func(domain.State)
	warnHandlers []func(remaining time.Duration)

	started     bool
	stopOnce    sync.Once
	stopCh      chan struct{}
	unsubscribe func()
	loopWG      sync.WaitGroup
}

// NewLifecycleManager constructs a manager. Broadcast, audit, and metrics
// are optional and attached via the With... methods.
func NewLifecycleManager(
	cfg config.SessionSettings,
	clock port.Clock,
	auth port.AuthBackend,
	csrf *CsrfTokenCache,
	marker port.MarkerStore,
	log *zap.Logger,
) (*LifecycleManager, error) {
	if clock == nil || auth == nil || csrf == nil || marker == nil {
		return nil, fmt.Errorf("clock, auth backend, csrf cache, and marker store are required")
	}
	if cfg.PollInterval <= 0 || cfg.Duration <= 0 {
		return nil, fmt.Errorf("poll interval and session duration must be positive")
	}
	if cfg.RenewThreshold <= 0 || cfg.RenewThreshold >= 1 {
		return nil, fmt.Errorf("renew threshold must be in (0, 1)")
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &LifecycleManager{
		cfg:        cfg,
		clock:      clock,
		auth:       auth,
		csrf:       csrf,
		marker:     marker,
		logger:     log,
		instanceID: uuid.NewString(),
		state:      domain.NewState(),
		stopCh:     make(chan struct{}),
	}, nil
}

// WithBroadcaster attaches the cross-context synchronizer.
func (m *LifecycleManager) WithBroadcaster(b port.Broadcaster) *LifecycleManager {
	m.broadcast = b
	return m
}

// WithAuditPublisher attaches the lifecycle audit stream.
func (m *LifecycleManager) WithAuditPublisher(p port.AuditPublisher) *LifecycleManager {
	m.audit = p
	return m
}

// WithMetrics attaches the prometheus instrument set.
func (m *LifecycleManager) WithMetrics(metrics *telemetry.Metrics) *LifecycleManager {
	m.metrics = metrics
	return m
}

// InstanceID identifies this execution context in broadcast messages.
func (m *LifecycleManager) InstanceID() string {
	return m.instanceID
}

// State returns a snapshot of the current state.
func (m *LifecycleManager) State() domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnTransition registers a subscriber invoked after every state change.
// Cleanup (CSRF and marker) always completes before subscribers observe a
// revoke transition.
func (m *LifecycleManager) OnTransition(fn func(domain.State)) {
	if fn == nil {
		return
	}
	m.subsMu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.subsMu.Unlock()
}

// OnExpiryWarning registers a handler fired once per session when the
// remaining validity drops below the configured warning window.
func (m *LifecycleManager) OnExpiryWarning(fn func(remaining time.Duration)) {
	if fn == nil {
		return
	}
	m.subsMu.Lock()
	m.warnHandlers = append(m.warnHandlers, fn)
	m.subsMu.Unlock()
}

// Initialize restores any persisted session marker, subscribes to the
// cross-context channel, and starts the periodic check loop.
func (m *LifecycleManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if m.broadcast != nil {
		unsubscribe, err := m.broadcast.Subscribe(ctx, m.handleRemote)
		if err != nil {
			return fmt.Errorf("subscribe broadcast: %w", err)
		}
		m.unsubscribe = unsubscribe
	}

	sess, ok, err := m.marker.Load(ctx)
	if err != nil {
		m.logger.Warn("load session marker failed", zap.Error(err))
	}
	if ok && sess.IsActive(m.clock.Now()) {
		m.mu.Lock()
		changed := m.state.Activate(sess)
		snapshot := m.state
		m.mu.Unlock()
		if changed {
			m.setExpiryGauge(snapshot)
			m.notify(snapshot)
			m.logger.Info("session restored from marker",
				zap.String("principal_id", sess.PrincipalID),
				zap.String("principal_email", logger.MaskEmail(sess.PrincipalEmail)),
				zap.Time("expires_at", sess.ExpiresAt),
			)
		}
	} else if ok {
		// Marker is stale; discard it so the next start skips the load.
		_ = m.marker.Clear(ctx)
	}

	m.loopWG.Add(1)
	go m.loop(ctx)

	return nil
}

// Login authenticates and transitions to Active. Throttled and validation
// outcomes are surfaced to the caller untouched.
func (m *LifecycleManager) Login(ctx context.Context, email, password string) (domain.Session, error) {
	if email == "" {
		return domain.Session{}, fmt.Errorf("email is required")
	}
	if password == "" {
		return domain.Session{}, fmt.Errorf("password is required")
	}

	sess, err := m.auth.Login(ctx, email, password)
	if err != nil {
		return domain.Session{}, err
	}

	m.mu.Lock()
	m.state = domain.NewState()
	m.state.Activate(sess)
	m.warnFired = false
	snapshot := m.state
	m.mu.Unlock()

	if err := m.marker.Save(ctx, sess); err != nil {
		m.logger.Warn("persist session marker failed", zap.Error(err))
	}

	m.setExpiryGauge(snapshot)
	m.notify(snapshot)
	m.publish(ctx, domain.TransitionLogin, sess)
	m.auditEvent(ctx, domain.TransitionLogin, sess, "")

	m.logger.Info("session opened",
		zap.String("principal_id", sess.PrincipalID),
		zap.String("principal_email", logger.MaskEmail(sess.PrincipalEmail)),
		zap.Time("expires_at", sess.ExpiresAt),
	)

	return sess, nil
}

// CheckAndMaybeRenew is one tick of the periodic loop. A session past its
// absolute deadline is terminated, never renewed; otherwise renewal fires
// once the elapsed fraction of the session's duration crosses the threshold.
func (m *LifecycleManager) CheckAndMaybeRenew(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Status != domain.StatusActive {
		m.mu.Unlock()
		return nil
	}
	sess := m.state.Session
	warnFired := m.warnFired
	m.mu.Unlock()

	now := m.clock.Now()

	if !sess.IsActive(now) {
		m.revoke(ctx, revokeReasonExpired, revokeOptions{rebroadcast: true})
		return nil
	}

	if remaining := sess.Remaining(now); remaining <= m.cfg.ExpiryWarning && !warnFired {
		m.mu.Lock()
		m.warnFired = true
		m.mu.Unlock()
		m.warn(remaining)
	}

	if sess.ElapsedFraction(now, m.cfg.Duration) >= m.cfg.RenewThreshold {
		if _, err := m.RenewNow(ctx); err != nil {
			return err
		}
	}

	return nil
}

// RenewNow performs renewal through the boundary. Concurrent callers share
// one in-flight call and observe the same resulting expiry. Transport-class
// failures leave the state untouched for the next poll to retry;
// authentication failures force the revoke path.
func (m *LifecycleManager) RenewNow(ctx context.Context) (time.Time, error) {
	result, err, _ := m.group.Do("renew", func() (any, error) {
		expiry, err := m.auth.Refresh(ctx)
		if err != nil {
			if backend.IsAuthFailure(err) {
				m.countRenewal("auth_failure")
				m.revoke(ctx, revokeReasonAuthFailure, revokeOptions{rebroadcast: true})
				return nil, err
			}
			m.countRenewal("transient")
			return nil, err
		}

		m.mu.Lock()
		changed := m.state.MergeExpiry(expiry)
		if changed {
			m.warnFired = false
		}
		snapshot := m.state
		m.mu.Unlock()

		m.countRenewal("success")

		if changed {
			if err := m.marker.Save(ctx, snapshot.Session); err != nil {
				m.logger.Warn("persist session marker failed", zap.Error(err))
			}
			m.setExpiryGauge(snapshot)
			m.notify(snapshot)
			m.publish(ctx, domain.TransitionRenewed, snapshot.Session)
			m.auditEvent(ctx, domain.TransitionRenewed, snapshot.Session, "")

			// Rotate the double-submit token alongside the renewed
			// credential; failure here is non-fatal, the old token
			// stays valid until its own max age.
			if _, err := m.csrf.Rotate(ctx); err != nil {
				m.logger.Warn("csrf rotate after renewal failed", zap.Error(err))
			} else if m.metrics != nil {
				m.metrics.CsrfRotationsTotal.Inc()
			}
		}

		return expiry, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return result.(time.Time), nil
}

// Logout is local-first: the backend call is attempted, but the local state
// transitions to Revoked and credentials are cleared regardless of its
// outcome.
func (m *LifecycleManager) Logout(ctx context.Context) error {
	if err := m.auth.Logout(ctx); err != nil {
		m.logger.Warn("backend logout failed, revoking locally", zap.Error(err))
	}
	m.revoke(ctx, revokeReasonLogout, revokeOptions{rebroadcast: true})
	return nil
}

// ForceRevoke terminates the session after a fatal authentication failure
// observed elsewhere (e.g. a guarded request). Idempotent.
func (m *LifecycleManager) ForceRevoke(ctx context.Context, cause error) {
	if cause != nil {
		m.logger.Warn("forcing session revoke", zap.Error(cause))
	}
	m.revoke(ctx, revokeReasonAuthFailure, revokeOptions{rebroadcast: true})
}

// Terminate stops the periodic loop and detaches listeners. Idempotent.
func (m *LifecycleManager) Terminate() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
	})
	m.loopWG.Wait()
}

func (m *LifecycleManager) loop(ctx context.Context) {
	defer m.loopWG.Done()

	ticker := m.clock.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := m.CheckAndMaybeRenew(ctx); err != nil {
				m.logger.Debug("periodic check", zap.Error(err))
			}
		}
	}
}

type revokeOptions struct {
	rebroadcast bool
	// remote transitions never contact the backend again
	localOnly bool
}

func (m *LifecycleManager) revoke(ctx context.Context, reason string, opts revokeOptions) {
	m.mu.Lock()
	if m.state.Status == domain.StatusActive && !m.state.Session.IsActive(m.clock.Now()) {
		m.state.Expire(m.clock.Now())
	}
	changed := m.state.Revoke()
	sess := m.state.Session
	revoked := m.state
	m.mu.Unlock()

	if !changed {
		return
	}

	// Cleanup strictly precedes signaling: once subscribers observe the
	// revoke, no credential can still authorize a request.
	if opts.localOnly {
		m.csrf.Drop()
	} else if err := m.csrf.Clear(ctx); err != nil {
		m.logger.Warn("clear csrf token failed", zap.Error(err))
	}
	if err := m.marker.Clear(ctx); err != nil {
		m.logger.Warn("clear session marker failed", zap.Error(err))
	}

	if m.metrics != nil {
		m.metrics.ForcedLogoutsTotal.Inc()
		m.metrics.SessionExpirySecs.Set(0)
	}

	m.notify(revoked)

	if opts.rebroadcast {
		m.publish(ctx, domain.TransitionRevoked, sess)
	}
	m.auditEvent(ctx, domain.TransitionRevoked, sess, reason)

	m.mu.Lock()
	m.state.Reset()
	m.warnFired = false
	anonymous := m.state
	m.mu.Unlock()

	m.notify(anonymous)

	m.logger.Info("session revoked", zap.String("reason", reason))
}

func (m *LifecycleManager) handleRemote(msg domain.StateChange) {
	if msg.Origin == m.instanceID {
		return
	}
	if m.metrics != nil {
		m.metrics.BroadcastsTotal.WithLabelValues("received").Inc()
	}

	switch msg.Kind {
	case domain.TransitionLogin:
		m.mu.Lock()
		changed := m.state.Activate(domain.Session{
			PrincipalID:    msg.PrincipalID,
			PrincipalEmail: msg.PrincipalEmail,
			ExpiresAt:      msg.ExpiresAt,
		})
		if changed {
			m.warnFired = false
		}
		snapshot := m.state
		m.mu.Unlock()
		if changed {
			m.setExpiryGauge(snapshot)
			m.notify(snapshot)
		}
	case domain.TransitionRenewed:
		m.mu.Lock()
		changed := m.state.MergeExpiry(msg.ExpiresAt)
		if changed {
			m.warnFired = false
		}
		snapshot := m.state
		m.mu.Unlock()
		if changed {
			m.setExpiryGauge(snapshot)
			m.notify(snapshot)
		}
	case domain.TransitionRevoked:
		m.revoke(context.Background(), revokeReasonRemote, revokeOptions{localOnly: true})
	}
}

func (m *LifecycleManager) publish(ctx context.Context, kind domain.TransitionKind, sess domain.Session) {
	if m.broadcast == nil {
		return
	}

	msg := domain.StateChange{
		MessageID:      uuid.NewString(),
		Origin:         m.instanceID,
		Kind:           kind,
		PrincipalID:    sess.PrincipalID,
		PrincipalEmail: sess.PrincipalEmail,
		ExpiresAt:      sess.ExpiresAt,
		At:             m.clock.Now(),
	}

	if err := m.broadcast.Publish(ctx, msg); err != nil {
		m.logger.Warn("broadcast state change failed", zap.Error(err), zap.String("kind", string(kind)))
		return
	}
	if m.metrics != nil {
		m.metrics.BroadcastsTotal.WithLabelValues("sent").Inc()
	}
}

func (m *LifecycleManager) auditEvent(ctx context.Context, kind domain.TransitionKind, sess domain.Session, reason string) {
	if m.audit == nil {
		return
	}

	event := domain.SessionAuditEvent{
		EventID:     uuid.NewString(),
		PrincipalID: sess.PrincipalID,
		ExpiresAt:   sess.ExpiresAt,
		At:          m.clock.Now(),
		Reason:      reason,
	}

	var err error
	switch kind {
	case domain.TransitionLogin:
		err = m.audit.PublishSessionOpened(ctx, event)
	case domain.TransitionRenewed:
		err = m.audit.PublishSessionRenewed(ctx, event)
	case domain.TransitionRevoked:
		err = m.audit.PublishSessionRevoked(ctx, event)
	}
	if err != nil {
		m.logger.Warn("publish audit event failed", zap.Error(err), zap.String("kind", string(kind)))
	}
}

func (m *LifecycleManager) notify(state domain.State) {
	m.subsMu.Lock()
	subscribers := make([]func(domain.State), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.subsMu.Unlock()

	for _, fn := range subscribers {
		fn(state)
	}
}

func (m *LifecycleManager) warn(remaining time.Duration) {
	m.subsMu.Lock()
	handlers := make([]func(time.Duration), len(m.warnHandlers))
	copy(handlers, m.warnHandlers)
	m.subsMu.Unlock()

	for _, fn := range handlers {
		fn(remaining)
	}
}

func (m *LifecycleManager) countRenewal(outcome string) {
	if m.metrics != nil {
		m.metrics.RenewalsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *LifecycleManager) setExpiryGauge(state domain.State) {
	if m.metrics == nil {
		return
	}
	if state.Status == domain.StatusActive {
		m.metrics.SessionExpirySecs.Set(float64(state.Session.ExpiresAt.Unix()))
	} else {
		m.metrics.SessionExpirySecs.Set(0)
	}
}

var _ backend.RevokeSink = (*LifecycleManager)(nil)
