package usecase

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/merchant-console-session/internal/backend"
	"github.com/arklim/merchant-console-session/internal/infra/telemetry"
	"github.com/arklim/merchant-console-session/internal/core/domain"
	"github.com/arklim/merchant-console-session/internal/core/port"
	"github.com/arklim/merchant-console-session/internal/infra/broadcast"
	"github.com/arklim/merchant-console-session/internal/infra/clock"
	"github.com/arklim/merchant-console-session/internal/infra/config"
)

var testStart = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeAuth struct {
	mu           sync.Mutex
	session      domain.Session
	loginErr     error
	loginCalls   atomic.Int32
	refreshFunc  func(ctx context.Context) (time.Time, error)
	refreshCalls atomic.Int32
	logoutErr    error
	logoutCalls  atomic.Int32
}

func (f *fakeAuth) Login(_ context.Context, email, _ string) (domain.Session, error) {
	f.loginCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return domain.Session{}, f.loginErr
	}
	sess := f.session
	if sess.PrincipalEmail == "" {
		sess.PrincipalEmail = email
	}
	return sess, nil
}

func (f *fakeAuth) Refresh(ctx context.Context) (time.Time, error) {
	f.refreshCalls.Add(1)
	f.mu.Lock()
	fn := f.refreshFunc
	f.mu.Unlock()
	if fn == nil {
		return time.Time{}, errors.New("no refresh behaviour configured")
	}
	return fn(ctx)
}

func (f *fakeAuth) Logout(context.Context) error {
	f.logoutCalls.Add(1)
	return f.logoutErr
}

type fakeCsrfBackend struct {
	mu              sync.Mutex
	issueCalls      int
	rotateCalls     int
	invalidateCalls int
	secretSeq       int
	issueErr        error
	rotateErr       error
	invalidateErr   error
}

func (f *fakeCsrfBackend) nextToken(at time.Time) domain.CsrfToken {
	f.secretSeq++
	return domain.CsrfToken{
		BindingID: "bind-1",
		Secret:    "secret-" + strconv.Itoa(f.secretSeq),
		IssuedAt:  at,
		MaxAge:    time.Hour,
	}
}

func (f *fakeCsrfBackend) Issue(context.Context) (domain.CsrfToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueCalls++
	if f.issueErr != nil {
		return domain.CsrfToken{}, f.issueErr
	}
	return f.nextToken(testStart), nil
}

func (f *fakeCsrfBackend) Rotate(context.Context) (domain.CsrfToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotateCalls++
	if f.rotateErr != nil {
		return domain.CsrfToken{}, f.rotateErr
	}
	return f.nextToken(testStart), nil
}

func (f *fakeCsrfBackend) Invalidate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidateCalls++
	return f.invalidateErr
}

func (f *fakeCsrfBackend) Validate(context.Context, string) (bool, error) {
	return true, nil
}

func (f *fakeCsrfBackend) counts() (issue, rotate, invalidate int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issueCalls, f.rotateCalls, f.invalidateCalls
}

type fakeMarker struct {
	mu      sync.Mutex
	session domain.Session
	present bool
	saves   int
	clears  int
	loadErr error
}

func (f *fakeMarker) Load(context.Context) (domain.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return domain.Session{}, false, f.loadErr
	}
	return f.session, f.present, nil
}

func (f *fakeMarker) Save(_ context.Context, sess domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = sess
	f.present = true
	f.saves++
	return nil
}

func (f *fakeMarker) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = domain.Session{}
	f.present = false
	f.clears++
	return nil
}

func (f *fakeMarker) snapshot() (domain.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.present
}

var (
	_ port.AuthBackend = (*fakeAuth)(nil)
	_ port.CsrfBackend = (*fakeCsrfBackend)(nil)
	_ port.MarkerStore = (*fakeMarker)(nil)
)

type managerFixture struct {
	manager *LifecycleManager
	clk     *clock.Fake
	auth    *fakeAuth
	csrf    *fakeCsrfBackend
	marker  *fakeMarker
}

func defaultSettings() config.SessionSettings {
	return config.SessionSettings{
		PollInterval:   5 * time.Minute,
		RenewThreshold: 0.5,
		ExpiryWarning:  5 * time.Minute,
		Duration:       24 * time.Hour,
	}
}

func newFixture(t *testing.T, cfg config.SessionSettings) *managerFixture {
	t.Helper()

	clk := clock.NewFake(testStart)
	auth := &fakeAuth{
		session: domain.Session{
			PrincipalID:    "merchant-1",
			PrincipalEmail: "owner@example.com",
			ExpiresAt:      testStart.Add(cfg.Duration),
		},
	}
	csrfBackend := &fakeCsrfBackend{}
	markerStore := &fakeMarker{}
	cache := NewCsrfTokenCache(csrfBackend, clk, nil, zaptest.NewLogger(t))

	manager, err := NewLifecycleManager(cfg, clk, auth, cache, markerStore, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new lifecycle manager: %v", err)
	}

	return &managerFixture{
		manager: manager,
		clk:     clk,
		auth:    auth,
		csrf:    csrfBackend,
		marker:  markerStore,
	}
}

func (fx *managerFixture) login(t *testing.T) domain.Session {
	t.Helper()
	sess, err := fx.manager.Login(context.Background(), "owner@example.com", "hunter2!a")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return sess
}

func TestLoginActivatesAndPersists(t *testing.T) {
	fx := newFixture(t, defaultSettings())

	var transitions []domain.Status
	fx.manager.OnTransition(func(st domain.State) {
		transitions = append(transitions, st.Status)
	})

	sess := fx.login(t)

	state := fx.manager.State()
	if state.Status != domain.StatusActive {
		t.Fatalf("status = %s, want active", state.Status)
	}
	if !state.Session.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Fatalf("state expiry = %v, want %v", state.Session.ExpiresAt, sess.ExpiresAt)
	}

	saved, present := fx.marker.snapshot()
	if !present {
		t.Fatal("marker not persisted after login")
	}
	if saved.PrincipalID != "merchant-1" {
		t.Fatalf("marker principal = %s", saved.PrincipalID)
	}

	if len(transitions) != 1 || transitions[0] != domain.StatusActive {
		t.Fatalf("transitions = %v, want [active]", transitions)
	}
}

func TestLoginRejectsEmptyInputs(t *testing.T) {
	fx := newFixture(t, defaultSettings())

	if _, err := fx.manager.Login(context.Background(), "", "pw"); err == nil {
		t.Fatal("empty email must be rejected")
	}
	if _, err := fx.manager.Login(context.Background(), "a@b.c", ""); err == nil {
		t.Fatal("empty password must be rejected")
	}
	if calls := fx.auth.loginCalls.Load(); calls != 0 {
		t.Fatalf("backend contacted %d times for invalid input", calls)
	}
}

func TestLoginErrorLeavesStateAnonymous(t *testing.T) {
	fx := newFixture(t, defaultSettings())
	fx.auth.loginErr = backend.ErrInvalidCredentials

	_, err := fx.manager.Login(context.Background(), "owner@example.com", "wrong")
	if !errors.Is(err, backend.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want invalid credentials", err)
	}
	if got := fx.manager.State().Status; got != domain.StatusAnonymous {
		t.Fatalf("status = %s, want anonymous", got)
	}
}

func TestCheckBelowThresholdDoesNotRenew(t *testing.T) {
	fx := newFixture(t, defaultSettings())
	fx.login(t)

	// 11 hours into a 24 hour session is under the 0.5 threshold.
	fx.clk.Advance(11 * time.Hour)

	if err := fx.manager.CheckAndMaybeRenew(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if calls := fx.auth.refreshCalls.Load(); calls != 0 {
		t.Fatalf("refresh called %d times below threshold", calls)
	}
}

func TestCheckAtThresholdRenews(t *testing.T) {
	fx := newFixture(t, defaultSettings())
	sess := fx.login(t)

	renewed := sess.ExpiresAt.Add(12 * time.Hour)
	fx.auth.refreshFunc = func(context.Context) (time.Time, error) {
		return renewed, nil
	}

	fx.clk.Advance(12 * time.Hour)

	if err := fx.manager.CheckAndMaybeRenew(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if calls := fx.auth.refreshCalls.Load(); calls != 1 {
		t.Fatalf("refresh called %d times, want 1", calls)
	}

	state := fx.manager.State()
	if !state.Session.ExpiresAt.Equal(renewed) {
		t.Fatalf("expiry = %v, want %v", state.Session.ExpiresAt, renewed)
	}

	saved, _ := fx.marker.snapshot()
	if !saved.ExpiresAt.Equal(renewed) {
		t.Fatal("marker not updated with renewed expiry")
	}

	// Renewal also rotates the double-submit token.
	if _, rotate, _ := fx.csrf.counts(); rotate != 1 {
		t.Fatalf("csrf rotations = %d, want 1", rotate)
	}
}

func TestCheckPastDeadlineRevokesWithoutRenewal(t *testing.T) {
	fx := newFixture(t, defaultSettings())
	fx.login(t)

	fx.clk.Advance(25 * time.Hour)

	if err := fx.manager.CheckAndMaybeRenew(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if calls := fx.auth.refreshCalls.Load(); calls != 0 {
		t.Fatalf("a session past its deadline must never be renewed, got %d refresh calls", calls)
	}
	if got := fx.manager.State().Status; got != domain.StatusAnonymous {
		t.Fatalf("status = %s, want anonymous after terminal cleanup", got)
	}
	if _, present := fx.marker.snapshot(); present {
		t.Fatal("marker must be cleared on expiry")
	}
	if _, _, invalidate := fx.csrf.counts(); invalidate != 1 {
		t.Fatalf("csrf invalidations = %d, want 1", invalidate)
	}
}

func TestRenewSingleFlight(t *testing.T) {
	fx := newFixture(t, defaultSettings())
	sess := fx.login(t)

	renewed := sess.ExpiresAt.Add(12 * time.Hour)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	fx.auth.refreshFunc = func(context.Context) (time.Time, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return renewed, nil
	}

	const callers = 8
	results := make([]time.Time, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = fx.manager.RenewNow(context.Background())
	}()

	<-entered
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fx.manager.RenewNow(context.Background())
		}(i)
	}

	// Give the late callers time to join the in-flight group.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls := fx.auth.refreshCalls.Load(); calls != 1 {
		t.Fatalf("refresh called %d times, want 1", calls)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !results[i].Equal(renewed) {
			t.Fatalf("caller %d saw expiry %v, want %v", i, results[i], renewed)
		}
	}
}

func TestRenewTransientFailureKeepsState(t *testing.T) {
	fx := newFixture(t, defaultSettings())
	sess := fx.login(t)

	fx.auth.refreshFunc = func(context.Context) (time.Time, error) {
		return time.Time{}, &backend.TransientError{Cause: errors.New("connection reset")}
	}

	_, err := fx.manager.RenewNow(context.Background())
	if !backend.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}

	state := fx.manager.State()
	if state.Status != domain.StatusActive {
		t.Fatalf("status = %s, transient failure must not end the session", state.Status)
	}
	if !state.Session.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Fatal("expiry changed on a failed renewal")
	}
	if _, present := fx.marker.snapshot(); !present {
		t.Fatal("marker cleared on a transient failure")
	}
}

func TestRenewAuthFailureRevokes(t *testing.T) {
	fx := newFixture(t, defaultSettings())
	fx.login(t)

	fx.auth.refreshFunc = func(context.Context) (time.Time, error) {
		return time.Time{}, backend.ErrAuthRevoked
	}

	_, err := fx.manager.RenewNow(context.Background())
	if !errors.Is(err, backend.ErrAuthRevoked) {
		t.Fatalf("err = %v, want auth revoked", err)
	}
	if got := fx.manager.State().Status; got != domain.StatusAnonymous {
		t.Fatalf("status = %s, want anonymous", got)
	}
	if _, present := fx.marker.snapshot(); present {
		t.Fatal("marker must be cleared on a fatal auth failure")
	}
}

func TestLogoutIsLocalFirst(t *testing.T) {
	fx := newFixture(t, defaultSettings())
	fx.login(t)
	fx.auth.logoutErr = &backend.TransientError{Cause: errors.New("backend down")}

	if err := fx.manager.Logout(context.Background()); err != nil {
		t.Fatalf("logout must not fail when the backend does: %v", err)
	}
	if calls := fx.auth.logoutCalls.Load(); calls != 1 {
		t.Fatalf("backend logout attempted %d times, want 1", calls)
	}
	if got := fx.manager.State().Status; got != domain.StatusAnonymous {
		t.Fatalf("status = %s, want anonymous", got)
	}
	if _, _, invalidate := fx.csrf.counts(); invalidate != 1 {
		t.Fatal("csrf token must be cleared on logout")
	}
	if _, present := fx.marker.snapshot(); present {
		t.Fatal("marker must be cleared on logout")
	}
}

func TestRevokeCleanupPrecedesSignaling(t *testing.T) {
	fx := newFixture(t, defaultSettings())
	fx.login(t)

	sawRevoked := false
	fx.manager.OnTransition(func(st domain.State) {
		if st.Status != domain.StatusRevoked {
			return
		}
		sawRevoked = true
		if _, present := fx.marker.snapshot(); present {
			t.Error("subscriber observed revoke before the marker was cleared")
		}
		if _, _, invalidate := fx.csrf.counts(); invalidate == 0 {
			t.Error("subscriber observed revoke before the csrf token was cleared")
		}
	})

	fx.manager.ForceRevoke(context.Background(), backend.ErrAuthExpired)

	if !sawRevoked {
		t.Fatal("revoke transition was never signaled")
	}
}

func TestForceRevokeIsIdempotent(t *testing.T) {
	fx := newFixture(t, defaultSettings())
	fx.login(t)

	var revokes int
	fx.manager.OnTransition(func(st domain.State) {
		if st.Status == domain.StatusRevoked {
			revokes++
		}
	})

	fx.manager.ForceRevoke(context.Background(), backend.ErrAuthRevoked)
	fx.manager.ForceRevoke(context.Background(), backend.ErrAuthRevoked)

	if revokes != 1 {
		t.Fatalf("revoke signaled %d times, want 1", revokes)
	}
}

func TestExpiryWarningFiresOnce(t *testing.T) {
	cfg := defaultSettings()
	cfg.ExpiryWarning = 13 * time.Hour
	fx := newFixture(t, cfg)
	fx.login(t)

	var warnings []time.Duration
	fx.manager.OnExpiryWarning(func(remaining time.Duration) {
		warnings = append(warnings, remaining)
	})

	// 11.5 hours in: remaining 12.5h is inside the warning window while the
	// elapsed fraction is still under the renewal threshold.
	fx.clk.Advance(11*time.Hour + 30*time.Minute)

	if err := fx.manager.CheckAndMaybeRenew(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := fx.manager.CheckAndMaybeRenew(context.Background()); err != nil {
		t.Fatalf("second check: %v", err)
	}

	if len(warnings) != 1 {
		t.Fatalf("warning fired %d times, want 1", len(warnings))
	}
	if warnings[0] != 12*time.Hour+30*time.Minute {
		t.Fatalf("warning remaining = %v", warnings[0])
	}
	if calls := fx.auth.refreshCalls.Load(); calls != 0 {
		t.Fatalf("renewal fired below threshold, %d calls", calls)
	}
}

func TestInitializeRestoresMarker(t *testing.T) {
	fx := newFixture(t, defaultSettings())
	fx.marker.session = domain.Session{
		PrincipalID:    "merchant-1",
		PrincipalEmail: "owner@example.com",
		ExpiresAt:      testStart.Add(6 * time.Hour),
	}
	fx.marker.present = true

	if err := fx.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer fx.manager.Terminate()

	state := fx.manager.State()
	if state.Status != domain.StatusActive {
		t.Fatalf("status = %s, want active after marker restore", state.Status)
	}
	if state.Session.PrincipalID != "merchant-1" {
		t.Fatalf("principal = %s", state.Session.PrincipalID)
	}
}

func TestInitializeDiscardsStaleMarker(t *testing.T) {
	fx := newFixture(t, defaultSettings())
	fx.marker.session = domain.Session{
		PrincipalID: "merchant-1",
		ExpiresAt:   testStart.Add(-time.Minute),
	}
	fx.marker.present = true

	if err := fx.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer fx.manager.Terminate()

	if got := fx.manager.State().Status; got != domain.StatusAnonymous {
		t.Fatalf("status = %s, want anonymous", got)
	}
	if _, present := fx.marker.snapshot(); present {
		t.Fatal("stale marker must be discarded")
	}
}

func newBusFixture(t *testing.T, bus *broadcast.Bus) *managerFixture {
	t.Helper()
	fx := newFixture(t, defaultSettings())
	fx.manager.WithBroadcaster(bus)
	if err := fx.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(fx.manager.Terminate)
	return fx
}

func TestMetricsTrackRenewalOutcomes(t *testing.T) {
	fx := newFixture(t, defaultSettings())
	metrics := telemetry.NewTestMetrics()
	fx.manager.WithMetrics(metrics)

	sess := fx.login(t)
	fx.auth.refreshFunc = func(context.Context) (time.Time, error) {
		return sess.ExpiresAt.Add(12 * time.Hour), nil
	}
	if _, err := fx.manager.RenewNow(context.Background()); err != nil {
		t.Fatalf("renew: %v", err)
	}

	if got := testutil.ToFloat64(metrics.RenewalsTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("success renewals = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.CsrfRotationsTotal); got != 1 {
		t.Fatalf("csrf rotations = %v, want 1", got)
	}

	fx.manager.ForceRevoke(context.Background(), backend.ErrAuthRevoked)

	if got := testutil.ToFloat64(metrics.ForcedLogoutsTotal); got != 1 {
		t.Fatalf("forced logouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.SessionExpirySecs); got != 0 {
		t.Fatalf("expiry gauge = %v, want 0 after revoke", got)
	}
}

func TestBroadcastLoginReachesSiblingContext(t *testing.T) {
	bus := broadcast.NewBus()
	a := newBusFixture(t, bus)
	b := newBusFixture(t, bus)

	a.login(t)

	// Delivery on the in-process bus is synchronous.
	stateB := b.manager.State()
	if stateB.Status != domain.StatusActive {
		t.Fatalf("sibling status = %s, want active", stateB.Status)
	}
	if stateB.Session.PrincipalID != "merchant-1" {
		t.Fatalf("sibling principal = %s", stateB.Session.PrincipalID)
	}

	// The originator must not re-process its own message.
	stateA := a.manager.State()
	if !stateA.Session.ExpiresAt.Equal(stateB.Session.ExpiresAt) {
		t.Fatal("contexts disagree on expiry")
	}
}

func TestBroadcastRenewalMergesMonotonically(t *testing.T) {
	bus := broadcast.NewBus()
	a := newBusFixture(t, bus)
	b := newBusFixture(t, bus)

	sess := a.login(t)

	renewed := sess.ExpiresAt.Add(12 * time.Hour)
	a.auth.refreshFunc = func(context.Context) (time.Time, error) {
		return renewed, nil
	}
	if _, err := a.manager.RenewNow(context.Background()); err != nil {
		t.Fatalf("renew: %v", err)
	}

	if got := b.manager.State().Session.ExpiresAt; !got.Equal(renewed) {
		t.Fatalf("sibling expiry = %v, want %v", got, renewed)
	}

	// A replayed older expiry must not regress the sibling.
	_ = bus.Publish(context.Background(), domain.StateChange{
		MessageID:   "replay",
		Origin:      "elsewhere",
		Kind:        domain.TransitionRenewed,
		PrincipalID: "merchant-1",
		ExpiresAt:   sess.ExpiresAt,
		At:          testStart,
	})
	if got := b.manager.State().Session.ExpiresAt; !got.Equal(renewed) {
		t.Fatalf("expiry regressed to %v", got)
	}
}

func TestBroadcastRevokePropagatesWithoutBackendCalls(t *testing.T) {
	bus := broadcast.NewBus()
	a := newBusFixture(t, bus)
	b := newBusFixture(t, bus)

	a.login(t)
	if err := a.manager.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}

	if got := b.manager.State().Status; got != domain.StatusAnonymous {
		t.Fatalf("sibling status = %s, want anonymous", got)
	}

	// The sibling drops its cached token locally; only the originator
	// talks to the boundary.
	if _, _, invalidate := b.csrf.counts(); invalidate != 0 {
		t.Fatalf("sibling made %d invalidate calls, want 0", invalidate)
	}
	if calls := b.auth.logoutCalls.Load(); calls != 0 {
		t.Fatalf("sibling made %d logout calls, want 0", calls)
	}
}
