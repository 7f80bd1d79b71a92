// Package backendtest provides an in-memory implementation of the backend
// boundary contract, for exercising the client subsystem end to end without
// a real backend.
package backendtest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// SessionCookie carries the opaque session credential.
	SessionCookie = "console_session"
	// CsrfCookie carries the combined double-submit value.
	CsrfCookie = "console_csrf"

	csrfHeader = "X-CSRF-Token"

	loginLimit  = 5
	loginWindow = 15 * time.Minute
	csrfLimit   = 10
	csrfWindow  = time.Minute
)

// Account is a credential pair the fake boundary accepts.
type Account struct {
	ID       string
	Email    string
	Password string
}

type sessionRecord struct {
	id        string
	account   Account
	expiresAt time.Time
	revoked   bool
}

type csrfRecord struct {
	bindingID string
	secret    string
	issuedAt  time.Time
}

// Server implements the boundary contract over in-memory state. Zero-value
// fields are filled by NewServer; tests mutate behaviour through the
// exported knobs before issuing requests.
type Server struct {
	engine *gin.Engine

	// IPFunc resolves the caller identity used by the per-IP limiter.
	// Defaults to the request's RemoteAddr host.
	IPFunc func(*http.Request) string

	sessionTTL time.Duration
	csrfMaxAge time.Duration
	now        func() time.Time

	refreshCalls atomic.Int64

	mu       sync.Mutex
	accounts map[string]Account
	sessions map[string]*sessionRecord
	csrf     map[string]*csrfRecord

	loginLimiter *SlidingWindowLimiter
	csrfLimiter  *SlidingWindowLimiter
}

// Option configures the fake boundary.
type Option func(*Server)

// WithClock substitutes the server's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithSessionTTL sets the validity window granted on login and refresh.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Server) { s.sessionTTL = ttl }
}

// WithAccount registers a credential pair.
func WithAccount(account Account) Option {
	return func(s *Server) { s.accounts[account.Email] = account }
}

// NewServer constructs the fake boundary.
func NewServer(opts ...Option) *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		sessionTTL: 24 * time.Hour,
		csrfMaxAge: time.Hour,
		now:        time.Now,
		accounts:   make(map[string]Account),
		sessions:   make(map[string]*sessionRecord),
		csrf:       make(map[string]*csrfRecord),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.IPFunc = func(r *http.Request) string {
		return r.RemoteAddr
	}
	s.loginLimiter = NewSlidingWindowLimiter(loginLimit, loginWindow, s.now)
	s.csrfLimiter = NewSlidingWindowLimiter(csrfLimit, csrfWindow, s.now)

	engine := gin.New()
	engine.POST("/auth/login", s.login)
	engine.POST("/auth/refresh", s.refresh)
	engine.POST("/auth/logout", s.logout)
	engine.GET("/csrf-token", s.issueCsrf)
	engine.POST("/csrf-token/refresh", s.rotateCsrf)
	engine.DELETE("/csrf-token", s.invalidateCsrf)
	engine.GET("/csrf-token/validate", s.validateCsrf)
	s.engine = engine

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// RefreshCalls reports how many renewal requests reached the boundary.
func (s *Server) RefreshCalls() int64 {
	return s.refreshCalls.Load()
}

// RevokeSession marks the session invalid server-side, simulating an
// out-of-band revocation.
func (s *Server) RevokeSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[id]; ok {
		rec.revoked = true
	}
}

// RevokeAll invalidates every live session.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.sessions {
		rec.revoked = true
	}
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		respondError(c, http.StatusBadRequest, "validation_error", "email and password are required", 0)
		return
	}

	// The CSRF check applies to login like any other mutating endpoint.
	if !s.csrfOK(c) {
		respondError(c, http.StatusForbidden, "csrf_invalid", "csrf token mismatch", 0)
		return
	}

	ipKey := "ip:" + s.IPFunc(c.Request)
	emailKey := "email:" + req.Email

	// Both dimensions are tracked independently; either one blocking is
	// enough to throttle the attempt.
	for _, key := range []string{ipKey, emailKey} {
		if blocked, retryAfter := s.loginLimiter.Blocked(key); blocked {
			respondError(c, http.StatusTooManyRequests, "rate_limited", "too many login attempts", retryAfter)
			return
		}
	}

	s.mu.Lock()
	account, ok := s.accounts[req.Email]
	s.mu.Unlock()

	if !ok || account.Password != req.Password {
		s.loginLimiter.Record(ipKey)
		s.loginLimiter.Record(emailKey)
		respondError(c, http.StatusUnauthorized, "invalid_credentials", "invalid credentials", 0)
		return
	}

	// Any success resets both windows.
	s.loginLimiter.Reset(ipKey)
	s.loginLimiter.Reset(emailKey)

	now := s.now()
	rec := &sessionRecord{
		id:        randomHex(16),
		account:   account,
		expiresAt: now.Add(s.sessionTTL),
	}

	s.mu.Lock()
	s.sessions[rec.id] = rec
	s.mu.Unlock()

	s.setSessionCookie(c, rec)

	c.JSON(http.StatusOK, gin.H{
		"principal": gin.H{"id": account.ID, "email": account.Email},
		"session":   gin.H{"expires_at": rec.expiresAt},
	})
}

func (s *Server) refresh(c *gin.Context) {
	s.refreshCalls.Add(1)

	rec, code := s.currentSession(c)
	if rec == nil {
		respondError(c, http.StatusUnauthorized, code, "session not valid", 0)
		return
	}
	if !s.csrfOK(c) {
		respondError(c, http.StatusForbidden, "csrf_invalid", "csrf token mismatch", 0)
		return
	}

	s.mu.Lock()
	rec.expiresAt = s.now().Add(s.sessionTTL)
	expiresAt := rec.expiresAt
	s.mu.Unlock()

	s.setSessionCookie(c, rec)
	c.JSON(http.StatusOK, gin.H{"session": gin.H{"expires_at": expiresAt}})
}

func (s *Server) logout(c *gin.Context) {
	rec, code := s.currentSession(c)
	if rec == nil {
		respondError(c, http.StatusUnauthorized, code, "session not valid", 0)
		return
	}
	if !s.csrfOK(c) {
		respondError(c, http.StatusForbidden, "csrf_invalid", "csrf token mismatch", 0)
		return
	}

	s.mu.Lock()
	rec.revoked = true
	s.mu.Unlock()

	c.SetCookie(SessionCookie, "", -1, "/", "", false, true)
	c.Status(http.StatusOK)
}

func (s *Server) issueCsrf(c *gin.Context) {
	if s.csrfThrottled(c) {
		return
	}

	bindingID := randomHex(8)
	if rec, _ := s.currentSession(c); rec != nil {
		bindingID = rec.id[:16]
	}

	record := &csrfRecord{
		bindingID: bindingID,
		secret:    randomHex(16),
		issuedAt:  s.now(),
	}

	s.mu.Lock()
	s.csrf[bindingID] = record
	s.mu.Unlock()

	combined := record.bindingID + ":" + record.secret
	s.setCsrfCookie(c, combined)

	c.JSON(http.StatusOK, gin.H{
		"token":              combined,
		"session_binding_id": record.bindingID,
		"max_age":            int(s.csrfMaxAge.Seconds()),
	})
}

func (s *Server) rotateCsrf(c *gin.Context) {
	if s.csrfThrottled(c) {
		return
	}

	cookie, err := c.Cookie(CsrfCookie)
	if err != nil || cookie == "" {
		respondError(c, http.StatusBadRequest, "validation_error", "no csrf token to rotate", 0)
		return
	}

	bindingID, _, ok := splitCombined(cookie)
	if !ok {
		respondError(c, http.StatusBadRequest, "validation_error", "malformed csrf cookie", 0)
		return
	}

	record := &csrfRecord{
		bindingID: bindingID,
		secret:    randomHex(16),
		issuedAt:  s.now(),
	}

	s.mu.Lock()
	s.csrf[bindingID] = record
	s.mu.Unlock()

	combined := record.bindingID + ":" + record.secret
	s.setCsrfCookie(c, combined)

	c.JSON(http.StatusOK, gin.H{"token": combined})
}

func (s *Server) invalidateCsrf(c *gin.Context) {
	if cookie, err := c.Cookie(CsrfCookie); err == nil {
		if bindingID, _, ok := splitCombined(cookie); ok {
			s.mu.Lock()
			delete(s.csrf, bindingID)
			s.mu.Unlock()
		}
	}

	c.SetCookie(CsrfCookie, "", -1, "/", "", false, false)
	c.Status(http.StatusOK)
}

func (s *Server) validateCsrf(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"valid": s.csrfOK(c)})
}

// csrfOK implements the double-submit check: header equals cookie, binding
// id matches a live record, secret matches, and the record is inside its
// max age.
func (s *Server) csrfOK(c *gin.Context) bool {
	header := c.GetHeader(csrfHeader)
	cookie, err := c.Cookie(CsrfCookie)
	if err != nil || header == "" || header != cookie {
		return false
	}

	bindingID, secret, ok := splitCombined(header)
	if !ok {
		return false
	}

	s.mu.Lock()
	record, ok := s.csrf[bindingID]
	s.mu.Unlock()
	if !ok || record.secret != secret {
		return false
	}

	return s.now().Sub(record.issuedAt) < s.csrfMaxAge
}

func (s *Server) csrfThrottled(c *gin.Context) bool {
	key := "csrf:" + s.IPFunc(c.Request)
	if blocked, retryAfter := s.csrfLimiter.Blocked(key); blocked {
		respondError(c, http.StatusTooManyRequests, "rate_limited", "csrf endpoint limit exceeded", retryAfter)
		return true
	}
	s.csrfLimiter.Record(key)
	return false
}

func (s *Server) currentSession(c *gin.Context) (*sessionRecord, string) {
	id, err := c.Cookie(SessionCookie)
	if err != nil || id == "" {
		return nil, "session_revoked"
	}

	s.mu.Lock()
	rec, ok := s.sessions[id]
	s.mu.Unlock()

	if !ok || rec.revoked {
		return nil, "session_revoked"
	}
	if !rec.expiresAt.After(s.now()) {
		return nil, "session_expired"
	}
	return rec, ""
}

func (s *Server) setSessionCookie(c *gin.Context, rec *sessionRecord) {
	maxAge := int(rec.expiresAt.Sub(s.now()).Seconds())
	c.SetCookie(SessionCookie, rec.id, maxAge, "/", "", false, true)
}

func (s *Server) setCsrfCookie(c *gin.Context, combined string) {
	c.SetCookie(CsrfCookie, combined, int(s.csrfMaxAge.Seconds()), "/", "", false, false)
}

func respondError(c *gin.Context, status int, code, message string, retryAfter time.Duration) {
	if retryAfter > 0 {
		seconds := int(retryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{"code": code, "message": message},
	})
}

func splitCombined(combined string) (string, string, bool) {
	for i := 0; i < len(combined); i++ {
		if combined[i] == ':' {
			if i == 0 || i == len(combined)-1 {
				return "", "", false
			}
			return combined[:i], combined[i+1:], true
		}
	}
	return "", "", false
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("backendtest: read random: %v", err))
	}
	return hex.EncodeToString(buf)
}
