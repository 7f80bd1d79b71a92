package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/merchant-console-session/internal/backend"
	"github.com/arklim/merchant-console-session/internal/core/domain"
)

// SessionController is the slice of the lifecycle manager the control
// surface needs.
type SessionController interface {
	State() domain.State
	Login(ctx context.Context, email, password string) (domain.Session, error)
	RenewNow(ctx context.Context) (time.Time, error)
	Logout(ctx context.Context) error
}

// SessionHandler exposes the session lifecycle over the agent's loopback API.
type SessionHandler struct {
	controller SessionController
	now        func() time.Time
}

// NewSessionHandler constructs the handler.
func NewSessionHandler(controller SessionController) *SessionHandler {
	return &SessionHandler{controller: controller, now: time.Now}
}

// WithClock allows injection of a custom clock (primarily for testing).
func (h *SessionHandler) WithClock(now func() time.Time) *SessionHandler {
	if now != nil {
		h.now = now
	}
	return h
}

// RegisterRoutes binds session routes onto the router group.
func (h *SessionHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/session", h.status)
	r.POST("/session/login", h.login)
	r.POST("/session/extend", h.extend)
	r.POST("/session/logout", h.logout)
}

func (h *SessionHandler) status(c *gin.Context) {
	state := h.controller.State()

	resp := SessionResponse{Status: string(state.Status)}
	if state.Status == domain.StatusActive {
		expiresAt := state.Session.ExpiresAt
		resp.PrincipalID = state.Session.PrincipalID
		resp.PrincipalEmail = state.Session.PrincipalEmail
		resp.ExpiresAt = &expiresAt
		resp.RemainingSecs = int64(state.Session.Remaining(h.now()).Seconds())
	}

	c.JSON(http.StatusOK, resp)
}

func (h *SessionHandler) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid login payload"))
		return
	}

	sess, err := h.controller.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}

	expiresAt := sess.ExpiresAt
	c.JSON(http.StatusOK, SessionResponse{
		Status:         string(domain.StatusActive),
		PrincipalID:    sess.PrincipalID,
		PrincipalEmail: sess.PrincipalEmail,
		ExpiresAt:      &expiresAt,
		RemainingSecs:  int64(sess.Remaining(h.now()).Seconds()),
	})
}

// extend is the explicit "extend session" action offered alongside the
// imminent-expiry warning.
func (h *SessionHandler) extend(c *gin.Context) {
	if h.controller.State().Status != domain.StatusActive {
		c.JSON(http.StatusConflict, NewErrorResponse(c, "no active session to extend"))
		return
	}

	expiry, err := h.controller.RenewNow(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ExtendResponse{ExpiresAt: expiry})
}

func (h *SessionHandler) logout(c *gin.Context) {
	if err := h.controller.Logout(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "logout failed"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) respondError(c *gin.Context, err error) {
	var throttled *backend.ThrottledError
	if errors.As(err, &throttled) {
		retry := int(math.Ceil(throttled.RetryAfter.Seconds()))
		if retry > 0 {
			c.Header("Retry-After", strconv.Itoa(retry))
		}
		c.JSON(http.StatusTooManyRequests, ThrottledResponse{Error: "throttled", RetryAfter: retry})
		return
	}

	var validation *backend.ValidationError
	if errors.As(err, &validation) {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, validation.Message))
		return
	}

	switch {
	case errors.Is(err, backend.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "invalid credentials"))
	case backend.IsAuthFailure(err):
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "session no longer valid"))
	case backend.IsTransient(err):
		c.JSON(http.StatusBadGateway, NewErrorResponse(c, "backend unavailable"))
	default:
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, err.Error()))
	}
}
