package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	appLogger "github.com/arklim/merchant-console-session/internal/infra/logger"
)

// ErrorResponse is the JSON error payload for the control surface.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// NewErrorResponse builds an error payload carrying the request correlation id.
func NewErrorResponse(c *gin.Context, message string) ErrorResponse {
	requestID := ""
	if c != nil {
		if id, ok := c.Request.Context().Value(appLogger.RequestIDKey{}).(string); ok {
			requestID = id
		}
	}
	return ErrorResponse{Error: message, RequestID: requestID}
}

// HealthResponse reports agent liveness.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// SessionResponse describes the current session state.
type SessionResponse struct {
	Status         string     `json:"status"`
	PrincipalID    string     `json:"principal_id,omitempty"`
	PrincipalEmail string     `json:"principal_email,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RemainingSecs  int64      `json:"remaining_seconds,omitempty"`
}

// LoginRequest carries dashboard credentials.
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// ExtendResponse reports the expiry after an explicit renewal.
type ExtendResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// ThrottledResponse carries the backend's retry hint to the caller.
type ThrottledResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}
