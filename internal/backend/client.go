package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/merchant-console-session/internal/infra/config"
)

// Machine-readable error codes the boundary emits alongside HTTP statuses.
const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeSessionExpired     = "session_expired"
	CodeSessionRevoked     = "session_revoked"
	CodeCsrfInvalid        = "csrf_invalid"
	CodeRateLimited        = "rate_limited"
	CodeValidation         = "validation_error"
)

// CsrfHeader carries the combined double-submit value on mutating requests.
const CsrfHeader = "X-CSRF-Token"

// Client is the low-level REST client for the backend boundary. The cookie
// jar is the authoritative store for both the session credential and the
// CSRF cookie; client code never constructs or edits either directly.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient constructs a boundary client with its own cookie jar.
func NewClient(cfg config.BackendSettings, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("init cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		logger: logger,
	}, nil
}

// NewClientWithHTTP constructs a boundary client over a caller-supplied
// http.Client (primarily for tests against httptest servers).
func NewClientWithHTTP(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient.Jar == nil {
		jar, _ := cookiejar.New(nil)
		httpClient.Jar = jar
	}
	return &Client{baseURL: baseURL, http: httpClient, logger: logger}
}

type errorBody struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retry_after"`
	} `json:"error"`
}

// Do issues one request against the boundary, decoding a JSON response into
// out when it is non-nil. Failures are mapped onto the error taxonomy.
func (c *Client) Do(ctx context.Context, method, path string, body, out any, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Cause: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return c.mapError(resp, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func (c *Client) mapError(resp *http.Response, data []byte) error {
	var eb errorBody
	_ = json.Unmarshal(data, &eb)
	code := eb.Error.Code

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		switch code {
		case CodeInvalidCredentials:
			return ErrInvalidCredentials
		case CodeSessionExpired:
			return ErrAuthExpired
		default:
			return ErrAuthRevoked
		}
	case resp.StatusCode == http.StatusForbidden:
		if code == CodeCsrfInvalid {
			return ErrCsrfMismatch
		}
		return ErrAuthRevoked
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ThrottledError{RetryAfter: retryAfter(resp, eb)}
	case resp.StatusCode >= 500:
		return &TransientError{Cause: fmt.Errorf("backend returned %d", resp.StatusCode)}
	default:
		msg := eb.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("backend returned %d", resp.StatusCode)
		}
		return &ValidationError{Message: msg}
	}
}

func retryAfter(resp *http.Response, eb errorBody) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	if eb.Error.RetryAfter > 0 {
		return time.Duration(eb.Error.RetryAfter) * time.Second
	}
	return 0
}
