package marker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arklim/merchant-console-session/internal/core/domain"
	"github.com/arklim/merchant-console-session/internal/core/port"
)

// Store persists the session marker as an HS256-signed claim set in a local
// file. The signature means a tampered marker degrades to "absent" instead
// of seeding a bogus active state; the transport cookie stays authoritative
// either way.
type Store struct {
	path   string
	secret []byte
	clock  port.Clock
}

type markerClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// NewStore constructs a marker store. The secret must be non-empty; a
// per-install random secret is acceptable since the marker only ever needs
// to be readable by the process that wrote it.
func NewStore(path string, secret []byte, clock port.Clock) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("marker path is required")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("marker secret is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Store{path: path, secret: secret, clock: clock}, nil
}

// Load reads and verifies the persisted marker. Missing, tampered, or
// expired markers all read as absent without error.
func (s *Store) Load(_ context.Context) (domain.Session, bool, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, fmt.Errorf("read marker: %w", err)
	}

	claims := &markerClaims{}
	token, err := jwt.ParseWithClaims(string(raw), claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		// A bad marker is a hint gone stale, not a failure.
		return domain.Session{}, false, nil
	}

	if claims.Subject == "" || claims.ExpiresAt == nil {
		return domain.Session{}, false, nil
	}

	return domain.Session{
		PrincipalID:    claims.Subject,
		PrincipalEmail: claims.Email,
		ExpiresAt:      claims.ExpiresAt.Time,
	}, true, nil
}

// Save writes the signed marker atomically (temp file + rename).
func (s *Store) Save(_ context.Context, sess domain.Session) error {
	claims := markerClaims{
		Email: sess.PrincipalEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.PrincipalID,
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(s.clock.Now()),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return fmt.Errorf("sign marker: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".marker-*")
	if err != nil {
		return fmt.Errorf("create temp marker: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(signed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename marker: %w", err)
	}

	return nil
}

// Clear removes the marker file. Clearing an absent marker is a no-op.
func (s *Store) Clear(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove marker: %w", err)
	}
	return nil
}

var _ port.MarkerStore = (*Store)(nil)
