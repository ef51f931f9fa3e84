// Package session tracks the authenticated owner. The session token is a JWT
// issued by the (out-of-scope) auth service; this package only consumes it.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized is returned when no valid session is present.
	ErrUnauthorized = errors.New("no authenticated session")

	// ErrInvalidToken is returned when a presented token cannot be verified.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the standard claims plus the owner identifier.
type Claims struct {
	jwt.RegisteredClaims
	OwnerID string `json:"owner_id"`
}

// Manager holds the current session. Safe for concurrent use.
type Manager struct {
	secret []byte

	mu        sync.RWMutex
	ownerID   string
	expiresAt time.Time
}

func NewManager(secret []byte) *Manager {
	return &Manager{secret: secret}
}

// SetToken verifies token and installs its owner as the current session.
func (m *Manager) SetToken(token string) error {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.OwnerID == "" {
		return fmt.Errorf("%w: missing owner id", ErrInvalidToken)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ownerID = claims.OwnerID
	if claims.ExpiresAt != nil {
		m.expiresAt = claims.ExpiresAt.Time
	} else {
		m.expiresAt = time.Time{}
	}
	return nil
}

// Owner returns the authenticated owner id, or ErrUnauthorized when no
// session is installed or the token has expired.
func (m *Manager) Owner() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ownerID == "" {
		return "", ErrUnauthorized
	}
	if !m.expiresAt.IsZero() && time.Now().After(m.expiresAt) {
		return "", fmt.Errorf("%w: token expired", ErrUnauthorized)
	}
	return m.ownerID, nil
}

// Clear signs the owner out.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ownerID = ""
	m.expiresAt = time.Time{}
}

// IssueToken signs a token for ownerID. Used by tooling and tests; the
// production token comes from the auth service.
func IssueToken(ownerID string, secret []byte, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
		},
		OwnerID: ownerID,
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}
