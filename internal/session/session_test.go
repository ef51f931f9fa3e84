package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestSetTokenAndOwner(t *testing.T) {
	m := NewManager(secret)

	_, err := m.Owner()
	require.ErrorIs(t, err, ErrUnauthorized)

	token, err := IssueToken("owner-1", secret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.SetToken(token))

	owner, err := m.Owner()
	require.NoError(t, err)
	assert.Equal(t, "owner-1", owner)
}

func TestSetToken_WrongSecret(t *testing.T) {
	m := NewManager(secret)

	token, err := IssueToken("owner-1", []byte("other"), time.Hour)
	require.NoError(t, err)

	require.ErrorIs(t, m.SetToken(token), ErrInvalidToken)
}

func TestOwner_Expired(t *testing.T) {
	m := NewManager(secret)

	token, err := IssueToken("owner-1", secret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.SetToken(token))

	m.mu.Lock()
	m.expiresAt = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	_, err = m.Owner()
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestClear(t *testing.T) {
	m := NewManager(secret)

	token, err := IssueToken("owner-1", secret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.SetToken(token))

	m.Clear()
	_, err = m.Owner()
	require.ErrorIs(t, err, ErrUnauthorized)
}
