package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestSetAccessToken_AdoptsClaims(t *testing.T) {
	s := New(Options{AppName: "BreathSync", AppVersion: "1.0.0"})
	assert.NotEmpty(t, s.InstallationUUID())
	assert.Equal(t, RolePatient, s.Role())

	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := signedToken(t, Claims{
		Username: "jane",
		Email:    "jane@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "fed-123",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})

	require.NoError(t, s.SetAccessToken(tok))
	assert.Equal(t, "fed-123", s.FederationID())
	assert.Equal(t, "jane", s.Username())
	assert.Equal(t, "jane@example.com", s.EmailID())

	claims, err := ParseClaims(tok)
	require.NoError(t, err)
	assert.False(t, claims.Expired(exp.Add(-time.Hour)))
	assert.True(t, claims.Expired(exp.Add(time.Hour)))
}

func TestSetAccessToken_RejectsGarbage(t *testing.T) {
	s := New(Options{})
	assert.Error(t, s.SetAccessToken("not-a-jwt"))
}

func TestServerTimeOffset(t *testing.T) {
	s := New(Options{})
	assert.Nil(t, s.ServerTimeOffset())

	local := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetServerTime(local.Add(90*time.Second), local)

	require.NotNil(t, s.ServerTimeOffset())
	assert.Equal(t, 90, *s.ServerTimeOffset())
	assert.Equal(t, local.Add(90*time.Second), *s.ServerTime())
}
