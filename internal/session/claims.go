package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity carried by a platform access token.
type Claims struct {
	FederationID string `json:"federationId"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	jwt.RegisteredClaims
}

// ParseClaims reads the claims of token without verifying its signature.
// The platform verifies the token; the client only needs the identity.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}
	if claims.FederationID == "" {
		claims.FederationID = claims.Subject
	}
	return claims, nil
}

// Expired reports whether the token expires before now.
func (c *Claims) Expired(now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Time.Before(now)
}
