package websocket

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// tokenExpired inspects the bearer token's exp claim without verifying the
// signature; verification is the backend's job. Opaque (non-JWT) tokens are
// treated as not expired.
func tokenExpired(token string, now time.Time) bool {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && claims.ExpiresAt.Before(now)
}
