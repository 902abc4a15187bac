package supabase

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// claimsFromToken extracts the subject, email, and expiry from a
// GoTrue access token without verifying the signature. Anonymous
// clients never hold the project's JWT secret; the token is trusted
// because it came from the provider over TLS, same as the hosted
// client.
func claimsFromToken(token string) (userID, email string, expires time.Time) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", "", time.Time{}
	}
	if sub, err := claims.GetSubject(); err == nil {
		userID = sub
	}
	if v, ok := claims["email"].(string); ok {
		email = v
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expires = exp.Time
	}
	return userID, email, expires
}
