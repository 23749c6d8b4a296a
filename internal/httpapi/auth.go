package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "tenantsync"

const (
	ScopeDataRead     = "data:read"
	ScopeDataWrite    = "data:write"
	ScopeTenantsRead  = "tenants:read"
	ScopeTenantsAdmin = "tenants:admin"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// tokenClaims grants access to the listed tenants; "*" grants every tenant.
type tokenClaims struct {
	Tenants []string `json:"tenants"`
	Scopes  []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *tokenClaims) hasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (c *tokenClaims) canAccess(tenantID string) bool {
	for _, t := range c.Tenants {
		if t == "*" || t == tenantID {
			return true
		}
	}
	return false
}

// IssueToken signs an HS256 token for subject.
func IssueToken(secret, subject string, tenants, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Tenants: tenants,
		Scopes:  scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authorizeBearer(authHeader, secret, tenantID, requiredScope string, now time.Time) (*tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, secret, now)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && !claims.canAccess(tenantID) {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "tenant not granted"}
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "missing required scope: " + requiredScope}
	}
	return claims, nil
}

func parseBearer(authHeader, secret string, now time.Time) (*tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid aud claim"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "jwt signature mismatch"}
	default:
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid token"}
	}
	if claims.Subject == "" {
		return nil, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return &claims, nil
}
