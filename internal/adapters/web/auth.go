package web

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

type authClaimsKey struct{}

// AuthClaims holds the caller identity extracted from the JWT.
type AuthClaims struct {
	Subject string
	Role    string
}

// writeRoles may edit manual values and generate carryover.
var writeRoles = []string{"admin", "accountant"}

// authFromContext returns the auth claims stored in ctx, or nil.
func authFromContext(ctx context.Context) *AuthClaims {
	v, _ := ctx.Value(authClaimsKey{}).(*AuthClaims)
	return v
}

// jwtClaims is the JWT payload struct used for signing and parsing.
type jwtClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// tokenFromRequest reads an `Authorization: Bearer` header, falling back to
// the auth_token cookie.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// RequireAuth is chi middleware that validates the caller's HMAC-signed JWT
// and injects AuthClaims into the request context. Returns 401 if the token
// is absent or invalid, 403 if its role may not write. Without a configured
// secret every request passes.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.jwtSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		raw := tokenFromRequest(r)
		if raw == "" {
			writeError(w, r, "authentication required", "UNAUTHORIZED", http.StatusUnauthorized)
			return
		}

		claims := &jwtClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(h.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			writeError(w, r, "invalid or expired token", "UNAUTHORIZED", http.StatusUnauthorized)
			return
		}
		if !slices.Contains(writeRoles, claims.Role) {
			writeError(w, r, "role "+claims.Role+" may not modify reports", "FORBIDDEN", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), authClaimsKey{}, &AuthClaims{
			Subject: claims.Subject,
			Role:    claims.Role,
		})
		logger := zerolog.Ctx(ctx).With().Str("subject", claims.Subject).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
	})
}
