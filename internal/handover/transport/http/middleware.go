package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const AuthenticatedPrincipalContextKey = ContextKey("authenticatedPrincipal")

// AuthenticatedPrincipal is the identity extracted from a request's bearer
// token. NetID is the opaque principal string the backends know; S3User is
// the principal's registered identity on the S3 endpoint, when any.
type AuthenticatedPrincipal struct {
	NetID  string
	Email  string
	Name   string
	Groups []string
	S3User string
}

// InGroup reports whether the principal carries the group.
func (p AuthenticatedPrincipal) InGroup(group string) bool {
	for _, g := range p.Groups {
		if g == group {
			return true
		}
	}
	return false
}

type accessClaims struct {
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Groups []string `json:"groups"`
	S3User string   `json:"s3_user"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates the bearer token and puts the authenticated
// principal on the request context.
func AuthMiddleware(accessSecret string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing", "path", r.URL.Path)
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := &accessClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(accessSecret), nil
			})
			if err != nil || !token.Valid {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}
			if claims.Subject == "" {
				logger.WarnContext(r.Context(), "Token has no subject")
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			principal := AuthenticatedPrincipal{
				NetID:  claims.Subject,
				Email:  claims.Email,
				Name:   claims.Name,
				Groups: claims.Groups,
				S3User: claims.S3User,
			}
			ctx := context.WithValue(r.Context(), AuthenticatedPrincipalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireGroup rejects requests whose principal is not in the group.
// AuthMiddleware must run first.
func RequireGroup(group string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				logger.ErrorContext(r.Context(), "AuthenticatedPrincipal not found in context; AuthMiddleware must run first")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if !principal.InGroup(group) {
				logger.WarnContext(r.Context(), "Group membership denied",
					"netid", principal.NetID, "required_group", group)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromContext returns the authenticated principal, if present.
func PrincipalFromContext(ctx context.Context) (AuthenticatedPrincipal, bool) {
	principal, ok := ctx.Value(AuthenticatedPrincipalContextKey).(AuthenticatedPrincipal)
	return principal, ok
}
