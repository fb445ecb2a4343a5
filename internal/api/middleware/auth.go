// Package middleware provides HTTP middleware for the Tollgate API.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/quantech/tollgate/internal/identity"
	"github.com/quantech/tollgate/internal/token"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys used by this package.
type ContextKey string

const (
	// PrincipalContextKey is the context key for the resolved principal.
	PrincipalContextKey ContextKey = "principal"
	// RawTokenContextKey is the context key for the raw bearer token.
	RawTokenContextKey ContextKey = "raw_token"
)

// ExtractBearerToken extracts the token from an Authorization header value.
// A bare token without the Bearer prefix is also accepted.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) >= len(prefix) && strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return strings.TrimSpace(authHeader[len(prefix):])
	}
	return strings.TrimSpace(authHeader)
}

// HybridAuth returns a middleware that authenticates requests bearing either
// a user token or a license token. The X-License-Token header is accepted as
// a fallback for license tokens.
func HybridAuth(codec *token.Codec, resolver *identity.Resolver, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "auth_middleware").Logger()

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			header = c.GetHeader("X-License-Token")
		}
		raw := ExtractBearerToken(header)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		claims, err := codec.Verify(raw)
		if err != nil {
			status := http.StatusUnauthorized
			msg := "invalid token"
			if errors.Is(err, token.ErrTokenExpired) {
				msg = "token has expired"
			}
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("token verification failed")
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}

		principal, err := resolver.Resolve(c.Request.Context(), claims)
		if err != nil {
			var authErr *identity.AuthError
			if errors.As(err, &authErr) {
				log.Debug().Str("path", c.Request.URL.Path).Str("reason", authErr.Message).Msg("authentication rejected")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": authErr.Message})
				return
			}
			log.Error().Err(err).Msg("identity resolution failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}

		c.Set(string(PrincipalContextKey), principal)
		c.Set(string(RawTokenContextKey), raw)
		c.Next()
	}
}

// GetPrincipal retrieves the resolved principal from the Gin context.
// Returns nil if the request is unauthenticated.
func GetPrincipal(c *gin.Context) *identity.Principal {
	v, exists := c.Get(string(PrincipalContextKey))
	if !exists {
		return nil
	}
	p, ok := v.(*identity.Principal)
	if !ok {
		return nil
	}
	return p
}

// RequirePrincipal gets the principal or aborts with 401. Use in handlers
// behind HybridAuth.
func RequirePrincipal(c *gin.Context) *identity.Principal {
	p := GetPrincipal(c)
	if p == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil
	}
	return p
}

// RequireAdmin returns a middleware that rejects non-admin principals.
// License principals are never admins; the admin surface is user-scoped.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := GetPrincipal(c)
		if p == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !p.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}
