package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/quantech/tollgate/internal/api/middleware"
	"github.com/quantech/tollgate/internal/identity"
	"github.com/quantech/tollgate/internal/models"
	"github.com/rs/zerolog"
)

// LicenseResolver maps a principal to the license it acts under, creating
// the derived default license for fresh user principals.
type LicenseResolver interface {
	LicenseFor(ctx context.Context, p *identity.Principal) (*models.License, error)
}

// requireLicense resolves the request principal to its license and rejects
// the request when the license does not admit it at now. Every tenant-scoped
// handler funnels through here; nothing reads tenant state off the raw
// principal. Returns nil after writing the error response.
func requireLicense(c *gin.Context, resolver LicenseResolver, now time.Time, logger zerolog.Logger) *models.License {
	p := middleware.RequirePrincipal(c)
	if p == nil {
		return nil
	}

	lic, err := resolver.LicenseFor(c.Request.Context(), p)
	if err != nil {
		logger.Error().Err(err).Msg("failed to resolve license")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve license"})
		return nil
	}

	if !lic.IsValidAt(now) {
		switch lic.EffectiveStatusAt(now) {
		case models.LicenseStatusSuspended:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "license is suspended"})
		case models.LicenseStatusRevoked:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "license is revoked"})
		case models.LicenseStatusExpired:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "license has expired"})
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "license not yet valid"})
		}
		return nil
	}

	return lic
}
