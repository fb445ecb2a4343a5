// Package identity turns verified token claims into a request principal:
// either a user (with a lazily created default license) or a license.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/db"
	"github.com/quantech/tollgate/internal/models"
	"github.com/quantech/tollgate/internal/token"
	"github.com/rs/zerolog"
)

// Defaults for the derived license auto-created on a user's first use.
const (
	DefaultMaxApps             = 10
	DefaultMaxExecutionsPer24h = 1000
	DefaultValidity            = 365 * 24 * time.Hour
)

// AuthError is an authentication failure with a client-facing message.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

func authErrorf(format string, args ...any) *AuthError {
	return &AuthError{Message: fmt.Sprintf(format, args...)}
}

// PrincipalKind tags the two principal variants.
type PrincipalKind string

const (
	PrincipalUser    PrincipalKind = "user"
	PrincipalLicense PrincipalKind = "license"
)

// Principal is the authenticated identity of a request. Exactly one of User
// or License is set, per Kind.
type Principal struct {
	Kind    PrincipalKind
	User    *models.User
	License *models.License
}

// IsAdmin reports whether the principal may use admin surfaces.
func (p *Principal) IsAdmin() bool {
	return p.Kind == PrincipalUser && p.User.IsAdmin
}

// Store is the subset of database operations the resolver needs.
type Store interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetLicenseByTenantID(ctx context.Context, tenantID string) (*models.License, error)
	CreateLicense(ctx context.Context, lic *models.License) error
	CreateLicenseHistory(ctx context.Context, h *models.LicenseHistory) error
}

// QuotaCache initializes counters for freshly derived licenses.
type QuotaCache interface {
	SetAppCount(ctx context.Context, tenantID string, count int) error
}

// Resolver resolves verified claims to a principal.
type Resolver struct {
	store  Store
	quota  QuotaCache
	clock  clock.Clock
	logger zerolog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(store Store, quota QuotaCache, clk clock.Clock, logger zerolog.Logger) *Resolver {
	if clk == nil {
		clk = clock.New()
	}
	return &Resolver{
		store:  store,
		quota:  quota,
		clock:  clk,
		logger: logger.With().Str("component", "identity_resolver").Logger(),
	}
}

// Resolve maps verified claims to a principal, enforcing user activity and
// live license validity. License claims in the token are advisory only; the
// persisted license is re-read so suspensions and revocations take effect
// immediately.
func (r *Resolver) Resolve(ctx context.Context, claims *token.Claims) (*Principal, error) {
	kind, err := claims.Kind()
	if err != nil {
		return nil, &AuthError{Message: "token payload invalid: missing user_id or tenant_id"}
	}

	switch kind {
	case token.KindUser:
		user, err := r.store.GetUserByID(ctx, claims.UserID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, &AuthError{Message: "user not found"}
			}
			return nil, fmt.Errorf("load user: %w", err)
		}
		if !user.IsActive {
			return nil, &AuthError{Message: "user is inactive"}
		}
		return &Principal{Kind: PrincipalUser, User: user}, nil

	case token.KindLicense:
		lic, err := r.store.GetLicenseByTenantID(ctx, claims.TenantID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, &AuthError{Message: "license not found"}
			}
			return nil, fmt.Errorf("load license: %w", err)
		}
		if err := r.validateLicense(lic); err != nil {
			return nil, err
		}
		return &Principal{Kind: PrincipalLicense, License: lic}, nil

	default:
		return nil, &AuthError{Message: "authentication failed"}
	}
}

// validateLicense enforces status and validity window with status-specific
// messages. Expiry is inferred from valid_to regardless of stored status.
func (r *Resolver) validateLicense(lic *models.License) error {
	now := r.clock.Now()
	switch lic.EffectiveStatusAt(now) {
	case models.LicenseStatusSuspended:
		return authErrorf("license is suspended")
	case models.LicenseStatusRevoked:
		return authErrorf("license is revoked")
	case models.LicenseStatusExpired:
		return authErrorf("license has expired")
	}
	if now.Before(lic.ValidFrom) {
		return authErrorf("license not yet valid")
	}
	if now.After(lic.ValidTo) {
		return authErrorf("license has expired")
	}
	return nil
}

// LicenseFor returns the license a principal acts under. For license
// principals that is the license itself; for user principals it is the
// derived default license, created on first use.
//
// Derived-license creation is idempotent: two concurrent first-use requests
// race on the tenant_id uniqueness constraint and the loser reads back the
// winner's row.
func (r *Resolver) LicenseFor(ctx context.Context, p *Principal) (*models.License, error) {
	if p.Kind == PrincipalLicense {
		return p.License, nil
	}

	tenantID := p.User.DerivedTenantID()
	lic, err := r.store.GetLicenseByTenantID(ctx, tenantID)
	if err == nil {
		return lic, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("load derived license: %w", err)
	}

	now := r.clock.Now()
	lic = models.NewLicense(tenantID, p.User.Username,
		DefaultMaxApps, DefaultMaxExecutionsPer24h, now, now.Add(DefaultValidity))
	lic.CreatedBy = p.User.Username
	lic.ContactEmail = p.User.Email
	lic.ContactName = p.User.FullName()

	if err := r.store.CreateLicense(ctx, lic); err != nil {
		if db.IsUniqueViolation(err) {
			// Lost the creation race; the existing row wins.
			return r.store.GetLicenseByTenantID(ctx, tenantID)
		}
		return nil, fmt.Errorf("create derived license: %w", err)
	}

	if err := r.quota.SetAppCount(ctx, tenantID, 0); err != nil {
		r.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to initialize app counter")
	}
	if err := r.store.CreateLicenseHistory(ctx, models.NewLicenseHistory(
		lic.ID, models.LicenseActionCreate,
		map[string]any{"derived_for_user": p.User.Username},
		p.User.Username,
	)); err != nil {
		r.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to record derived license creation")
	}

	r.logger.Info().
		Str("tenant_id", tenantID).
		Str("username", p.User.Username).
		Msg("created default license for user")

	return lic, nil
}
