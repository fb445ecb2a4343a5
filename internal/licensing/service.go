// Package licensing manages the license lifecycle: creation, updates,
// suspension, reactivation, revocation, and limit upgrades, each with an
// append-only history trail.
package licensing

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

var (
	// ErrTenantExists is returned when a tenant id is already licensed.
	ErrTenantExists = errors.New("a license for this tenant already exists")
	// ErrNotReactivatable is returned when reactivation is attempted on a
	// revoked or expired license. Revocation is terminal.
	ErrNotReactivatable = errors.New("license cannot be reactivated")
	// ErrInvalidValidity is returned when the validity window is malformed.
	ErrInvalidValidity = errors.New("valid_from must be before valid_to and valid_to must be in the future")
	// ErrLicenseNotValid is returned when an operation requires a currently
	// valid license.
	ErrLicenseNotValid = errors.New("license is not valid")
)

// Store is the subset of database operations the service needs.
type Store interface {
	CreateLicense(ctx context.Context, lic *models.License) error
	GetLicenseByID(ctx context.Context, id uuid.UUID) (*models.License, error)
	GetLicenseByTenantID(ctx context.Context, tenantID string) (*models.License, error)
	ListLicenses(ctx context.Context, filter db.LicenseFilter) ([]*models.License, error)
	UpdateLicense(ctx context.Context, lic *models.License) error
	CreateLicenseHistory(ctx context.Context, h *models.LicenseHistory) error
	ListLicenseHistory(ctx context.Context, licenseID uuid.UUID) ([]*models.LicenseHistory, error)
	CreateLicenseUpgrade(ctx context.Context, u *models.LicenseUpgrade) error
	CreateLicenseToken(ctx context.Context, t *models.LicenseToken) error
}

// QuotaCache is the quota-engine surface the service touches: counter
// initialization at creation and teardown at revocation.
type QuotaCache interface {
	SetAppCount(ctx context.Context, tenantID string, count int) error
	ResetTenant(ctx context.Context, tenantID string) error
}

// Service implements the license lifecycle.
type Service struct {
	store  Store
	quota  QuotaCache
	codec  *token.Codec
	clock  clock.Clock
	logger zerolog.Logger
}

// NewService creates a license Service.
func NewService(store Store, quota QuotaCache, codec *token.Codec, clk clock.Clock, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		store:  store,
		quota:  quota,
		codec:  codec,
		clock:  clk,
		logger: logger.With().Str("component", "license_service").Logger(),
	}
}

// CreateParams is the input for Create.
type CreateParams struct {
	TenantID            string
	TenantName          string
	MaxApps             int
	MaxExecutionsPer24h int
	ValidFrom           time.Time
	ValidTo             time.Time
	Features            map[string]any
	ContactEmail        string
	ContactName         string
	CreatedBy           string
	GenerateToken       bool
}

// Create provisions a new license, initializes its app counter and writes
// the CREATE history row. When GenerateToken is set a license bearer token
// is minted and tracked; it is returned alongside the license.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.License, string, error) {
	now := s.clock.Now()
	if !p.ValidFrom.Before(p.ValidTo) || !p.ValidTo.After(now) {
		return nil, "", ErrInvalidValidity
	}
	if p.MaxApps < 0 || p.MaxExecutionsPer24h < 0 {
		return nil, "", fmt.Errorf("limits must be non-negative")
	}

	lic := models.NewLicense(p.TenantID, p.TenantName, p.MaxApps, p.MaxExecutionsPer24h, p.ValidFrom, p.ValidTo)
	lic.ContactEmail = p.ContactEmail
	lic.ContactName = p.ContactName
	lic.CreatedBy = p.CreatedBy
	if p.Features != nil {
		lic.Features = p.Features
	}

	if err := s.store.CreateLicense(ctx, lic); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, "", ErrTenantExists
		}
		return nil, "", err
	}

	if err := s.quota.SetAppCount(ctx, lic.TenantID, 0); err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", lic.TenantID).Msg("failed to initialize app counter")
	}

	s.appendHistory(ctx, lic.ID, models.LicenseActionCreate, map[string]any{
		"tenant_id":              lic.TenantID,
		"max_apps":               lic.MaxApps,
		"max_executions_per_24h": lic.MaxExecutionsPer24h,
	}, p.CreatedBy)

	var signed string
	if p.GenerateToken {
		var err error
		signed, _, err = s.MintToken(ctx, lic, 0)
		if err != nil {
			return nil, "", err
		}
	}

	s.logger.Info().
		Str("license_id", lic.ID.String()).
		Str("tenant_id", lic.TenantID).
		Msg("license created")

	return lic, signed, nil
}

// UpdateParams carries the mutable fields of a license; nil means unchanged.
type UpdateParams struct {
	TenantName          *string
	MaxApps             *int
	MaxExecutionsPer24h *int
	ValidTo             *time.Time
	Status              *models.LicenseStatus
	Features            map[string]any
	ContactEmail        *string
	ContactName         *string
}

// Update applies a patch, recording field-level before/after in the history.
func (s *Service) Update(ctx context.Context, id uuid.UUID, p UpdateParams, actor string) (*models.License, error) {
	lic, err := s.store.GetLicenseByID(ctx, id)
	if err != nil {
		return nil, err
	}

	changes := map[string]any{}
	if p.TenantName != nil && *p.TenantName != lic.TenantName {
		changes["tenant_name"] = diff(lic.TenantName, *p.TenantName)
		lic.TenantName = *p.TenantName
	}
	if p.MaxApps != nil && *p.MaxApps != lic.MaxApps {
		changes["max_apps"] = diff(lic.MaxApps, *p.MaxApps)
		lic.MaxApps = *p.MaxApps
	}
	if p.MaxExecutionsPer24h != nil && *p.MaxExecutionsPer24h != lic.MaxExecutionsPer24h {
		changes["max_executions_per_24h"] = diff(lic.MaxExecutionsPer24h, *p.MaxExecutionsPer24h)
		lic.MaxExecutionsPer24h = *p.MaxExecutionsPer24h
	}
	if p.ValidTo != nil && !p.ValidTo.Equal(lic.ValidTo) {
		if !p.ValidTo.After(s.clock.Now()) || !lic.ValidFrom.Before(*p.ValidTo) {
			return nil, ErrInvalidValidity
		}
		changes["valid_to"] = diff(lic.ValidTo, *p.ValidTo)
		lic.ValidTo = *p.ValidTo
	}
	if p.Status != nil && *p.Status != lic.Status {
		if !p.Status.IsValid() {
			return nil, fmt.Errorf("invalid status %q", *p.Status)
		}
		changes["status"] = diff(string(lic.Status), string(*p.Status))
		lic.Status = *p.Status
	}
	if p.Features != nil {
		changes["features"] = diff(lic.Features, p.Features)
		lic.Features = p.Features
	}
	if p.ContactEmail != nil && *p.ContactEmail != lic.ContactEmail {
		changes["contact_email"] = diff(lic.ContactEmail, *p.ContactEmail)
		lic.ContactEmail = *p.ContactEmail
	}
	if p.ContactName != nil && *p.ContactName != lic.ContactName {
		changes["contact_name"] = diff(lic.ContactName, *p.ContactName)
		lic.ContactName = *p.ContactName
	}

	if len(changes) == 0 {
		return lic, nil
	}

	if err := s.store.UpdateLicense(ctx, lic); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, lic.ID, models.LicenseActionUpdate, map[string]any{"changes": changes}, actor)
	return lic, nil
}

// Suspend moves the license to SUSPENDED. Idempotent on an already
// suspended license.
func (s *Service) Suspend(ctx context.Context, id uuid.UUID, reason, actor string) (*models.License, error) {
	lic, err := s.store.GetLicenseByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if lic.Status == models.LicenseStatusSuspended {
		return lic, nil
	}

	lic.Status = models.LicenseStatusSuspended
	if err := s.store.UpdateLicense(ctx, lic); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, lic.ID, models.LicenseActionSuspend, map[string]any{"reason": orDefault(reason)}, actor)
	s.logger.Info().Str("license_id", id.String()).Str("tenant_id", lic.TenantID).Msg("license suspended")
	return lic, nil
}

// Reactivate moves a suspended license back to ACTIVE. Rejected for revoked
// licenses (terminal) and for licenses past valid_to.
func (s *Service) Reactivate(ctx context.Context, id uuid.UUID, reason, actor string) (*models.License, error) {
	lic, err := s.store.GetLicenseByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if lic.Status == models.LicenseStatusRevoked || lic.IsExpiredAt(s.clock.Now()) {
		return nil, ErrNotReactivatable
	}

	lic.Status = models.LicenseStatusActive
	if err := s.store.UpdateLicense(ctx, lic); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, lic.ID, models.LicenseActionReactivate, map[string]any{"reason": orDefault(reason)}, actor)
	s.logger.Info().Str("license_id", id.String()).Str("tenant_id", lic.TenantID).Msg("license reactivated")
	return lic, nil
}

// Revoke permanently disables the license and clears its cached quota
// state. There is no way back from REVOKED.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID, reason, actor string) (*models.License, error) {
	lic, err := s.store.GetLicenseByID(ctx, id)
	if err != nil {
		return nil, err
	}

	lic.Status = models.LicenseStatusRevoked
	if err := s.store.UpdateLicense(ctx, lic); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, lic.ID, models.LicenseActionRevoke, map[string]any{"reason": orDefault(reason)}, actor)

	if err := s.quota.ResetTenant(ctx, lic.TenantID); err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", lic.TenantID).Msg("failed to reset tenant quota state")
	}

	s.logger.Info().Str("license_id", id.String()).Str("tenant_id", lic.TenantID).Msg("license revoked")
	return lic, nil
}

// UpgradeParams carries the limit changes of an upgrade; nil means keep.
type UpgradeParams struct {
	MaxApps             *int
	MaxExecutionsPer24h *int
	ValidTo             *time.Time
}

// Upgrade changes the license limits, writing both an upgrade record and an
// UPGRADE history row. Counters are not reset: a lowered cap takes effect on
// the next admission and existing applications stay active.
func (s *Service) Upgrade(ctx context.Context, id uuid.UUID, p UpgradeParams, reason, approver string) (*models.License, error) {
	lic, err := s.store.GetLicenseByID(ctx, id)
	if err != nil {
		return nil, err
	}

	upgrade := &models.LicenseUpgrade{
		ID:                    uuid.New(),
		LicenseID:             lic.ID,
		PreviousMaxApps:       lic.MaxApps,
		PreviousMaxExecutions: lic.MaxExecutionsPer24h,
		PreviousValidTo:       lic.ValidTo,
		Reason:                reason,
		ApprovedBy:            approver,
		CreatedAt:             s.clock.Now(),
	}

	if p.MaxApps != nil {
		lic.MaxApps = *p.MaxApps
	}
	if p.MaxExecutionsPer24h != nil {
		lic.MaxExecutionsPer24h = *p.MaxExecutionsPer24h
	}
	if p.ValidTo != nil {
		if !p.ValidTo.After(s.clock.Now()) || !lic.ValidFrom.Before(*p.ValidTo) {
			return nil, ErrInvalidValidity
		}
		lic.ValidTo = *p.ValidTo
	}

	upgrade.NewMaxApps = lic.MaxApps
	upgrade.NewMaxExecutions = lic.MaxExecutionsPer24h
	upgrade.NewValidTo = lic.ValidTo

	if err := s.store.UpdateLicense(ctx, lic); err != nil {
		return nil, err
	}
	if err := s.store.CreateLicenseUpgrade(ctx, upgrade); err != nil {
		return nil, err
	}

	s.appendHistory(ctx, lic.ID, models.LicenseActionUpgrade, map[string]any{
		"upgrade_id": upgrade.ID.String(),
		"changes": map[string]any{
			"max_apps":               diff(upgrade.PreviousMaxApps, upgrade.NewMaxApps),
			"max_executions_per_24h": diff(upgrade.PreviousMaxExecutions, upgrade.NewMaxExecutions),
			"valid_to":               diff(upgrade.PreviousValidTo, upgrade.NewValidTo),
		},
	}, approver)

	s.logger.Info().
		Str("license_id", id.String()).
		Int("max_apps", lic.MaxApps).
		Int("max_executions_per_24h", lic.MaxExecutionsPer24h).
		Msg("license upgraded")

	return lic, nil
}

// IsValid reports whether the license admits requests right now.
func (s *Service) IsValid(lic *models.License) bool {
	return lic.IsValidAt(s.clock.Now())
}

// MintToken signs a license bearer token and tracks it. A zero lifetime uses
// the codec default.
func (s *Service) MintToken(ctx context.Context, lic *models.License, lifetime time.Duration) (string, time.Time, error) {
	if !s.IsValid(lic) {
		return "", time.Time{}, ErrLicenseNotValid
	}
	signed, expiresAt, err := s.codec.SignLicense(lic, lifetime)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.store.CreateLicenseToken(ctx, models.NewLicenseToken(lic.ID, signed, expiresAt)); err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// History returns the license's audit trail.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*models.LicenseHistory, error) {
	if _, err := s.store.GetLicenseByID(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListLicenseHistory(ctx, id)
}

func (s *Service) appendHistory(ctx context.Context, licenseID uuid.UUID, action string, details map[string]any, actor string) {
	h := models.NewLicenseHistory(licenseID, action, details, actor)
	if err := s.store.CreateLicenseHistory(ctx, h); err != nil {
		s.logger.Error().Err(err).
			Str("license_id", licenseID.String()).
			Str("action", action).
			Msg("failed to append license history")
	}
}

func diff(from, to any) map[string]any {
	return map[string]any{"from": from, "to": to}
}

func orDefault(reason string) string {
	if reason == "" {
		return "No reason provided"
	}
	return reason
}
