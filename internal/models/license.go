package models

import (
	"time"

	"github.com/google/uuid"
)

// LicenseStatus represents the current status of a license.
type LicenseStatus string

const (
	// LicenseStatusActive means the license is valid and usable.
	LicenseStatusActive LicenseStatus = "ACTIVE"
	// LicenseStatusSuspended means the license is temporarily disabled.
	LicenseStatusSuspended LicenseStatus = "SUSPENDED"
	// LicenseStatusExpired means the validity window has passed. Expiry is
	// inferred from valid_to at read time, never eagerly persisted.
	LicenseStatusExpired LicenseStatus = "EXPIRED"
	// LicenseStatusRevoked means the license is permanently disabled.
	LicenseStatusRevoked LicenseStatus = "REVOKED"
)

// ValidLicenseStatuses returns all valid license statuses.
func ValidLicenseStatuses() []LicenseStatus {
	return []LicenseStatus{
		LicenseStatusActive,
		LicenseStatusSuspended,
		LicenseStatusExpired,
		LicenseStatusRevoked,
	}
}

// IsValid checks if the status is a known value.
func (s LicenseStatus) IsValid() bool {
	for _, valid := range ValidLicenseStatuses() {
		if s == valid {
			return true
		}
	}
	return false
}

// License caps a tenant's registered applications and job executions
// within a rolling 24-hour window.
type License struct {
	ID                  uuid.UUID      `json:"id"`
	TenantID            string         `json:"tenant_id"`
	TenantName          string         `json:"tenant_name"`
	MaxApps             int            `json:"max_apps"`
	MaxExecutionsPer24h int            `json:"max_executions_per_24h"`
	ValidFrom           time.Time      `json:"valid_from"`
	ValidTo             time.Time      `json:"valid_to"`
	Status              LicenseStatus  `json:"status"`
	Features            map[string]any `json:"features"`
	ContactEmail        string         `json:"contact_email"`
	ContactName         string         `json:"contact_name"`
	CreatedBy           string         `json:"created_by"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// NewLicense creates a License with a fresh ID and ACTIVE status.
func NewLicense(tenantID, tenantName string, maxApps, maxExecutions int, validFrom, validTo time.Time) *License {
	now := time.Now()
	return &License{
		ID:                  uuid.New(),
		TenantID:            tenantID,
		TenantName:          tenantName,
		MaxApps:             maxApps,
		MaxExecutionsPer24h: maxExecutions,
		ValidFrom:           validFrom,
		ValidTo:             validTo,
		Status:              LicenseStatusActive,
		Features:            map[string]any{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// IsValidAt reports whether the license admits requests at the given time.
func (l *License) IsValidAt(now time.Time) bool {
	return l.Status == LicenseStatusActive &&
		!now.Before(l.ValidFrom) && !now.After(l.ValidTo)
}

// IsExpiredAt reports whether the validity window has passed.
func (l *License) IsExpiredAt(now time.Time) bool {
	return now.After(l.ValidTo)
}

// EffectiveStatusAt resolves the stored status against the wall clock: an
// ACTIVE license past valid_to reads as EXPIRED.
func (l *License) EffectiveStatusAt(now time.Time) LicenseStatus {
	if l.Status == LicenseStatusActive && l.IsExpiredAt(now) {
		return LicenseStatusExpired
	}
	return l.Status
}

// RemainingDays returns whole days until expiration, zero if already expired.
func (l *License) RemainingDays(now time.Time) int {
	if l.IsExpiredAt(now) {
		return 0
	}
	return int(l.ValidTo.Sub(now).Hours() / 24)
}

// License history actions.
const (
	LicenseActionCreate     = "CREATE"
	LicenseActionUpdate     = "UPDATE"
	LicenseActionSuspend    = "SUSPEND"
	LicenseActionReactivate = "REACTIVATE"
	LicenseActionRevoke     = "REVOKE"
	LicenseActionUpgrade    = "UPGRADE"
)

// LicenseHistory is an append-only audit record of license changes.
type LicenseHistory struct {
	ID          uuid.UUID      `json:"id"`
	LicenseID   uuid.UUID      `json:"license_id"`
	Action      string         `json:"action"`
	Details     map[string]any `json:"details"`
	PerformedBy string         `json:"performed_by"`
	PerformedAt time.Time      `json:"performed_at"`
}

// NewLicenseHistory creates a history row for the given action.
func NewLicenseHistory(licenseID uuid.UUID, action string, details map[string]any, performedBy string) *LicenseHistory {
	if details == nil {
		details = map[string]any{}
	}
	return &LicenseHistory{
		ID:          uuid.New(),
		LicenseID:   licenseID,
		Action:      action,
		Details:     details,
		PerformedBy: performedBy,
		PerformedAt: time.Now(),
	}
}

// LicenseUpgrade captures the before/after of a limit change.
type LicenseUpgrade struct {
	ID                    uuid.UUID `json:"id"`
	LicenseID             uuid.UUID `json:"license_id"`
	PreviousMaxApps       int       `json:"previous_max_apps"`
	PreviousMaxExecutions int       `json:"previous_max_executions"`
	PreviousValidTo       time.Time `json:"previous_valid_to"`
	NewMaxApps            int       `json:"new_max_apps"`
	NewMaxExecutions      int       `json:"new_max_executions"`
	NewValidTo            time.Time `json:"new_valid_to"`
	Reason                string    `json:"reason"`
	ApprovedBy            string    `json:"approved_by"`
	CreatedAt             time.Time `json:"created_at"`
}

// LicenseToken tracks a minted bearer token for a license. Verification is
// stateless; these rows exist for audit and last-use tracking only.
type LicenseToken struct {
	ID         uuid.UUID  `json:"id"`
	LicenseID  uuid.UUID  `json:"license_id"`
	Token      string     `json:"token"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// NewLicenseToken creates an active token record expiring at expiresAt.
func NewLicenseToken(licenseID uuid.UUID, token string, expiresAt time.Time) *LicenseToken {
	return &LicenseToken{
		ID:        uuid.New(),
		LicenseID: licenseID,
		Token:     token,
		IsActive:  true,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
}
