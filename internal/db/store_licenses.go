package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/quantech/tollgate/internal/models"
)

// License methods

const licenseColumns = `id, tenant_id, tenant_name, max_apps, max_executions_per_24h,
	valid_from, valid_to, status, features, contact_email, contact_name,
	created_by, created_at, updated_at`

func scanLicense(row pgx.Row) (*models.License, error) {
	var lic models.License
	var statusStr string
	err := row.Scan(
		&lic.ID, &lic.TenantID, &lic.TenantName, &lic.MaxApps, &lic.MaxExecutionsPer24h,
		&lic.ValidFrom, &lic.ValidTo, &statusStr, &lic.Features, &lic.ContactEmail,
		&lic.ContactName, &lic.CreatedBy, &lic.CreatedAt, &lic.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	lic.Status = models.LicenseStatus(statusStr)
	return &lic, nil
}

// CreateLicense inserts a new license. Returns a unique-violation error when
// the tenant id is already taken.
func (db *DB) CreateLicense(ctx context.Context, lic *models.License) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO licenses (`+licenseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, lic.ID, lic.TenantID, lic.TenantName, lic.MaxApps, lic.MaxExecutionsPer24h,
		lic.ValidFrom, lic.ValidTo, string(lic.Status), lic.Features, lic.ContactEmail,
		lic.ContactName, lic.CreatedBy, lic.CreatedAt, lic.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// GetLicenseByID returns a license by its surrogate id.
func (db *DB) GetLicenseByID(ctx context.Context, id uuid.UUID) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get license by id: %w", err)
	}
	return lic, nil
}

// GetLicenseByTenantID returns a license by its tenant id.
func (db *DB) GetLicenseByTenantID(ctx context.Context, tenantID string) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE tenant_id = $1`, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get license by tenant id: %w", err)
	}
	return lic, nil
}

// LicenseFilter narrows ListLicenses.
type LicenseFilter struct {
	Status    models.LicenseStatus
	TenantID  string // substring match
	ValidOnly bool
	Now       time.Time // reference time for ValidOnly
}

// ListLicenses returns licenses matching the filter, newest first.
func (db *DB) ListLicenses(ctx context.Context, filter LicenseFilter) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.TenantID != "" {
		args = append(args, "%"+filter.TenantID+"%")
		query += fmt.Sprintf(" AND tenant_id ILIKE $%d", len(args))
	}
	if filter.ValidOnly {
		args = append(args, filter.Now)
		query += fmt.Sprintf(" AND status = 'ACTIVE' AND valid_from <= $%d AND valid_to >= $%d", len(args), len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var licenses []*models.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, lic)
	}
	return licenses, nil
}

// UpdateLicense persists all mutable license fields.
func (db *DB) UpdateLicense(ctx context.Context, lic *models.License) error {
	lic.UpdatedAt = time.Now()
	tag, err := db.Pool.Exec(ctx, `
		UPDATE licenses
		SET tenant_name = $2, max_apps = $3, max_executions_per_24h = $4,
		    valid_from = $5, valid_to = $6, status = $7, features = $8,
		    contact_email = $9, contact_name = $10, updated_at = $11
		WHERE id = $1
	`, lic.ID, lic.TenantName, lic.MaxApps, lic.MaxExecutionsPer24h,
		lic.ValidFrom, lic.ValidTo, string(lic.Status), lic.Features,
		lic.ContactEmail, lic.ContactName, lic.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// License history methods

// CreateLicenseHistory appends a history row.
func (db *DB) CreateLicenseHistory(ctx context.Context, h *models.LicenseHistory) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO license_history (id, license_id, action, details, performed_by, performed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, h.ID, h.LicenseID, h.Action, h.Details, h.PerformedBy, h.PerformedAt)
	if err != nil {
		return fmt.Errorf("create license history: %w", err)
	}
	return nil
}

// ListLicenseHistory returns history rows for a license, newest first.
func (db *DB) ListLicenseHistory(ctx context.Context, licenseID uuid.UUID) ([]*models.LicenseHistory, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, license_id, action, details, performed_by, performed_at
		FROM license_history
		WHERE license_id = $1
		ORDER BY performed_at DESC
	`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list license history: %w", err)
	}
	defer rows.Close()

	var history []*models.LicenseHistory
	for rows.Next() {
		var h models.LicenseHistory
		if err := rows.Scan(&h.ID, &h.LicenseID, &h.Action, &h.Details, &h.PerformedBy, &h.PerformedAt); err != nil {
			return nil, fmt.Errorf("scan license history: %w", err)
		}
		history = append(history, &h)
	}
	return history, nil
}

// License upgrade methods

// CreateLicenseUpgrade appends an upgrade record.
func (db *DB) CreateLicenseUpgrade(ctx context.Context, u *models.LicenseUpgrade) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO license_upgrades (
			id, license_id, previous_max_apps, previous_max_executions, previous_valid_to,
			new_max_apps, new_max_executions, new_valid_to, reason, approved_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, u.ID, u.LicenseID, u.PreviousMaxApps, u.PreviousMaxExecutions, u.PreviousValidTo,
		u.NewMaxApps, u.NewMaxExecutions, u.NewValidTo, u.Reason, u.ApprovedBy, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create license upgrade: %w", err)
	}
	return nil
}

// ListLicenseUpgrades returns upgrade records for a license, newest first.
func (db *DB) ListLicenseUpgrades(ctx context.Context, licenseID uuid.UUID) ([]*models.LicenseUpgrade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, license_id, previous_max_apps, previous_max_executions, previous_valid_to,
		       new_max_apps, new_max_executions, new_valid_to, reason, approved_by, created_at
		FROM license_upgrades
		WHERE license_id = $1
		ORDER BY created_at DESC
	`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list license upgrades: %w", err)
	}
	defer rows.Close()

	var upgrades []*models.LicenseUpgrade
	for rows.Next() {
		var u models.LicenseUpgrade
		if err := rows.Scan(&u.ID, &u.LicenseID, &u.PreviousMaxApps, &u.PreviousMaxExecutions,
			&u.PreviousValidTo, &u.NewMaxApps, &u.NewMaxExecutions, &u.NewValidTo,
			&u.Reason, &u.ApprovedBy, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan license upgrade: %w", err)
		}
		upgrades = append(upgrades, &u)
	}
	return upgrades, nil
}

// License token methods

// CreateLicenseToken records a minted token.
func (db *DB) CreateLicenseToken(ctx context.Context, t *models.LicenseToken) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO license_tokens (id, license_id, token, is_active, created_at, expires_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.LicenseID, t.Token, t.IsActive, t.CreatedAt, t.ExpiresAt, t.LastUsedAt)
	if err != nil {
		return fmt.Errorf("create license token: %w", err)
	}
	return nil
}

// TouchLicenseToken updates last_used_at for an active tracked token.
// Untracked tokens are fine; stateless verification does not require a row.
func (db *DB) TouchLicenseToken(ctx context.Context, licenseID uuid.UUID, token string, usedAt time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE license_tokens
		SET last_used_at = $3
		WHERE license_id = $1 AND token = $2 AND is_active
	`, licenseID, token, usedAt)
	if err != nil {
		return fmt.Errorf("touch license token: %w", err)
	}
	return nil
}
