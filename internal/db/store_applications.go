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

// Application methods

const applicationColumns = `id, license_id, name, description, version, api_key,
	webhook_url, is_active, created_at, updated_at, last_activity, config`

func scanApplication(row pgx.Row) (*models.Application, error) {
	var app models.Application
	err := row.Scan(
		&app.ID, &app.LicenseID, &app.Name, &app.Description, &app.Version,
		&app.APIKey, &app.WebhookURL, &app.IsActive, &app.CreatedAt,
		&app.UpdatedAt, &app.LastActivity, &app.Config,
	)
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// CreateApplication inserts a new application. Returns a unique-violation
// error for duplicate (license, name) or api_key.
func (db *DB) CreateApplication(ctx context.Context, app *models.Application) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO applications (`+applicationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, app.ID, app.LicenseID, app.Name, app.Description, app.Version, app.APIKey,
		app.WebhookURL, app.IsActive, app.CreatedAt, app.UpdatedAt, app.LastActivity, app.Config)
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}
	return nil
}

// GetApplicationByID returns an application by id.
func (db *DB) GetApplicationByID(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	app, err := scanApplication(db.Pool.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get application by id: %w", err)
	}
	return app, nil
}

// GetApplicationByName returns the application named name under a license.
func (db *DB) GetApplicationByName(ctx context.Context, licenseID uuid.UUID, name string) (*models.Application, error) {
	app, err := scanApplication(db.Pool.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE license_id = $1 AND name = $2`,
		licenseID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get application by name: %w", err)
	}
	return app, nil
}

// ListApplicationsByLicense returns a license's applications, newest first.
// isActive narrows by active flag when non-nil.
func (db *DB) ListApplicationsByLicense(ctx context.Context, licenseID uuid.UUID, isActive *bool) ([]*models.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE license_id = $1`
	args := []any{licenseID}
	if isActive != nil {
		args = append(args, *isActive)
		query += " AND is_active = $2"
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var apps []*models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// UpdateApplication persists mutable application fields.
func (db *DB) UpdateApplication(ctx context.Context, app *models.Application) error {
	app.UpdatedAt = time.Now()
	tag, err := db.Pool.Exec(ctx, `
		UPDATE applications
		SET name = $2, description = $3, version = $4, webhook_url = $5,
		    is_active = $6, config = $7, updated_at = $8
		WHERE id = $1
	`, app.ID, app.Name, app.Description, app.Version, app.WebhookURL,
		app.IsActive, app.Config, app.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetApplicationActive flips the active flag.
func (db *DB) SetApplicationActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE applications SET is_active = $2, updated_at = NOW() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("set application active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchApplicationActivity updates last_activity. Best-effort on the hot
// path; callers log rather than fail on error.
func (db *DB) TouchApplicationActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE applications SET last_activity = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("touch application activity: %w", err)
	}
	return nil
}

// CountActiveApplications returns the number of active applications for a
// license. The quota reseed path rebuilds cache counters from this.
func (db *DB) CountActiveApplications(ctx context.Context, licenseID uuid.UUID) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM applications WHERE license_id = $1 AND is_active
	`, licenseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active applications: %w", err)
	}
	return n, nil
}

// APIKeyExists reports whether an api_key is already taken.
func (db *DB) APIKeyExists(ctx context.Context, apiKey string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM applications WHERE api_key = $1)
	`, apiKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check api key: %w", err)
	}
	return exists, nil
}
