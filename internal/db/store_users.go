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

// User methods

const userColumns = `id, username, email, first_name, last_name, password_hash,
	is_active, is_admin, date_joined, last_login`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName,
		&u.PasswordHash, &u.IsActive, &u.IsAdmin, &u.DateJoined, &u.LastLogin,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new user. Returns a unique-violation error for
// duplicate usernames or emails.
func (db *DB) CreateUser(ctx context.Context, user *models.User) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO user_profile (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, user.ID, user.Username, user.Email, user.FirstName, user.LastName,
		user.PasswordHash, user.IsActive, user.IsAdmin, user.DateJoined, user.LastLogin)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByID returns a user by id.
func (db *DB) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM user_profile WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

// GetUserByUsername returns a user by username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM user_profile WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return u, nil
}

// UserExists reports whether a username or email is already taken.
func (db *DB) UserExists(ctx context.Context, username, email string) (usernameTaken, emailTaken bool, err error) {
	err = db.Pool.QueryRow(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM user_profile WHERE username = $1),
			EXISTS(SELECT 1 FROM user_profile WHERE email = $2)
	`, username, email).Scan(&usernameTaken, &emailTaken)
	if err != nil {
		return false, false, fmt.Errorf("check user exists: %w", err)
	}
	return usernameTaken, emailTaken, nil
}

// UpdateUserLastLogin stamps the user's last login time.
func (db *DB) UpdateUserLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE user_profile SET last_login = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("update user last login: %w", err)
	}
	return nil
}
