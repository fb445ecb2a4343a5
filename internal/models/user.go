package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an account in the user sub-service. A user may have zero or one
// derived default license, keyed by tenant id "user_{username}".
type User struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	PasswordHash string     `json:"-"`
	IsActive     bool       `json:"is_active"`
	IsAdmin      bool       `json:"is_admin"`
	DateJoined   time.Time  `json:"date_joined"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// NewUser creates an active non-admin user.
func NewUser(username, email, passwordHash, firstName, lastName string) *User {
	return &User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		FirstName:    firstName,
		LastName:     lastName,
		PasswordHash: passwordHash,
		IsActive:     true,
		DateJoined:   time.Now(),
	}
}

// FullName returns "First Last", falling back to the username.
func (u *User) FullName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.Username
	}
}

// DerivedTenantID returns the tenant id of the user's default license.
func (u *User) DerivedTenantID() string {
	return "user_" + u.Username
}
