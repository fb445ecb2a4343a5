// Package token signs and verifies the service's bearer credentials.
//
// Two payload shapes share one signing key: user tokens carry user_id and
// license tokens carry tenant_id. Verification dispatches on which claim is
// present. License claims embedded in a token are advisory; admission always
// re-reads the persisted license.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/models"
)

var (
	// ErrTokenExpired is returned when the token's exp claim has passed.
	ErrTokenExpired = errors.New("token has expired")
	// ErrTokenMalformed is returned for any token that fails to parse or
	// verify for a reason other than expiry.
	ErrTokenMalformed = errors.New("invalid token")
)

// Kind distinguishes the two recognized payload shapes.
type Kind string

const (
	KindUser    Kind = "user"
	KindLicense Kind = "license"
)

// Claims is the superset of both payload shapes. Exactly one of UserID or
// TenantID is set on a verified token.
type Claims struct {
	// User token claims.
	UserID   uuid.UUID `json:"user_id,omitempty"`
	Username string    `json:"username,omitempty"`
	Email    string    `json:"email,omitempty"`
	Scope    string    `json:"scope,omitempty"`

	// License token claims.
	TenantID            string    `json:"tenant_id,omitempty"`
	TenantName          string    `json:"tenant_name,omitempty"`
	LicenseID           uuid.UUID `json:"license_id,omitempty"`
	MaxApps             int       `json:"max_apps,omitempty"`
	MaxExecutionsPer24h int       `json:"max_executions_per_24h,omitempty"`
	ValidFrom           string    `json:"valid_from,omitempty"`
	ValidTo             string    `json:"valid_to,omitempty"`
	Status              string    `json:"status,omitempty"`

	jwt.RegisteredClaims
}

// Kind reports which payload shape the claims carry.
func (c *Claims) Kind() (Kind, error) {
	switch {
	case c.UserID != uuid.Nil:
		return KindUser, nil
	case c.TenantID != "":
		return KindLicense, nil
	default:
		return "", fmt.Errorf("%w: missing user_id or tenant_id", ErrTokenMalformed)
	}
}

// Codec signs and verifies bearer tokens with a symmetric HMAC key.
type Codec struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// NewCodec creates a Codec. ttl is the default lifetime for signed tokens.
func NewCodec(secret []byte, ttl time.Duration, clk clock.Clock) (*Codec, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token secret must be at least 32 bytes")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Codec{secret: secret, ttl: ttl, clock: clk}, nil
}

// TTL returns the default token lifetime.
func (c *Codec) TTL() time.Duration { return c.ttl }

// SignUser mints a user token with the codec's default lifetime.
func (c *Codec) SignUser(user *models.User) (string, error) {
	now := c.clock.Now()
	scope := ""
	if user.IsAdmin {
		scope = "admin"
	}
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	return c.sign(claims)
}

// SignLicense mints a license token valid for the given lifetime. A zero
// lifetime uses the codec default.
func (c *Codec) SignLicense(lic *models.License, lifetime time.Duration) (string, time.Time, error) {
	if lifetime <= 0 {
		lifetime = c.ttl
	}
	now := c.clock.Now()
	expiresAt := now.Add(lifetime)
	claims := &Claims{
		TenantID:            lic.TenantID,
		TenantName:          lic.TenantName,
		LicenseID:           lic.ID,
		MaxApps:             lic.MaxApps,
		MaxExecutionsPer24h: lic.MaxExecutionsPer24h,
		ValidFrom:           lic.ValidFrom.UTC().Format(time.RFC3339),
		ValidTo:             lic.ValidTo.UTC().Format(time.RFC3339),
		Status:              string(lic.Status),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	tok, err := c.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, expiresAt, nil
}

func (c *Codec) sign(claims *Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a token, rejecting expired or tampered ones.
func (c *Codec) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) {
			return c.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if _, err := claims.Kind(); err != nil {
		return nil, err
	}
	return claims, nil
}
