// Package handlers implements the HTTP endpoints of the Tollgate API.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quantech/tollgate/internal/api/middleware"
	"github.com/quantech/tollgate/internal/clock"
	"github.com/quantech/tollgate/internal/db"
	"github.com/quantech/tollgate/internal/identity"
	"github.com/quantech/tollgate/internal/models"
	"github.com/quantech/tollgate/internal/token"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// UserStore defines the user persistence operations the auth handler needs.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UserExists(ctx context.Context, username, email string) (bool, bool, error)
	UpdateUserLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// AuthHandler handles user registration and authentication.
type AuthHandler struct {
	store  UserStore
	codec  *token.Codec
	clock  clock.Clock
	logger zerolog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(store UserStore, codec *token.Codec, clk clock.Clock, logger zerolog.Logger) *AuthHandler {
	if clk == nil {
		clk = clock.New()
	}
	return &AuthHandler{
		store:  store,
		codec:  codec,
		clock:  clk,
		logger: logger.With().Str("component", "auth_handler").Logger(),
	}
}

// RegisterPublicRoutes registers the unauthenticated auth routes.
func (h *AuthHandler) RegisterPublicRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/register", h.Register)
		auth.POST("/login", h.Login)
	}
}

// RegisterRoutes registers the authenticated auth routes.
func (h *AuthHandler) RegisterRoutes(r *gin.RouterGroup) {
	auth := r.Group("/auth")
	{
		auth.GET("/me", h.Me)
		auth.POST("/refresh", h.Refresh)
		auth.POST("/logout", h.Logout)
	}
}

type registerRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
}

func (r *registerRequest) validate() map[string]string {
	errs := map[string]string{}
	if r.Username == "" {
		errs["username"] = "username is required"
	} else if len(r.Username) > 150 {
		errs["username"] = "username must be at most 150 characters"
	}
	if r.Email == "" {
		errs["email"] = "email is required"
	}
	if len(r.Password) < 8 {
		errs["password"] = "password must be at least 8 characters"
	}
	if r.Password != r.PasswordConfirm {
		errs["password_confirm"] = "passwords do not match"
	}
	return errs
}

// Register creates a new user account and returns a bearer token.
// POST /auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, "Registration failed", gin.H{"body": err.Error()})
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		failure(c, http.StatusBadRequest, "Registration failed", errs)
		return
	}

	usernameTaken, emailTaken, err := h.store.UserExists(c.Request.Context(), req.Username, req.Email)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to check user uniqueness")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}
	if usernameTaken {
		failure(c, http.StatusBadRequest, "Registration failed", gin.H{"username": "a user with this username already exists"})
		return
	}
	if emailTaken {
		failure(c, http.StatusBadRequest, "Registration failed", gin.H{"email": "a user with this email already exists"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to hash password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	user := models.NewUser(req.Username, req.Email, string(hash), req.FirstName, req.LastName)
	if err := h.store.CreateUser(c.Request.Context(), user); err != nil {
		if db.IsUniqueViolation(err) {
			failure(c, http.StatusBadRequest, "Registration failed", gin.H{"username": "a user with this username or email already exists"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to create user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	signed, err := h.codec.SignUser(user)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to sign token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	h.logger.Info().Str("username", user.Username).Msg("user registered")
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "User registered successfully",
		"data":    gin.H{"user": user, "token": signed},
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates a user and returns a bearer token.
// POST /auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		failure(c, http.StatusUnauthorized, "Login failed", gin.H{"detail": "must include username and password"})
		return
	}

	user, err := h.store.GetUserByUsername(c.Request.Context(), req.Username)
	if err != nil {
		// Same response for unknown user and bad password.
		failure(c, http.StatusUnauthorized, "Login failed", gin.H{"detail": "unable to log in with provided credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		failure(c, http.StatusUnauthorized, "Login failed", gin.H{"detail": "unable to log in with provided credentials"})
		return
	}
	if !user.IsActive {
		failure(c, http.StatusUnauthorized, "Login failed", gin.H{"detail": "user account is disabled"})
		return
	}

	if err := h.store.UpdateUserLastLogin(c.Request.Context(), user.ID, h.clock.Now()); err != nil {
		h.logger.Warn().Err(err).Str("username", user.Username).Msg("failed to update last login")
	}

	signed, err := h.codec.SignUser(user)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to sign token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Login successful",
		"data":    gin.H{"user": user, "token": signed},
	})
}

// Me returns the authenticated principal's identity.
// GET /auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	p := middleware.RequirePrincipal(c)
	if p == nil {
		return
	}

	switch p.Kind {
	case identity.PrincipalUser:
		c.JSON(http.StatusOK, gin.H{"success": true, "data": p.User})
	case identity.PrincipalLicense:
		c.JSON(http.StatusOK, gin.H{"success": true, "data": p.License})
	}
}

// Refresh mints a fresh token for the authenticated user.
// POST /auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	p := middleware.RequirePrincipal(c)
	if p == nil {
		return
	}
	if p.Kind != identity.PrincipalUser {
		c.JSON(http.StatusForbidden, gin.H{"error": "refresh is only available for user tokens"})
		return
	}

	signed, err := h.codec.SignUser(p.User)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to sign token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token refresh failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Token refreshed successfully",
		"data":    gin.H{"token": signed},
	})
}

// Logout acknowledges a logout; tokens are stateless so the client simply
// discards its copy.
// POST /auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	if middleware.RequirePrincipal(c) == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logout successful"})
}

// failure writes the auth-endpoint error envelope.
func failure(c *gin.Context, status int, message string, errs any) {
	c.JSON(status, gin.H{
		"success": false,
		"message": message,
		"errors":  errs,
	})
}
