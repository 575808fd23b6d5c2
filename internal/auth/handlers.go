package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/seanankenbruck/semantic-bi/internal/errors"
	"github.com/seanankenbruck/semantic-bi/internal/observability"
)

// defaultKeyLifetime applies when a key request omits expires_in
const defaultKeyLifetime = 30 * 24 * time.Hour

// AuthHandlers serves login, API key self-service and user administration
type AuthHandlers struct {
	authManager *AuthManager
}

// NewAuthHandlers creates the handlers over authManager
func NewAuthHandlers(authManager *AuthManager) *AuthHandlers {
	return &AuthHandlers{authManager: authManager}
}

// SetupRoutes registers the auth routes on r. r must already run the auth middleware.
func (ah *AuthHandlers) SetupRoutes(r *gin.RouterGroup) {
	r.POST("/auth/login", ah.Login)
	r.GET("/auth/status", ah.GetAuthStatus)
	r.GET("/auth/me", ah.withUser(ah.GetCurrentUser))

	r.GET("/api-keys", ah.withUser(ah.ListAPIKeys))
	r.POST("/api-keys", ah.withUser(ah.CreateAPIKey))
	r.DELETE("/api-keys/:id", ah.withUser(ah.RevokeAPIKey))

	admin := r.Group("/admin", ah.authManager.RequireRole(RoleAdmin))
	admin.GET("/users", ah.ListUsers)
	admin.POST("/users", ah.CreateUser)
	admin.GET("/rate-limit-stats", ah.GetRateLimitStats)
}

// withUser resolves the caller once and rejects anonymous requests
func (ah *AuthHandlers) withUser(h func(*gin.Context, *User)) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := GetCurrentUser(c)
		if !ok {
			respondError(c, apperrors.NewNotAuthenticatedError())
			return
		}
		h(c, user)
	}
}

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries the bearer token
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	User      *User  `json:"user"`
}

// Login exchanges a username and password for a bearer token
func (ah *AuthHandlers) Login(c *gin.Context) {
	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	user, err := ah.authManager.Authenticate(req.Username, req.Password)
	if err != nil {
		respondError(c, apperrors.NewInvalidCredentialsError())
		return
	}

	token, expiresAt, err := ah.authManager.CreateJWTToken(user)
	if err != nil {
		respondError(c, apperrors.NewTokenCreationError(err))
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format(time.RFC3339),
		User:      user,
	})
}

// GetCurrentUser echoes the authenticated caller
func (ah *AuthHandlers) GetCurrentUser(c *gin.Context, user *User) {
	c.JSON(http.StatusOK, user)
}

// GetAuthStatus describes how the API authenticates
func (ah *AuthHandlers) GetAuthStatus(c *gin.Context) {
	cfg := ah.authManager.Config()
	c.JSON(http.StatusOK, gin.H{
		"authentication_enabled": true,
		"allow_anonymous":        cfg.AllowAnonymous,
		"rate_limit":             cfg.RateLimit,
		"jwt_expiry":             cfg.JWTExpiry.String(),
	})
}

// CreateAPIKeyRequest is the body of POST /api-keys. ExpiresIn accepts 30d, 2w, 1y or a Go duration.
type CreateAPIKeyRequest struct {
	Name      string `json:"name" binding:"required"`
	RateLimit int    `json:"rate_limit"`
	ExpiresIn string `json:"expires_in"`
}

// CreateAPIKeyResponse is the only response that carries the plaintext key
type CreateAPIKeyResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	RateLimit int       `json:"rate_limit"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateAPIKey issues a key owned by the caller
func (ah *AuthHandlers) CreateAPIKey(c *gin.Context, user *User) {
	var req CreateAPIKeyRequest
	if !bindJSON(c, &req) {
		return
	}

	lifetime, err := parseDuration(req.ExpiresIn)
	if err != nil || lifetime <= 0 {
		respondError(c, apperrors.NewInvalidInputError("expires_in", "expected a positive duration such as 30d or 720h"))
		return
	}

	key, err := ah.authManager.CreateAPIKey(user.ID, req.Name, req.RateLimit, lifetime)
	if err != nil {
		respondError(c, apperrors.Wrap(err, apperrors.ErrCodeTokenCreation, "Failed to create API key"))
		return
	}

	c.JSON(http.StatusCreated, CreateAPIKeyResponse{
		ID:        key.ID,
		Name:      key.Name,
		Key:       key.Key,
		RateLimit: key.RateLimit,
		ExpiresAt: key.ExpiresAt,
		CreatedAt: key.CreatedAt,
	})
}

// ListAPIKeys lists the caller's keys without plaintext
func (ah *AuthHandlers) ListAPIKeys(c *gin.Context, user *User) {
	c.JSON(http.StatusOK, gin.H{"api_keys": ah.authManager.ListAPIKeys(user.ID)})
}

// RevokeAPIKey deactivates one of the caller's keys. Keys owned by others look missing
// unless the caller is an admin.
func (ah *AuthHandlers) RevokeAPIKey(c *gin.Context, user *User) {
	id := c.Param("id")
	if err := ah.authManager.RevokeAPIKey(id, user); err != nil {
		if errors.Is(err, ErrAPIKeyNotFound) {
			respondError(c, apperrors.NewNotFoundError("API key", id))
			return
		}
		respondError(c, apperrors.Wrap(err, apperrors.ErrCodeInternal, "Failed to revoke API key"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "API key revoked successfully"})
}

// CreateUserRequest is the body of POST /admin/users. Roles default to analyst.
type CreateUserRequest struct {
	Username string   `json:"username" binding:"required"`
	Email    string   `json:"email" binding:"required"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

// CreateUser adds a user
func (ah *AuthHandlers) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if !bindJSON(c, &req) {
		return
	}

	if len(req.Roles) == 0 {
		req.Roles = []string{RoleAnalyst}
	}
	for _, role := range req.Roles {
		if role != RoleAdmin && role != RoleAnalyst {
			respondError(c, apperrors.NewInvalidInputError("roles", fmt.Sprintf("unknown role %q", role)))
			return
		}
	}

	user, err := ah.authManager.CreateUser(req.Username, req.Email, req.Password, req.Roles)
	switch {
	case errors.Is(err, ErrUserExists):
		respondError(c, apperrors.NewConflictError("User", err))
		return
	case err != nil:
		respondError(c, apperrors.Wrap(err, apperrors.ErrCodeInternal, "Failed to create user"))
		return
	}

	c.JSON(http.StatusCreated, user)
}

// ListUsers lists all users
func (ah *AuthHandlers) ListUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": ah.authManager.ListUsers()})
}

// GetRateLimitStats reports the limiter's per-client buckets
func (ah *AuthHandlers) GetRateLimitStats(c *gin.Context) {
	stats := ah.authManager.RateLimiter().Stats()
	c.JSON(http.StatusOK, gin.H{
		"total_clients": len(stats),
		"clients":       stats,
	})
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, apperrors.NewInvalidInputError("body", err.Error()))
		return false
	}
	return true
}

func respondError(c *gin.Context, err *apperrors.EnhancedError) {
	c.Set(observability.ErrorCodeKey, string(err.Code))
	c.JSON(apperrors.HTTPStatus(err.Code), gin.H{"error": err})
}

// parseDuration accepts day, week and year suffixes on top of time.ParseDuration
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return defaultKeyLifetime, nil
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	case 'y':
		unit = 365 * 24 * time.Hour
	default:
		return time.ParseDuration(s)
	}

	n, err := strconv.Atoi(strings.TrimSpace(s[:len(s)-1]))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n) * unit, nil
}
