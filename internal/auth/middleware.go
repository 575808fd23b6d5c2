package auth

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/seanankenbruck/semantic-bi/internal/errors"
	"github.com/seanankenbruck/semantic-bi/internal/observability"
)

const (
	contextUserKey   = "user"
	contextUserIDKey = "user_id"
)

// Middleware authenticates every request outside the public paths, enforces the per-client
// rate limit and stores the user in the gin context
func (am *AuthManager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		if shouldSkipAuth(path) {
			c.Next()
			return
		}

		user, apiKey, err := am.authenticateRequest(c)
		if err != nil {
			if am.config.AllowAnonymous && isPublicEndpoint(path) {
				if !am.allow(c, "ip:"+c.ClientIP(), am.config.RateLimit) {
					return
				}
				c.Next()
				return
			}

			am.logger.Debug(c.Request.Context(), "Authentication failed", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			abortWithError(c, apperrors.NewNotAuthenticatedError())
			return
		}

		limit := am.config.RateLimit
		clientID := "user:" + user.ID
		if apiKey != nil {
			limit = apiKey.RateLimit
			clientID = "key:" + apiKey.ID
		}
		if !am.allow(c, clientID, limit) {
			return
		}

		c.Set(contextUserKey, user)
		c.Set(contextUserIDKey, user.ID)
		c.Request = c.Request.WithContext(observability.WithUserID(c.Request.Context(), user.ID))

		c.Next()
	}
}

func (am *AuthManager) allow(c *gin.Context, clientID string, limit int) bool {
	if am.limiter.Allow(clientID, limit) {
		return true
	}
	observability.RecordRateLimited()
	am.logger.Warn(c.Request.Context(), "Rate limit exceeded", map[string]interface{}{
		"client_id": clientID,
		"limit":     limit,
	})
	abortWithError(c, apperrors.NewRateLimitedError(limit))
	return false
}

// RequireRole returns a middleware that checks the user holds one of requiredRoles
func (am *AuthManager) RequireRole(requiredRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, exists := GetCurrentUser(c)
		if !exists {
			abortWithError(c, apperrors.NewNotAuthenticatedError())
			return
		}

		if !user.HasRole(requiredRoles...) {
			abortWithError(c, apperrors.NewInsufficientPermissionsError(requiredRoles))
			return
		}

		c.Next()
	}
}

// authenticateRequest tries a bearer token first, then an API key
func (am *AuthManager) authenticateRequest(c *gin.Context) (*User, *APIKey, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		user, err := am.authenticateJWT(header)
		observability.RecordAuthAttempt("jwt", err == nil)
		return user, nil, err
	}

	if key := c.GetHeader("X-API-Key"); key != "" {
		user, apiKey, err := am.ValidateAPIKey(key)
		observability.RecordAuthAttempt("api_key", err == nil)
		return user, apiKey, err
	}

	return nil, nil, fmt.Errorf("no credentials")
}

func (am *AuthManager) authenticateJWT(header string) (*User, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, fmt.Errorf("malformed authorization header")
	}

	claims, err := am.ValidateJWTToken(parts[1])
	if err != nil {
		return nil, err
	}

	return am.GetUser(claims.UserID)
}

func abortWithError(c *gin.Context, err *apperrors.EnhancedError) {
	c.Set(observability.ErrorCodeKey, string(err.Code))
	c.AbortWithStatusJSON(apperrors.HTTPStatus(err.Code), gin.H{"error": err})
}

// shouldSkipAuth checks if a path should skip authentication
func shouldSkipAuth(path string) bool {
	skipPaths := []string{
		"/health",
		"/metrics",
		"/api/v1/health",
		"/api/v1/auth/login",
		"/api/v1/auth/status",
	}

	for _, skipPath := range skipPaths {
		if path == skipPath {
			return true
		}
	}

	return false
}

// isPublicEndpoint checks if an endpoint allows anonymous access
func isPublicEndpoint(path string) bool {
	return path == "/api/v1/semantic/documents"
}

// GetCurrentUser returns the current authenticated user from context
func GetCurrentUser(c *gin.Context) (*User, bool) {
	value, exists := c.Get(contextUserKey)
	if !exists {
		return nil, false
	}

	user, ok := value.(*User)
	return user, ok
}

// GetCurrentUserID returns the current user ID from context
func GetCurrentUserID(c *gin.Context) (string, bool) {
	value, exists := c.Get(contextUserIDKey)
	if !exists {
		return "", false
	}

	userID, ok := value.(string)
	return userID, ok
}
