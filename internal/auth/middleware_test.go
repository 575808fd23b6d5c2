package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestRouter(am *AuthManager) *gin.Engine {
	r := gin.New()
	api := r.Group("/api/v1")
	api.Use(am.Middleware())
	NewAuthHandlers(am).SetupRoutes(api)
	api.GET("/protected", func(c *gin.Context) {
		userID, _ := GetCurrentUserID(c)
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})
	api.GET("/semantic/documents", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"documents": []string{}})
	})
	api.POST("/semantic/reload", am.RequireRole(RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func do(r http.Handler, method, path string, body interface{}, setup func(*http.Request)) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if setup != nil {
		setup(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestMiddleware(t *testing.T) {
	am := newTestAuthManager(t, AuthConfig{RateLimit: 100})
	user, err := am.CreateUser("analyst", "analyst@example.com", "pw", []string{RoleAnalyst})
	require.NoError(t, err)
	token, _, err := am.CreateJWTToken(user)
	require.NoError(t, err)
	apiKey, err := am.CreateAPIKey(user.ID, "ci", 0, time.Hour)
	require.NoError(t, err)

	r := newTestRouter(am)

	tests := []struct {
		name       string
		method     string
		path       string
		setup      func(*http.Request)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "bearer token",
			method:     http.MethodGet,
			path:       "/api/v1/protected",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) },
			wantStatus: http.StatusOK,
		},
		{
			name:       "api key",
			method:     http.MethodGet,
			path:       "/api/v1/protected",
			setup:      func(r *http.Request) { r.Header.Set("X-API-Key", apiKey.Key) },
			wantStatus: http.StatusOK,
		},
		{
			name:       "no credentials",
			method:     http.MethodGet,
			path:       "/api/v1/protected",
			wantStatus: http.StatusUnauthorized,
			wantCode:   "NOT_AUTHENTICATED",
		},
		{
			name:       "malformed header",
			method:     http.MethodGet,
			path:       "/api/v1/protected",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Token "+token) },
			wantStatus: http.StatusUnauthorized,
			wantCode:   "NOT_AUTHENTICATED",
		},
		{
			name:       "bad api key",
			method:     http.MethodGet,
			path:       "/api/v1/protected",
			setup:      func(r *http.Request) { r.Header.Set("X-API-Key", "sbi_nope") },
			wantStatus: http.StatusUnauthorized,
			wantCode:   "NOT_AUTHENTICATED",
		},
		{
			name:       "public endpoint without anonymous access",
			method:     http.MethodGet,
			path:       "/api/v1/semantic/documents",
			wantStatus: http.StatusUnauthorized,
			wantCode:   "NOT_AUTHENTICATED",
		},
		{
			name:       "auth status skips authentication",
			method:     http.MethodGet,
			path:       "/api/v1/auth/status",
			wantStatus: http.StatusOK,
		},
		{
			name:       "admin route with analyst role",
			method:     http.MethodPost,
			path:       "/api/v1/semantic/reload",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) },
			wantStatus: http.StatusForbidden,
			wantCode:   "INSUFFICIENT_PERMISSIONS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, nil, tt.setup)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeError(t, w))
			}
		})
	}
}

func TestMiddleware_AllowAnonymous(t *testing.T) {
	am := newTestAuthManager(t, AuthConfig{AllowAnonymous: true})
	r := newTestRouter(am)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/semantic/documents", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/protected", nil, nil).Code)
}

func TestMiddleware_RateLimit(t *testing.T) {
	am := newTestAuthManager(t, AuthConfig{RateLimit: 2})
	user, err := am.CreateUser("analyst", "analyst@example.com", "pw", []string{RoleAnalyst})
	require.NoError(t, err)
	token, _, err := am.CreateJWTToken(user)
	require.NoError(t, err)
	generous, err := am.CreateAPIKey(user.ID, "batch", 50, time.Hour)
	require.NoError(t, err)

	r := newTestRouter(am)
	bearer := func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) }

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/protected", nil, bearer).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/protected", nil, bearer).Code)

	w := do(r, http.MethodGet, "/api/v1/protected", nil, bearer)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, w))

	// API keys carry their own budget
	for i := 0; i < 5; i++ {
		w := do(r, http.MethodGet, "/api/v1/protected", nil, func(req *http.Request) { req.Header.Set("X-API-Key", generous.Key) })
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestHandlers(t *testing.T) {
	am := newTestAuthManager(t, AuthConfig{AdminPassword: "admin-pw"})
	r := newTestRouter(am)

	t.Run("login failure", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/v1/auth/login", LoginRequest{Username: "admin", Password: "wrong"}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "INVALID_CREDENTIALS", decodeError(t, w))
	})

	t.Run("login missing fields", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "admin"}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	w := do(r, http.MethodPost, "/api/v1/auth/login", LoginRequest{Username: "admin", Password: "admin-pw"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var login LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)
	admin := func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+login.Token) }

	t.Run("me", func(t *testing.T) {
		w := do(r, http.MethodGet, "/api/v1/auth/me", nil, admin)
		require.Equal(t, http.StatusOK, w.Code)
		var user User
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
		assert.Equal(t, "admin", user.Username)
	})

	t.Run("create user and api key", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/v1/admin/users", CreateUserRequest{Username: "carol", Email: "c@example.com", Password: "pw"}, admin)
		require.Equal(t, http.StatusCreated, w.Code)
		var carol User
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &carol))
		assert.Equal(t, []string{RoleAnalyst}, carol.Roles)

		w = do(r, http.MethodPost, "/api/v1/admin/users", CreateUserRequest{Username: "carol", Email: "c@example.com"}, admin)
		assert.Equal(t, http.StatusConflict, w.Code)

		w = do(r, http.MethodPost, "/api/v1/api-keys", CreateAPIKeyRequest{Name: "ci", ExpiresIn: "7d"}, admin)
		require.Equal(t, http.StatusCreated, w.Code)
		var created CreateAPIKeyResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
		assert.NotEmpty(t, created.Key)

		w = do(r, http.MethodPost, "/api/v1/api-keys", CreateAPIKeyRequest{Name: "ci", ExpiresIn: "soon"}, admin)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = do(r, http.MethodGet, "/api/v1/api-keys", nil, admin)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), created.Key)

		w = do(r, http.MethodDelete, "/api/v1/api-keys/"+created.ID, nil, admin)
		assert.Equal(t, http.StatusOK, w.Code)
		w = do(r, http.MethodDelete, "/api/v1/api-keys/missing", nil, admin)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("rate limit stats", func(t *testing.T) {
		w := do(r, http.MethodGet, "/api/v1/admin/rate-limit-stats", nil, admin)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "user:"+adminUserID)
	})
}
