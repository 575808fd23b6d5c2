package auth

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-bi/internal/observability"
)

func newTestAuthManager(t *testing.T, config AuthConfig) *AuthManager {
	t.Helper()
	if config.JWTSecret == "" {
		config.JWTSecret = "test-secret"
	}
	return NewAuthManager(config, observability.NewLogger("auth").WithOutput(io.Discard))
}

func TestNewAuthManager(t *testing.T) {
	tests := []struct {
		name          string
		config        AuthConfig
		wantExpiry    time.Duration
		wantRateLimit int
	}{
		{
			name:          "defaults",
			config:        AuthConfig{},
			wantExpiry:    24 * time.Hour,
			wantRateLimit: 60,
		},
		{
			name:          "custom",
			config:        AuthConfig{JWTExpiry: 2 * time.Hour, RateLimit: 10},
			wantExpiry:    2 * time.Hour,
			wantRateLimit: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			am := newTestAuthManager(t, tt.config)
			assert.Equal(t, tt.wantExpiry, am.Config().JWTExpiry)
			assert.Equal(t, tt.wantRateLimit, am.Config().RateLimit)

			admin, err := am.GetUserByUsername("admin")
			require.NoError(t, err)
			assert.Equal(t, adminUserID, admin.ID)
			assert.True(t, admin.HasRole(RoleAdmin))
		})
	}

	t.Run("generates a secret when none is configured", func(t *testing.T) {
		am := NewAuthManager(AuthConfig{}, observability.NewLogger("auth").WithOutput(io.Discard))
		assert.Len(t, am.Config().JWTSecret, 64)
	})
}

func TestAuthenticate(t *testing.T) {
	am := newTestAuthManager(t, AuthConfig{AdminPassword: "s3cret"})
	_, err := am.CreateUser("alice", "alice@example.com", "hunter22", []string{RoleAnalyst})
	require.NoError(t, err)
	_, err = am.CreateUser("nopass", "nopass@example.com", "", []string{RoleAnalyst})
	require.NoError(t, err)

	tests := []struct {
		name     string
		username string
		password string
		wantErr  bool
	}{
		{"valid user", "alice", "hunter22", false},
		{"admin with configured password", "admin", "s3cret", false},
		{"wrong password", "alice", "nope", true},
		{"unknown user", "bob", "hunter22", true},
		{"user without password", "nopass", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := am.Authenticate(tt.username, tt.password)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.username, user.Username)
		})
	}

	t.Run("admin without configured password cannot log in", func(t *testing.T) {
		_, err := newTestAuthManager(t, AuthConfig{}).Authenticate("admin", "")
		assert.Error(t, err)
	})
}

func TestCreateUser_Duplicate(t *testing.T) {
	am := newTestAuthManager(t, AuthConfig{})
	_, err := am.CreateUser("alice", "a@example.com", "pw", nil)
	require.NoError(t, err)

	_, err = am.CreateUser("alice", "b@example.com", "pw", nil)
	assert.ErrorContains(t, err, "user already exists")
}

func TestJWTToken(t *testing.T) {
	am := newTestAuthManager(t, AuthConfig{})
	user, err := am.CreateUser("alice", "a@example.com", "pw", []string{RoleAnalyst})
	require.NoError(t, err)

	token, expiresAt, err := am.CreateJWTToken(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), expiresAt, time.Minute)

	claims, err := am.ValidateJWTToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, []string{RoleAnalyst}, claims.Roles)

	t.Run("other secret", func(t *testing.T) {
		other := newTestAuthManager(t, AuthConfig{JWTSecret: "another-secret"})
		_, err := other.ValidateJWTToken(token)
		assert.Error(t, err)
	})

	t.Run("inactive user", func(t *testing.T) {
		user.Active = false
		defer func() { user.Active = true }()
		_, err := am.ValidateJWTToken(token)
		assert.ErrorContains(t, err, "inactive")
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := am.ValidateJWTToken("not.a.token")
		assert.Error(t, err)
	})
}

func TestAPIKeys(t *testing.T) {
	am := newTestAuthManager(t, AuthConfig{RateLimit: 30})
	alice, err := am.CreateUser("alice", "a@example.com", "pw", []string{RoleAnalyst})
	require.NoError(t, err)
	bob, err := am.CreateUser("bob", "b@example.com", "pw", []string{RoleAnalyst})
	require.NoError(t, err)
	admin, err := am.GetUserByUsername("admin")
	require.NoError(t, err)

	key, err := am.CreateAPIKey(alice.ID, "ci", 0, time.Hour)
	require.NoError(t, err)
	assert.Contains(t, key.Key, apiKeyPrefix)
	assert.Equal(t, 30, key.RateLimit)

	t.Run("validate", func(t *testing.T) {
		user, apiKey, err := am.ValidateAPIKey(key.Key)
		require.NoError(t, err)
		assert.Equal(t, alice.ID, user.ID)
		assert.False(t, apiKey.LastUsedAt.IsZero())

		_, _, err = am.ValidateAPIKey("sbi_unknown")
		assert.Error(t, err)
	})

	t.Run("list hides plaintext", func(t *testing.T) {
		keys := am.ListAPIKeys(alice.ID)
		require.Len(t, keys, 1)
		assert.Empty(t, keys[0].Key)
		assert.Empty(t, am.ListAPIKeys(bob.ID))
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := am.CreateAPIKey("missing", "x", 0, time.Hour)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		expired, err := am.CreateAPIKey(alice.ID, "old", 0, -time.Minute)
		require.NoError(t, err)
		_, _, err = am.ValidateAPIKey(expired.Key)
		assert.ErrorContains(t, err, "expired")
		assert.Equal(t, 1, am.CleanupExpired())
	})

	t.Run("revoke", func(t *testing.T) {
		assert.Error(t, am.RevokeAPIKey(key.ID, bob))
		require.NoError(t, am.RevokeAPIKey(key.ID, alice))
		_, _, err := am.ValidateAPIKey(key.Key)
		assert.ErrorContains(t, err, "inactive")

		other, err := am.CreateAPIKey(bob.ID, "bob", 0, time.Hour)
		require.NoError(t, err)
		assert.NoError(t, am.RevokeAPIKey(other.ID, admin))
	})
}
