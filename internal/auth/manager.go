// Package auth authenticates API callers with bearer tokens or API keys and enforces roles
// and per-client rate limits on the HTTP surface.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/seanankenbruck/semantic-bi/internal/observability"
)

// Roles understood by the API
const (
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
)

const (
	adminUserID  = "00000000-0000-0000-0000-000000000001"
	apiKeyPrefix = "sbi_"
	tokenIssuer  = "semantic-bi"
)

var (
	ErrUserExists     = errors.New("user already exists")
	ErrAPIKeyNotFound = errors.New("API key not found")
)

// User represents a user in the system
type User struct {
	ID           string   `json:"id"`
	Username     string   `json:"username"`
	Email        string   `json:"email"`
	PasswordHash string   `json:"-"`
	Roles        []string `json:"roles"`
	Active       bool     `json:"active"`
}

// HasRole reports whether the user holds any of roles
func (u *User) HasRole(roles ...string) bool {
	for _, required := range roles {
		for _, r := range u.Roles {
			if r == required {
				return true
			}
		}
	}
	return false
}

// APIKey represents an API key for authentication
type APIKey struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Key        string    `json:"key,omitempty"` // plaintext, only returned on creation
	HashedKey  string    `json:"-"`
	UserID     string    `json:"user_id"`
	RateLimit  int       `json:"rate_limit"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Active     bool      `json:"active"`
}

// Claims represents JWT claims
type Claims struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret      string
	JWTExpiry      time.Duration
	RateLimit      int // requests per minute per client
	AllowAnonymous bool
	AdminPassword  string
}

// AuthManager handles authentication and user management
type AuthManager struct {
	config         AuthConfig
	users          map[string]*User   // userID -> User
	apiKeys        map[string]*APIKey // hashedKey -> APIKey
	userByUsername map[string]*User
	limiter        *RateLimiter
	logger         *observability.Logger
	mu             sync.RWMutex
}

// NewAuthManager creates a new authentication manager with a built-in admin user. The admin
// can log in only when an admin password is configured.
func NewAuthManager(config AuthConfig, logger *observability.Logger) *AuthManager {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}
	if config.RateLimit == 0 {
		config.RateLimit = 60
	}
	if logger == nil {
		logger = observability.NewLogger("auth")
	}
	if config.JWTSecret == "" {
		config.JWTSecret = generateRandomString(32)
		logger.Warn(context.Background(), "JWT secret not configured, tokens will not survive a restart", nil)
	}

	am := &AuthManager{
		config:         config,
		users:          make(map[string]*User),
		apiKeys:        make(map[string]*APIKey),
		userByUsername: make(map[string]*User),
		limiter:        NewRateLimiter(),
		logger:         logger,
	}

	if err := am.createDefaultAdminUser(); err != nil {
		logger.Error(context.Background(), "Failed to create admin user", err, nil)
	}

	return am
}

// Config returns the effective configuration
func (am *AuthManager) Config() AuthConfig {
	return am.config
}

// RateLimiter returns the limiter used by the middleware
func (am *AuthManager) RateLimiter() *RateLimiter {
	return am.limiter
}

// CreateUser creates a new user with a password. An empty password disables password login.
func (am *AuthManager) CreateUser(username, email, password string, roles []string) (*User, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if _, exists := am.userByUsername[username]; exists {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, username)
	}

	hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Roles:        roles,
		Active:       true,
	}

	am.users[user.ID] = user
	am.userByUsername[username] = user

	return user, nil
}

// Authenticate checks a username and password
func (am *AuthManager) Authenticate(username, password string) (*User, error) {
	user, err := am.GetUserByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}
	if !user.Active || user.PasswordHash == "" {
		return nil, fmt.Errorf("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}
	return user, nil
}

// GetUser retrieves a user by ID
func (am *AuthManager) GetUser(userID string) (*User, error) {
	am.mu.RLock()
	defer am.mu.RUnlock()

	user, exists := am.users[userID]
	if !exists {
		return nil, fmt.Errorf("user not found: %s", userID)
	}

	return user, nil
}

// GetUserByUsername retrieves a user by username
func (am *AuthManager) GetUserByUsername(username string) (*User, error) {
	am.mu.RLock()
	defer am.mu.RUnlock()

	user, exists := am.userByUsername[username]
	if !exists {
		return nil, fmt.Errorf("user not found: %s", username)
	}

	return user, nil
}

// CreateAPIKey creates a new API key for a user. A zero rateLimit uses the configured default.
func (am *AuthManager) CreateAPIKey(userID, name string, rateLimit int, expiresIn time.Duration) (*APIKey, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if _, exists := am.users[userID]; !exists {
		return nil, fmt.Errorf("user not found: %s", userID)
	}
	if rateLimit <= 0 {
		rateLimit = am.config.RateLimit
	}

	key := generateAPIKey()
	now := time.Now()
	apiKey := &APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		Key:       key,
		HashedKey: hashAPIKey(key),
		UserID:    userID,
		RateLimit: rateLimit,
		CreatedAt: now,
		ExpiresAt: now.Add(expiresIn),
		Active:    true,
	}

	am.apiKeys[apiKey.HashedKey] = apiKey

	return apiKey, nil
}

// ValidateAPIKey validates an API key and returns the associated user
func (am *AuthManager) ValidateAPIKey(key string) (*User, *APIKey, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	apiKey, exists := am.apiKeys[hashAPIKey(key)]
	if !exists {
		return nil, nil, fmt.Errorf("invalid API key")
	}
	if !apiKey.Active {
		return nil, nil, fmt.Errorf("API key is inactive")
	}
	if time.Now().After(apiKey.ExpiresAt) {
		return nil, nil, fmt.Errorf("API key has expired")
	}

	user, exists := am.users[apiKey.UserID]
	if !exists {
		return nil, nil, fmt.Errorf("user not found for API key")
	}
	if !user.Active {
		return nil, nil, fmt.Errorf("user is inactive")
	}

	apiKey.LastUsedAt = time.Now()

	return user, apiKey, nil
}

// RevokeAPIKey deactivates an API key owned by requester. Admins may revoke any key.
func (am *AuthManager) RevokeAPIKey(keyID string, requester *User) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	for _, apiKey := range am.apiKeys {
		if apiKey.ID != keyID {
			continue
		}
		if apiKey.UserID != requester.ID && !requester.HasRole(RoleAdmin) {
			return fmt.Errorf("%w: %s", ErrAPIKeyNotFound, keyID)
		}
		apiKey.Active = false
		return nil
	}

	return fmt.Errorf("%w: %s", ErrAPIKeyNotFound, keyID)
}

// ListAPIKeys returns all API keys for a user without their plaintext
func (am *AuthManager) ListAPIKeys(userID string) []*APIKey {
	am.mu.RLock()
	defer am.mu.RUnlock()

	keys := make([]*APIKey, 0)
	for _, apiKey := range am.apiKeys {
		if apiKey.UserID == userID {
			keyCopy := *apiKey
			keyCopy.Key = ""
			keys = append(keys, &keyCopy)
		}
	}

	return keys
}

// ListUsers returns all users
func (am *AuthManager) ListUsers() []*User {
	am.mu.RLock()
	defer am.mu.RUnlock()

	users := make([]*User, 0, len(am.users))
	for _, user := range am.users {
		users = append(users, user)
	}

	return users
}

// CleanupExpired removes expired API keys
func (am *AuthManager) CleanupExpired() int {
	am.mu.Lock()
	defer am.mu.Unlock()

	now := time.Now()
	removed := 0
	for hash, apiKey := range am.apiKeys {
		if now.After(apiKey.ExpiresAt) {
			delete(am.apiKeys, hash)
			removed++
		}
	}
	return removed
}

// CreateJWTToken creates a signed token for a user
func (am *AuthManager) CreateJWTToken(user *User) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(am.config.JWTExpiry)

	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Roles:    user.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   user.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(am.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateJWTToken validates a token and returns its claims
func (am *AuthManager) ValidateJWTToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(am.config.JWTSecret), nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	am.mu.RLock()
	user, exists := am.users[claims.UserID]
	am.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("user not found")
	}
	if !user.Active {
		return nil, fmt.Errorf("user is inactive")
	}

	return claims, nil
}

// createDefaultAdminUser creates the admin user with a fixed ID so tokens survive across replicas
func (am *AuthManager) createDefaultAdminUser() error {
	hash, err := hashPassword(am.config.AdminPassword)
	if err != nil {
		return err
	}

	am.mu.Lock()
	defer am.mu.Unlock()

	user := &User{
		ID:           adminUserID,
		Username:     "admin",
		Email:        "admin@localhost",
		PasswordHash: hash,
		Roles:        []string{RoleAdmin, RoleAnalyst},
		Active:       true,
	}
	am.users[user.ID] = user
	am.userByUsername[user.Username] = user

	return nil
}

func hashPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// generateRandomString generates a random hex string from length bytes
func generateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return hex.EncodeToString(bytes)
}

func generateAPIKey() string {
	return apiKeyPrefix + generateRandomString(32)
}

// hashAPIKey hashes an API key using SHA256
func hashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
