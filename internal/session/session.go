// Package session stores resolutions awaiting human confirmation
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/seanankenbruck/semantic-bi/internal/plan"
)

const (
	pendingPrefix = "pending:"
	pendingIDLen  = 24
)

// ErrNotFound is returned for unknown, expired or already confirmed resolutions
var ErrNotFound = stderrors.New("pending resolution not found")

// Pending is a validated plan shown to a user and not yet executed
type Pending struct {
	ID           string                  `json:"id"`
	UserID       string                  `json:"user_id,omitempty"`
	Record       plan.QueryFeatureRecord `json:"record"`
	Plan         *plan.CandidatePlan     `json:"plan"`
	IndexVersion string                  `json:"index_version"`
	SQL          string                  `json:"sql"`
	CreatedAt    time.Time               `json:"created_at"`
	ExpiresAt    time.Time               `json:"expires_at"`
}

// Manager handles pending resolution storage and retrieval
type Manager struct {
	redis  *redis.Client
	expiry time.Duration
}

// NewManager creates a new pending resolution manager
func NewManager(redisClient *redis.Client, expiry time.Duration) *Manager {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &Manager{
		redis:  redisClient,
		expiry: expiry,
	}
}

// Expiry returns how long a pending resolution lives
func (m *Manager) Expiry() time.Duration {
	return m.expiry
}

// Create stores p under a new ID and returns it. p.ID, CreatedAt and ExpiresAt are set.
func (m *Manager) Create(ctx context.Context, p *Pending) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("failed to generate confirmation ID: %w", err)
	}

	now := time.Now()
	p.ID = id
	p.CreatedAt = now
	p.ExpiresAt = now.Add(m.expiry)

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pending resolution: %w", err)
	}

	if err := m.redis.Set(ctx, pendingPrefix+id, data, m.expiry).Err(); err != nil {
		return "", fmt.Errorf("failed to store pending resolution: %w", err)
	}

	return id, nil
}

// Get retrieves a pending resolution by ID
func (m *Manager) Get(ctx context.Context, id string) (*Pending, error) {
	data, err := m.redis.Get(ctx, pendingPrefix+id).Result()
	return m.decode(ctx, id, data, err)
}

// Take retrieves and removes a pending resolution so it can be confirmed only once
func (m *Manager) Take(ctx context.Context, id string) (*Pending, error) {
	data, err := m.redis.GetDel(ctx, pendingPrefix+id).Result()
	return m.decode(ctx, id, data, err)
}

func (m *Manager) decode(ctx context.Context, id, data string, err error) (*Pending, error) {
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending resolution: %w", err)
	}

	var p Pending
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending resolution: %w", err)
	}

	if time.Now().After(p.ExpiresAt) {
		_ = m.Delete(ctx, id)
		return nil, ErrNotFound
	}

	return &p, nil
}

// Delete removes a pending resolution
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.redis.Del(ctx, pendingPrefix+id).Err()
}

// Refresh extends the expiry of a pending resolution
func (m *Manager) Refresh(ctx context.Context, id string) error {
	ok, err := m.redis.Expire(ctx, pendingPrefix+id, m.expiry).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh pending resolution: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// generateID generates a cryptographically secure random ID
func generateID() (string, error) {
	b := make([]byte, pendingIDLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
