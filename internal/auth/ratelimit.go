package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTimeout = 5 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	perMin   int
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client. Each bucket holds a minute's worth of
// requests and refills continuously.
type RateLimiter struct {
	clients map[string]*clientLimiter
	mutex   sync.Mutex
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Allow reports whether clientID may make another request under limitPerMinute
func (rl *RateLimiter) Allow(clientID string, limitPerMinute int) bool {
	if limitPerMinute <= 0 {
		return true
	}

	rl.mutex.Lock()
	now := rl.now()
	client, exists := rl.clients[clientID]
	if !exists || client.perMin != limitPerMinute {
		client = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(limitPerMinute)/60), limitPerMinute),
			perMin:  limitPerMinute,
		}
		rl.clients[clientID] = client
	}
	client.lastSeen = now
	rl.mutex.Unlock()

	return client.limiter.AllowN(now, 1)
}

// Cleanup forgets clients idle for longer than maxIdle and returns how many were removed
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	removed := 0
	for id, client := range rl.clients {
		if client.lastSeen.Before(cutoff) {
			delete(rl.clients, id)
			removed++
		}
	}
	return removed
}

// Run periodically removes idle clients until ctx is done
func (rl *RateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(limiterIdleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rl.Cleanup(limiterIdleTimeout)
		}
	}
}

// ClientStats describes one tracked client
type ClientStats struct {
	ClientID        string    `json:"client_id"`
	LimitPerMinute  int       `json:"limit_per_minute"`
	TokensRemaining float64   `json:"tokens_remaining"`
	LastSeen        time.Time `json:"last_seen"`
}

// Stats returns the tracked clients ordered by ID
func (rl *RateLimiter) Stats() []ClientStats {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	stats := make([]ClientStats, 0, len(rl.clients))
	for id, client := range rl.clients {
		stats = append(stats, ClientStats{
			ClientID:        id,
			LimitPerMinute:  client.perMin,
			TokensRemaining: client.limiter.TokensAt(now),
			LastSeen:        client.lastSeen,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ClientID < stats[j].ClientID })
	return stats
}
