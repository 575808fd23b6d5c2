package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/seanankenbruck/semantic-bi/internal/sqlgen"
)

const cachePrefix = "sql:"

// QueryCache stores compiled queries by index version and plan fingerprint. A new index
// version never sees entries compiled against an older one.
type QueryCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewQueryCache creates a compiled-query cache
func NewQueryCache(rdb *redis.Client, ttl time.Duration) *QueryCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &QueryCache{redis: rdb, ttl: ttl}
}

// Key returns the cache key of a plan fingerprint under an index version
func (qc *QueryCache) Key(indexVersion, fingerprint string) string {
	return cachePrefix + indexVersion + ":" + fingerprint
}

// Get returns the cached query, or nil on a miss
func (qc *QueryCache) Get(ctx context.Context, indexVersion, fingerprint string) (*sqlgen.CompiledQuery, error) {
	data, err := qc.redis.Get(ctx, qc.Key(indexVersion, fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read compiled query: %w", err)
	}

	var q sqlgen.CompiledQuery
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compiled query: %w", err)
	}
	return &q, nil
}

// Set stores q under its index version and fingerprint
func (qc *QueryCache) Set(ctx context.Context, q *sqlgen.CompiledQuery) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal compiled query: %w", err)
	}
	if err := qc.redis.Set(ctx, qc.Key(q.IndexVersion, q.Fingerprint), data, qc.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write compiled query: %w", err)
	}
	return nil
}
