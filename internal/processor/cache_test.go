package processor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-bi/internal/sqlgen"
)

func newTestCache(t *testing.T, ttl time.Duration) (*QueryCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewQueryCache(rdb, ttl), mr
}

func TestQueryCache(t *testing.T) {
	ctx := context.Background()
	qc, mr := newTestCache(t, time.Minute)

	q := &sqlgen.CompiledQuery{
		SQL:          "SELECT 1",
		Params:       []interface{}{"2026-01-01"},
		Dataset:      "deposit_balance_daily",
		Limit:        1000,
		Fingerprint:  "fp1",
		IndexVersion: "v1",
	}

	got, err := qc.Get(ctx, "v1", "fp1")
	require.NoError(t, err)
	assert.Nil(t, got, "miss")

	require.NoError(t, qc.Set(ctx, q))
	assert.Equal(t, "sql:v1:fp1", qc.Key("v1", "fp1"))
	assert.Equal(t, time.Minute, mr.TTL("sql:v1:fp1"))

	got, err = qc.Get(ctx, "v1", "fp1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, q.SQL, got.SQL)
	assert.Equal(t, q.Params, got.Params)
	assert.Equal(t, q.Limit, got.Limit)
	assert.Nil(t, got.Plan, "plans are not cached")

	got, err = qc.Get(ctx, "v2", "fp1")
	require.NoError(t, err)
	assert.Nil(t, got, "other index versions miss")

	mr.FastForward(2 * time.Minute)
	got, err = qc.Get(ctx, "v1", "fp1")
	require.NoError(t, err)
	assert.Nil(t, got, "expired")
}

func TestQueryCache_Errors(t *testing.T) {
	ctx := context.Background()
	qc, mr := newTestCache(t, 0)
	assert.Equal(t, 10*time.Minute, qc.ttl)

	require.NoError(t, mr.Set("sql:v1:bad", "{not json"))
	_, err := qc.Get(ctx, "v1", "bad")
	assert.ErrorContains(t, err, "unmarshal")

	mr.Close()
	_, err = qc.Get(ctx, "v1", "fp")
	assert.Error(t, err)
	assert.Error(t, qc.Set(ctx, &sqlgen.CompiledQuery{IndexVersion: "v1", Fingerprint: "fp"}))
}
