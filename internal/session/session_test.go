package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-bi/internal/plan"
)

func newTestManager(t *testing.T, expiry time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewManager(rdb, expiry), mr
}

func pending() *Pending {
	return &Pending{
		UserID:       "user-1",
		Record:       plan.QueryFeatureRecord{RawText: "deposits by region", TimeStart: "2026-01-01", TimeEnd: "2026-01-31"},
		Plan:         &plan.CandidatePlan{Dataset: "deposit_balance_daily", Confidence: 0.8},
		IndexVersion: "v1",
		SQL:          "SELECT 1",
	}
}

func TestManager_CreateGet(t *testing.T) {
	m, mr := newTestManager(t, time.Minute)
	ctx := context.Background()

	p := pending()
	id, err := m.Create(ctx, p)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, p.ID)
	assert.True(t, mr.Exists(pendingPrefix+id))
	assert.Equal(t, time.Minute, mr.TTL(pendingPrefix+id))

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "deposits by region", got.Record.RawText)
	assert.Equal(t, "deposit_balance_daily", got.Plan.Dataset)
	assert.Equal(t, "v1", got.IndexVersion)

	// Get does not consume
	_, err = m.Get(ctx, id)
	assert.NoError(t, err)
}

func TestManager_Take(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	id, err := m.Create(ctx, pending())
	require.NoError(t, err)

	got, err := m.Take(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)

	_, err = m.Take(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_Expiry(t *testing.T) {
	m, mr := newTestManager(t, time.Minute)
	ctx := context.Background()

	id, err := m.Create(ctx, pending())
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Refresh(ctx, id), ErrNotFound)
}

func TestManager_RefreshDelete(t *testing.T) {
	m, mr := newTestManager(t, time.Minute)
	ctx := context.Background()

	id, err := m.Create(ctx, pending())
	require.NoError(t, err)

	mr.FastForward(30 * time.Second)
	require.NoError(t, m.Refresh(ctx, id))
	assert.Equal(t, time.Minute, mr.TTL(pendingPrefix+id))

	require.NoError(t, m.Delete(ctx, id))
	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_UnknownID(t *testing.T) {
	m, _ := newTestManager(t, 0)
	assert.Equal(t, 15*time.Minute, m.Expiry())

	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
