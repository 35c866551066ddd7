package storage

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tcmofashi/MaiMBot/internal/database"
	"github.com/tcmofashi/MaiMBot/types"
)

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	store, err := NewGormStore(db, zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestGormStore_PersistAndAggregate(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	now := time.Now()

	deltas := []types.UsageDelta{
		{TenantID: "acme", AgentID: "support", Tokens: 100, Cost: 0.01, Model: "gpt-4o", Timestamp: now},
		{TenantID: "acme", AgentID: "support", Tokens: 200, Cost: 0.02, Model: "gpt-4o", Timestamp: now},
		{TenantID: "acme", AgentID: "sales", Tokens: 50, Cost: 0.005, Model: "claude", Timestamp: now},
		{TenantID: "globex", AgentID: "bot", Tokens: 999, Cost: 1.0, Timestamp: now},
	}
	for _, d := range deltas {
		require.NoError(t, store.PersistUsageDelta(ctx, d))
	}

	totals, err := store.Totals(ctx, "acme", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 350, totals.Tokens)
	assert.EqualValues(t, 3, totals.Requests)
	assert.InDelta(t, 0.035, totals.Cost, 1e-9)

	byAgent, err := store.AgentTotals(ctx, "acme", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 300, byAgent["support"].Tokens)
	assert.EqualValues(t, 2, byAgent["support"].Requests)
	assert.EqualValues(t, 50, byAgent["sales"].Tokens)
}

func TestGormStore_TotalsRespectWindow(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.PersistUsageDelta(ctx, types.UsageDelta{
		TenantID: "acme", AgentID: "bot", Tokens: 10, Timestamp: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, store.PersistUsageDelta(ctx, types.UsageDelta{
		TenantID: "acme", AgentID: "bot", Tokens: 20, Timestamp: now,
	}))

	totals, err := store.Totals(ctx, "acme", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 20, totals.Tokens)
	assert.EqualValues(t, 1, totals.Requests)
}

func TestGormStore_EmptyTenantIsZero(t *testing.T) {
	store := newGormStore(t)
	totals, err := store.Totals(context.Background(), "nobody", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, totals.Tokens)
	assert.Zero(t, totals.Requests)
	assert.Zero(t, totals.Cost)
}

func TestGormStore_Cleanup(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.PersistUsageDelta(ctx, types.UsageDelta{
		TenantID: "acme", AgentID: "bot", Tokens: 10, Timestamp: now.Add(-100 * 24 * time.Hour),
	}))
	require.NoError(t, store.PersistUsageDelta(ctx, types.UsageDelta{
		TenantID: "acme", AgentID: "bot", Tokens: 20, Timestamp: now,
	}))

	removed, err := store.Cleanup(ctx, now.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	totals, err := store.Totals(ctx, "acme", time.Time{})
	require.NoError(t, err)
	assert.EqualValues(t, 20, totals.Tokens)
}

func TestGormStore_OpenSQLiteOwnsPool(t *testing.T) {
	pool := database.DefaultPoolConfig()
	pool.HealthCheckInterval = 0

	store, err := OpenSQLite(":memory:", pool, zap.NewNop())
	require.NoError(t, err)

	delta := types.UsageDelta{TenantID: "acme", AgentID: "bot", Tokens: 42, Timestamp: time.Now()}
	require.NoError(t, store.PersistUsageDelta(context.Background(), delta))

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}

func TestGormStore_CloseWithoutPoolIsNoop(t *testing.T) {
	store := newGormStore(t)
	require.NoError(t, store.Close())
}
