package database

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestNewPoolManagerNilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), zap.NewNop())
	require.Error(t, err)
}

func TestPoolManagerPingAndStats(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.HealthCheckInterval = 0

	pm, err := NewPoolManager(openTestDB(t), cfg, zap.NewNop())
	require.NoError(t, err)
	defer pm.Close()

	require.NoError(t, pm.Ping(context.Background()))
	require.NotNil(t, pm.DB())
	require.GreaterOrEqual(t, pm.Stats().OpenConnections, 1)
}

func TestPoolManagerCloseIdempotent(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.HealthCheckInterval = 0

	pm, err := NewPoolManager(openTestDB(t), cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close())
	require.Error(t, pm.Ping(context.Background()))
}

func TestPoolManagerHealthCheckLoopStops(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.HealthCheckInterval = 5 * time.Millisecond

	pm, err := NewPoolManager(openTestDB(t), cfg, zap.NewNop())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pm.Close())
}
