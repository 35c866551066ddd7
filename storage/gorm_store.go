// Package storage provides durable usage-persistence collaborators for the
// quota manager: an append-only SQL ledger (GORM) and a Redis counter store.
// Both are fire-and-forget targets; the quota manager's in-memory counters
// remain authoritative within process lifetime.
package storage

import (
	"context"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tcmofashi/MaiMBot/internal/database"
	"github.com/tcmofashi/MaiMBot/types"
)

// UsageRow is one persisted usage delta. Append-only; aggregation happens at
// query time.
type UsageRow struct {
	ID        uint      `gorm:"primaryKey"`
	TenantID  string    `gorm:"size:128;index:idx_usage_tenant_ts,priority:1;not null"`
	AgentID   string    `gorm:"size:128;index"`
	Tokens    int       `gorm:"not null"`
	Cost      float64   `gorm:"not null"`
	Model     string    `gorm:"size:128"`
	RequestID string    `gorm:"size:64"`
	Timestamp time.Time `gorm:"index:idx_usage_tenant_ts,priority:2;not null"`
	CreatedAt time.Time
}

// TableName pins the table name regardless of GORM pluralization settings.
func (UsageRow) TableName() string { return "llm_usage" }

// TenantTotals is the aggregate of a tenant's persisted usage over a window.
type TenantTotals struct {
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
	Requests int64   `json:"requests"`
}

// GormStore persists usage deltas to a relational database through GORM.
type GormStore struct {
	db     *gorm.DB
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewGormStore migrates the usage schema and returns the store. The caller
// owns the gorm.DB lifecycle.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&UsageRow{}); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "usage_store_gorm")),
	}, nil
}

// OpenSQLite opens an embedded SQLite ledger at path (":memory:" works) with
// a supervised connection pool. The store owns the pool; Close releases it.
// Embedders using postgres or mysql open their own gorm.DB and call
// NewGormStore instead.
func OpenSQLite(path string, pool database.PoolConfig, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite usage db: %w", err)
	}
	pm, err := database.NewPoolManager(db, pool, logger)
	if err != nil {
		return nil, err
	}
	store, err := NewGormStore(db, logger)
	if err != nil {
		pm.Close()
		return nil, err
	}
	store.pool = pm
	return store, nil
}

// Close releases the connection pool when the store owns it.
func (s *GormStore) Close() error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

// PersistUsageDelta appends one usage row.
func (s *GormStore) PersistUsageDelta(ctx context.Context, delta types.UsageDelta) error {
	row := UsageRow{
		TenantID:  delta.TenantID,
		AgentID:   delta.AgentID,
		Tokens:    delta.Tokens,
		Cost:      delta.Cost,
		Model:     delta.Model,
		RequestID: delta.RequestID,
		Timestamp: delta.Timestamp,
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("persist usage delta: %w", err)
	}
	return nil
}

// Totals aggregates a tenant's persisted usage since the given time. Used by
// operational tooling and for rebuilding counters after a restart.
func (s *GormStore) Totals(ctx context.Context, tenantID string, since time.Time) (TenantTotals, error) {
	var totals TenantTotals
	err := s.db.WithContext(ctx).
		Model(&UsageRow{}).
		Select("COALESCE(SUM(tokens),0) AS tokens, COALESCE(SUM(cost),0) AS cost, COUNT(*) AS requests").
		Where("tenant_id = ? AND timestamp >= ?", tenantID, since).
		Scan(&totals).Error
	if err != nil {
		return TenantTotals{}, fmt.Errorf("aggregate usage for %s: %w", tenantID, err)
	}
	return totals, nil
}

// AgentTotals aggregates per-agent usage for a tenant since the given time.
func (s *GormStore) AgentTotals(ctx context.Context, tenantID string, since time.Time) (map[string]TenantTotals, error) {
	var rows []struct {
		AgentID  string
		Tokens   int64
		Cost     float64
		Requests int64
	}
	err := s.db.WithContext(ctx).
		Model(&UsageRow{}).
		Select("agent_id, COALESCE(SUM(tokens),0) AS tokens, COALESCE(SUM(cost),0) AS cost, COUNT(*) AS requests").
		Where("tenant_id = ? AND timestamp >= ?", tenantID, since).
		Group("agent_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate agent usage for %s: %w", tenantID, err)
	}
	out := make(map[string]TenantTotals, len(rows))
	for _, r := range rows {
		out[r.AgentID] = TenantTotals{Tokens: r.Tokens, Cost: r.Cost, Requests: r.Requests}
	}
	return out, nil
}

// Cleanup deletes rows older than the retention window. Returns rows removed.
func (s *GormStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("timestamp < ?", olderThan).Delete(&UsageRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup usage rows: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("usage rows cleaned up", zap.Int64("rows", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
