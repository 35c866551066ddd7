package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tcmofashi/MaiMBot/types"
)

// RedisStore keeps per-tenant daily counters in Redis hashes, one hash per
// tenant per local day, expiring after the retention TTL. Useful when several
// scheduler processes share one tenant population and operational tooling
// wants cross-process counters.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
	logger    *zap.Logger
}

// RedisStoreConfig configures the Redis usage store.
type RedisStoreConfig struct {
	Addr      string        `yaml:"addr" json:"addr"`
	Password  string        `yaml:"password" json:"password"`
	DB        int           `yaml:"db" json:"db"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// DefaultRedisStoreConfig returns sensible defaults.
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "usage",
		Retention: 90 * 24 * time.Hour,
	}
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisStoreConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return newRedisStore(client, config, logger), nil
}

// NewRedisStoreWithClient wraps an existing client. The caller owns the
// client's lifecycle.
func NewRedisStoreWithClient(client *redis.Client, config RedisStoreConfig, logger *zap.Logger) *RedisStore {
	return newRedisStore(client, config, logger)
}

func newRedisStore(client *redis.Client, config RedisStoreConfig, logger *zap.Logger) *RedisStore {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "usage"
	}
	if config.Retention <= 0 {
		config.Retention = 90 * 24 * time.Hour
	}
	return &RedisStore{
		client:    client,
		keyPrefix: config.KeyPrefix,
		retention: config.Retention,
		logger:    logger.With(zap.String("component", "usage_store_redis")),
	}
}

func (s *RedisStore) dayKey(tenantID string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%s", s.keyPrefix, tenantID, ts.Format("2006-01-02"))
}

// PersistUsageDelta increments the tenant's daily hash atomically.
func (s *RedisStore) PersistUsageDelta(ctx context.Context, delta types.UsageDelta) error {
	ts := delta.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	key := s.dayKey(delta.TenantID, ts)

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "tokens", int64(delta.Tokens))
	pipe.HIncrBy(ctx, key, "requests", 1)
	pipe.HIncrByFloat(ctx, key, "cost", delta.Cost)
	if delta.AgentID != "" {
		pipe.HIncrBy(ctx, key, "agent:"+delta.AgentID+":tokens", int64(delta.Tokens))
		pipe.HIncrBy(ctx, key, "agent:"+delta.AgentID+":requests", 1)
	}
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist usage delta to redis: %w", err)
	}
	return nil
}

// DayTotals reads back a tenant's counters for the given day.
func (s *RedisStore) DayTotals(ctx context.Context, tenantID string, day time.Time) (TenantTotals, error) {
	fields, err := s.client.HGetAll(ctx, s.dayKey(tenantID, day)).Result()
	if err != nil {
		return TenantTotals{}, fmt.Errorf("read usage for %s: %w", tenantID, err)
	}
	var totals TenantTotals
	totals.Tokens, _ = strconv.ParseInt(fields["tokens"], 10, 64)
	totals.Requests, _ = strconv.ParseInt(fields["requests"], 10, 64)
	totals.Cost, _ = strconv.ParseFloat(fields["cost"], 64)
	return totals, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
