// =============================================================================
// 📦 MaiMBot 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Scheduler: DefaultSchedulerConfig(),
		Quota:     DefaultQuotaConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Tenants:   map[string]TenantPolicy{},
	}
}

// DefaultSchedulerConfig 返回默认调度配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:           4,
		QueueCapacity:     1000,
		AgingInterval:     30 * time.Second,
		AttemptTimeout:    60 * time.Second,
		RequestDeadline:   5 * time.Minute,
		RetentionTTL:      10 * time.Minute,
		MaxRetries:        3,
		RetryInitialDelay: time.Second,
		RetryMaxDelay:     30 * time.Second,
		ClientIdleTTL:     30 * time.Minute,
	}
}

// DefaultQuotaConfig 返回默认配额配置
func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		DailyTokenLimit:   50_000_000,
		MonthlyCostLimit:  10_000.0,
		DailyRequestLimit: 1_000_000,
		WarningThreshold:  0.8,
		PersistQueueSize:  1024,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "usage",
		Retention: 90 * 24 * time.Hour,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:  "sqlite",
		Name:    "maimbot.db",
		SSLMode: "disable",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "maimbot-scheduler",
		SampleRate:   1.0,
	}
}
