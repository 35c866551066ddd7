// =============================================================================
// 📦 MaiMBot 调度器配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("MAIMBOT").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tcmofashi/MaiMBot/quota"
	"github.com/tcmofashi/MaiMBot/retry"
	"github.com/tcmofashi/MaiMBot/scheduler"
	"github.com/tcmofashi/MaiMBot/storage"
)

// Config 是调度器进程的完整配置结构
type Config struct {
	// Scheduler 请求调度配置
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// Quota 默认租户配额
	Quota QuotaConfig `yaml:"quota" env:"QUOTA"`

	// Redis 用量聚合存储配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 用量明细持久化配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Tenants 按租户覆盖的配额策略
	Tenants map[string]TenantPolicy `yaml:"tenants" env:"-"`
}

// SchedulerConfig 请求调度配置
type SchedulerConfig struct {
	// 并发 worker 数
	Workers int `yaml:"workers" env:"WORKERS"`
	// 队列容量上限
	QueueCapacity int `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	// 排队老化提升间隔
	AgingInterval time.Duration `yaml:"aging_interval" env:"AGING_INTERVAL"`
	// 单次调用超时
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT"`
	// 请求硬截止时间
	RequestDeadline time.Duration `yaml:"request_deadline" env:"REQUEST_DEADLINE"`
	// 终态描述符保留时长
	RetentionTTL time.Duration `yaml:"retention_ttl" env:"RETENTION_TTL"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 重试初始退避
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	// 重试最大退避
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	// 客户端缓存空闲回收时长
	ClientIdleTTL time.Duration `yaml:"client_idle_ttl" env:"CLIENT_IDLE_TTL"`
	// Token 估算编码
	TokenEncoding string `yaml:"token_encoding" env:"TOKEN_ENCODING"`
	// Prometheus 指标命名空间（空则禁用）
	MetricsNamespace string `yaml:"metrics_namespace" env:"METRICS_NAMESPACE"`
}

// QuotaConfig 默认配额配置
type QuotaConfig struct {
	// 每日 token 上限
	DailyTokenLimit int `yaml:"daily_token_limit" env:"DAILY_TOKEN_LIMIT"`
	// 每月成本上限（美元）
	MonthlyCostLimit float64 `yaml:"monthly_cost_limit" env:"MONTHLY_COST_LIMIT"`
	// 每日请求数上限
	DailyRequestLimit int `yaml:"daily_request_limit" env:"DAILY_REQUEST_LIMIT"`
	// 预警阈值 (0-1)
	WarningThreshold float64 `yaml:"warning_threshold" env:"WARNING_THRESHOLD"`
	// 用量持久化队列长度
	PersistQueueSize int `yaml:"persist_queue_size" env:"PERSIST_QUEUE_SIZE"`
}

// TenantPolicy 单个租户的配额覆盖
type TenantPolicy struct {
	DailyTokenLimit   int     `yaml:"daily_token_limit"`
	MonthlyCostLimit  float64 `yaml:"monthly_cost_limit"`
	DailyRequestLimit int     `yaml:"daily_request_limit"`
	WarningThreshold  float64 `yaml:"warning_threshold"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 聚合数据保留时长
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MAIMBOT",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Scheduler.Workers <= 0 {
		errs = append(errs, "scheduler workers must be positive")
	}
	if c.Scheduler.QueueCapacity <= 0 {
		errs = append(errs, "queue_capacity must be positive")
	}
	if c.Quota.WarningThreshold < 0 || c.Quota.WarningThreshold > 1 {
		errs = append(errs, "warning_threshold must be between 0 and 1")
	}
	for name, tenant := range c.Tenants {
		if tenant.WarningThreshold < 0 || tenant.WarningThreshold > 1 {
			errs = append(errs, fmt.Sprintf("tenant %s: warning_threshold must be between 0 and 1", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// SchedulerOptions 将配置转换为调度器选项
func (c *Config) SchedulerOptions() scheduler.Options {
	opts := scheduler.DefaultOptions()
	s := c.Scheduler
	if s.Workers > 0 {
		opts.Manager.Workers = s.Workers
	}
	if s.QueueCapacity > 0 {
		opts.Manager.QueueCapacity = s.QueueCapacity
	}
	opts.Manager.AgingInterval = s.AgingInterval
	if s.AttemptTimeout > 0 {
		opts.Manager.AttemptTimeout = s.AttemptTimeout
	}
	if s.RequestDeadline > 0 {
		opts.Manager.RequestDeadline = s.RequestDeadline
	}
	if s.RetentionTTL > 0 {
		opts.Manager.RetentionTTL = s.RetentionTTL
	}
	opts.Manager.Retry = retry.Policy{
		MaxRetries:   s.MaxRetries,
		InitialDelay: s.RetryInitialDelay,
		MaxDelay:     s.RetryMaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
	}
	if s.ClientIdleTTL > 0 {
		opts.Registry.IdleTTL = s.ClientIdleTTL
	}
	opts.TokenEncoding = s.TokenEncoding
	opts.MetricsNamespace = s.MetricsNamespace

	opts.Quota.DefaultPolicy = c.Quota.policy()
	if c.Quota.PersistQueueSize > 0 {
		opts.Quota.PersistQueueSize = c.Quota.PersistQueueSize
	}
	return opts
}

func (q QuotaConfig) policy() quota.Policy {
	p := quota.DefaultPolicy()
	if q.DailyTokenLimit != 0 {
		p.DailyTokenLimit = q.DailyTokenLimit
	}
	if q.MonthlyCostLimit != 0 {
		p.MonthlyCostLimit = q.MonthlyCostLimit
	}
	if q.DailyRequestLimit != 0 {
		p.DailyRequestLimit = q.DailyRequestLimit
	}
	if q.WarningThreshold > 0 {
		p.WarningThreshold = q.WarningThreshold
	}
	return p
}

// Policy 转换为配额策略
func (t TenantPolicy) Policy() quota.Policy {
	return quota.Policy{
		DailyTokenLimit:   t.DailyTokenLimit,
		MonthlyCostLimit:  t.MonthlyCostLimit,
		DailyRequestLimit: t.DailyRequestLimit,
		WarningThreshold:  t.WarningThreshold,
		RequestsPerSecond: t.RequestsPerSecond,
		Burst:             t.Burst,
	}
}

// RedisStoreConfig 转换为 Redis 用量存储配置
func (r RedisConfig) RedisStoreConfig() storage.RedisStoreConfig {
	cfg := storage.DefaultRedisStoreConfig()
	if r.Addr != "" {
		cfg.Addr = r.Addr
	}
	cfg.Password = r.Password
	cfg.DB = r.DB
	if r.KeyPrefix != "" {
		cfg.KeyPrefix = r.KeyPrefix
	}
	if r.Retention > 0 {
		cfg.Retention = r.Retention
	}
	return cfg
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
