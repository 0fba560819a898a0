// Package config 提供 TOML 配置加载、.env 预加载、环境变量覆盖与 schema 校验
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Verifier  VerifierConfig  `mapstructure:"verifier"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Vaults    []VaultConfig   `mapstructure:"vaults"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // 秒
	WriteTimeout int    `mapstructure:"write_timeout"` // 秒
	// 身份头，由上游网关完成认证后注入
	PrincipalHeader string `mapstructure:"principal_header"`
}

// GRPCConfig gRPC 服务配置
type GRPCConfig struct {
	Host                 string `mapstructure:"host"`
	Port                 int    `mapstructure:"port"`
	MaxConcurrentStreams int    `mapstructure:"max_concurrent_streams"`
	// 进程内限流（每秒请求数），0 表示不限
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动：mysql, postgres, sqlite, memory
	Driver             string `mapstructure:"driver"`
	DSN                string `mapstructure:"dsn"`
	MaxOpenConns       int    `mapstructure:"max_open_conns"`
	MaxIdleConns       int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime    int    `mapstructure:"conn_max_lifetime"` // 秒
	LogEnabled         bool   `mapstructure:"log_enabled"`
	SlowQueryThreshold int    `mapstructure:"slow_query_threshold"` // 毫秒
	AutoMigrate        bool   `mapstructure:"auto_migrate"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxPoolSize  int    `mapstructure:"max_pool_size"`
	ConnTimeout  int    `mapstructure:"conn_timeout"`  // 秒
	ReadTimeout  int    `mapstructure:"read_timeout"`  // 秒
	WriteTimeout int    `mapstructure:"write_timeout"` // 秒
	// 读模型缓存过期时间（秒）
	ProjectionTTL int `mapstructure:"projection_ttl"`
}

// Addr 返回 host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	EventsTopic    string   `mapstructure:"events_topic"`
	RepaymentTopic string   `mapstructure:"repayment_topic"`
	SessionTimeout int      `mapstructure:"session_timeout"` // 秒
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// RateLimitConfig HTTP 限流配置（基于 Redis）
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	QPS     int  `mapstructure:"qps"`
	Burst   int  `mapstructure:"burst"`
}

// VerifierConfig 单据核验服务配置
type VerifierConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BaseURL    string `mapstructure:"base_url"`
	Timeout    int    `mapstructure:"timeout"` // 秒
	MaxRetries int    `mapstructure:"max_retries"`
	// 熔断：连续失败次数阈值与打开时长（秒）
	BreakerFailures int `mapstructure:"breaker_failures"`
	BreakerTimeout  int `mapstructure:"breaker_timeout"`
}

// RiskConfig 风险评分策略
type RiskConfig struct {
	ExternalWeight     string     `mapstructure:"external_weight"`
	SizeWeight         string     `mapstructure:"size_weight"`
	TenorWeight        string     `mapstructure:"tenor_weight"`
	SizeFullScoreLimit int64      `mapstructure:"size_full_score_limit"`
	SizeZeroScoreLimit int64      `mapstructure:"size_zero_score_limit"`
	TenorFullScoreDays int        `mapstructure:"tenor_full_score_days"`
	TenorZeroScoreDays int        `mapstructure:"tenor_zero_score_days"`
	Bands              []BandRule `mapstructure:"bands"`
}

// BandRule 分档规则：评分下限 → 等级 + 垫资比例
type BandRule struct {
	MinScore    int    `mapstructure:"min_score"`
	Tier        string `mapstructure:"tier"`
	AdvanceRate string `mapstructure:"advance_rate"`
}

// VaultConfig 单个资金池参数
type VaultConfig struct {
	Tier         string `mapstructure:"tier"`
	ReserveRatio string `mapstructure:"reserve_ratio"`
	TargetYield  string `mapstructure:"target_yield"`
}

// ProtocolConfig 协议参数
type ProtocolConfig struct {
	GracePeriodHours   int         `mapstructure:"grace_period_hours"`
	FeeRate            string      `mapstructure:"fee_rate"`
	SettlementDecimals int32       `mapstructure:"settlement_decimals"`
	BootstrapAdmins    []string    `mapstructure:"bootstrap_admins"`
	BootstrapGrants    []RoleGrant `mapstructure:"bootstrap_grants"`
	DefaultScanner     string      `mapstructure:"default_scanner"`
	NodeID             int64       `mapstructure:"node_id"`
}

// RoleGrant 启动时授予的角色
type RoleGrant struct {
	Principal string `mapstructure:"principal"`
	Role      string `mapstructure:"role"`
}

// JobsConfig 后台任务配置
type JobsConfig struct {
	DefaultScanInterval  int `mapstructure:"default_scan_interval"` // 秒
	OutboxRelayInterval  int `mapstructure:"outbox_relay_interval"` // 秒
	OutboxRelayBatchSize int `mapstructure:"outbox_relay_batch_size"`
}

// Load 从 TOML 文件加载配置，支持 .env 与 APP_ 前缀环境变量覆盖
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// LoadWithDefaults 配置文件不存在时仅使用默认值
func LoadWithDefaults(configPath string) (*Config, error) {
	return load(configPath, false)
}

func load(configPath string, requireFile bool) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil && requireFile {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPC.Port)
	}
	switch c.Database.Driver {
	case "memory", "sqlite":
	case "mysql", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s driver", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	if c.Verifier.Enabled && c.Verifier.BaseURL == "" {
		return errors.New("verifier.base_url is required when verifier is enabled")
	}
	if c.Protocol.GracePeriodHours < 0 {
		return fmt.Errorf("invalid grace period: %d", c.Protocol.GracePeriodHours)
	}
	if len(c.Protocol.BootstrapAdmins) == 0 {
		return errors.New("protocol.bootstrap_admins must name at least one principal")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "financing")
	v.SetDefault("environment", "dev")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)
	v.SetDefault("http.principal_header", "X-Principal")

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("grpc.max_concurrent_streams", 1000)
	v.SetDefault("grpc.rate_limit", 0)
	v.SetDefault("grpc.rate_burst", 50)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:financing.db?cache=shared")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.slow_query_threshold", 1000)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)
	v.SetDefault("redis.projection_ttl", 86400)

	v.SetDefault("kafka.group_id", "financing")
	v.SetDefault("kafka.events_topic", "financing.events")
	v.SetDefault("kafka.repayment_topic", "rail.repayments")
	v.SetDefault("kafka.session_timeout", 10)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/financing.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("rate_limit.qps", 100)
	v.SetDefault("rate_limit.burst", 200)

	v.SetDefault("verifier.timeout", 30)
	v.SetDefault("verifier.max_retries", 3)
	v.SetDefault("verifier.breaker_failures", 5)
	v.SetDefault("verifier.breaker_timeout", 30)

	v.SetDefault("protocol.grace_period_hours", 7*24)
	v.SetDefault("protocol.fee_rate", "0")
	v.SetDefault("protocol.settlement_decimals", 6)
	v.SetDefault("protocol.default_scanner", "system:default-scanner")
	v.SetDefault("protocol.node_id", 1)

	v.SetDefault("jobs.default_scan_interval", 3600)
	v.SetDefault("jobs.outbox_relay_interval", 5)
	v.SetDefault("jobs.outbox_relay_batch_size", 100)
}

// GetEnv 获取环境变量，支持默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
