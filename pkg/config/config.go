// Package config 提供 TOML 配置加载、.env 引导与环境变量覆盖
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/wyfcoding/marginengine/pkg/cache"
	"github.com/wyfcoding/marginengine/pkg/db"
	"github.com/wyfcoding/marginengine/pkg/logger"
	"github.com/wyfcoding/marginengine/pkg/mq"
)

// EnvPrefix 环境变量前缀，margin.scan_interval 对应 APP_MARGIN_SCAN_INTERVAL
const EnvPrefix = "APP"

// Config 基础配置结构
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// gRPC 服务配置
	GRPC GRPCConfig `mapstructure:"grpc"`
	// 数据库配置
	Database db.Config `mapstructure:"database"`
	// Redis 配置
	Redis cache.Config `mapstructure:"redis"`
	// Kafka 配置
	Kafka mq.Config `mapstructure:"kafka"`
	// 日志配置
	Logger logger.Config `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
	// 保证金引擎配置
	Margin MarginConfig `mapstructure:"margin"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
	// 手动触发管理循环的限流（每秒次数）
	ManageRateLimit float64 `mapstructure:"manage_rate_limit"`
}

// Addr 监听地址
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCConfig gRPC 服务配置
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr 监听地址
func (c GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MarginConfig 保证金引擎参数
type MarginConfig struct {
	MaintenanceMarginRatio        decimal.Decimal `mapstructure:"maintenance_margin_ratio"`
	LiquidationMarkPriceGuardRate decimal.Decimal `mapstructure:"liquidation_mark_price_guard_rate"`
	RequireMarkPrice              bool            `mapstructure:"require_mark_price"`
	PositionExtensionLimitDays    int             `mapstructure:"position_extension_limit_days"`
	// Timezone 持仓费计费日所在时区
	Timezone                   string        `mapstructure:"timezone"`
	SystemFixUserID            string        `mapstructure:"system_fix_user_id"`
	SystemPoolProfitUserID     string        `mapstructure:"system_pool_profit_user_id"`
	MarginCallThresholdPercent int64         `mapstructure:"margin_call_threshold_percent"`
	ScanInterval               time.Duration `mapstructure:"scan_interval"`
	ScanLockTTL                time.Duration `mapstructure:"scan_lock_ttl"`
	ExpiryInterval             time.Duration `mapstructure:"expiry_interval"`
	OutboxBatchSize            int           `mapstructure:"outbox_batch_size"`
	OutboxInterval             time.Duration `mapstructure:"outbox_interval"`
	PriceFeedURL               string        `mapstructure:"price_feed_url"`
	// PriceWindow 强平扫描取最低/最高价的近期成交笔数
	PriceWindow int            `mapstructure:"price_window"`
	PriceTTL    time.Duration  `mapstructure:"price_ttl"`
	Markets     []MarketConfig `mapstructure:"markets"`
	Pools       []PoolConfig   `mapstructure:"pools"`
}

// MarketConfig 交易对参数
type MarketConfig struct {
	Symbol          string          `mapstructure:"symbol"`
	SrcCurrency     string          `mapstructure:"src_currency"`
	DstCurrency     string          `mapstructure:"dst_currency"`
	PricePrecision  int32           `mapstructure:"price_precision"`
	AmountPrecision int32           `mapstructure:"amount_precision"`
	MakerFeeRate    decimal.Decimal `mapstructure:"maker_fee_rate"`
	TakerFeeRate    decimal.Decimal `mapstructure:"taker_fee_rate"`
	MaxLeverage     decimal.Decimal `mapstructure:"max_leverage"`
	FeeUnit         decimal.Decimal `mapstructure:"fee_unit"`
	MarginEnabled   bool            `mapstructure:"margin_enabled"`
}

// PoolConfig 资金池参数
type PoolConfig struct {
	Currency        string          `mapstructure:"currency"`
	ManagerID       string          `mapstructure:"manager_id"`
	PositionFeeRate decimal.Decimal `mapstructure:"position_fee_rate"`
	Active          bool            `mapstructure:"active"`
}

// Load 从 TOML 文件加载配置。同目录或工作目录下存在 .env 时先载入，环境变量覆盖文件中的值
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// 自动绑定环境变量（使用 _ 替代 .）
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load .env: %w", err)
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
	if c.Database.DSN == "" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("database DSN is required for %s driver", c.Database.Driver)
	}
	return c.Margin.Validate()
}

// Validate 校验保证金参数
func (m *MarginConfig) Validate() error {
	if m.MaintenanceMarginRatio.LessThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("maintenance_margin_ratio must be greater than 1: %s", m.MaintenanceMarginRatio)
	}
	if m.LiquidationMarkPriceGuardRate.IsNegative() {
		return errors.New("liquidation_mark_price_guard_rate must not be negative")
	}
	if m.PositionExtensionLimitDays <= 0 {
		return fmt.Errorf("invalid position_extension_limit_days: %d", m.PositionExtensionLimitDays)
	}
	if m.SystemFixUserID == "" || m.SystemPoolProfitUserID == "" {
		return errors.New("system_fix_user_id and system_pool_profit_user_id are required")
	}
	if _, err := time.LoadLocation(m.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", m.Timezone, err)
	}
	seen := make(map[string]bool, len(m.Markets))
	for _, mk := range m.Markets {
		if mk.Symbol == "" || mk.SrcCurrency == "" || mk.DstCurrency == "" {
			return fmt.Errorf("market %q is missing symbol or currencies", mk.Symbol)
		}
		if seen[mk.Symbol] {
			return fmt.Errorf("duplicate market %s", mk.Symbol)
		}
		seen[mk.Symbol] = true
		if !mk.FeeUnit.IsPositive() {
			return fmt.Errorf("market %s fee_unit must be positive", mk.Symbol)
		}
	}
	for _, p := range m.Pools {
		if p.Currency == "" || p.ManagerID == "" {
			return errors.New("pool currency and manager_id are required")
		}
	}
	return nil
}

// Location 计费时区
func (m *MarginConfig) Location() *time.Location {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)
	v.SetDefault("http.manage_rate_limit", 1)

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 1000)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("kafka.group_id", "margin-engine")
	v.SetDefault("kafka.session_timeout", 10)
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 200)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/app.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("margin.maintenance_margin_ratio", "1.1")
	v.SetDefault("margin.liquidation_mark_price_guard_rate", "0.05")
	v.SetDefault("margin.require_mark_price", false)
	v.SetDefault("margin.position_extension_limit_days", 30)
	v.SetDefault("margin.timezone", "UTC")
	v.SetDefault("margin.system_fix_user_id", "system_fix")
	v.SetDefault("margin.system_pool_profit_user_id", "system_pool_profit")
	v.SetDefault("margin.margin_call_threshold_percent", 5)
	v.SetDefault("margin.scan_interval", "10s")
	v.SetDefault("margin.scan_lock_ttl", "30s")
	v.SetDefault("margin.expiry_interval", "1m")
	v.SetDefault("margin.outbox_batch_size", 100)
	v.SetDefault("margin.outbox_interval", "500ms")
	v.SetDefault("margin.price_window", 100)
	v.SetDefault("margin.price_ttl", "1m")
}

// GetEnv 获取环境变量，支持默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
