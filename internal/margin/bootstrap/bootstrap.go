// Package bootstrap 按配置组装保证金引擎：数据库、价格缓存、发件箱与应用服务
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wyfcoding/marginengine/internal/margin/application"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
	"github.com/wyfcoding/marginengine/internal/margin/infrastructure/messaging"
	"github.com/wyfcoding/marginengine/internal/margin/infrastructure/persistence/mysql"
	"github.com/wyfcoding/marginengine/internal/margin/infrastructure/persistence/redis"
	"github.com/wyfcoding/marginengine/internal/margin/infrastructure/pricefeed"
	"github.com/wyfcoding/marginengine/pkg/cache"
	"github.com/wyfcoding/marginengine/pkg/config"
	"github.com/wyfcoding/marginengine/pkg/db"
	"github.com/wyfcoding/marginengine/pkg/metrics"
	"github.com/wyfcoding/marginengine/pkg/mq"
	"gorm.io/gorm"
)

// Settings 由配置生成引擎参数
func Settings(m config.MarginConfig) application.Settings {
	s := application.DefaultSettings()
	s.MaintenanceMarginRatio = m.MaintenanceMarginRatio
	s.Guard = domain.LiquidationGuard{
		MarkGuardRate: m.LiquidationMarkPriceGuardRate,
		RequireMark:   m.RequireMarkPrice,
	}
	s.ExtensionLimit = m.PositionExtensionLimitDays
	s.Location = m.Location()
	s.SystemFixUserID = m.SystemFixUserID
	s.SystemPoolProfitUserID = m.SystemPoolProfitUserID
	if m.MarginCallThresholdPercent > 0 {
		s.MarginCallThresholdPercent = m.MarginCallThresholdPercent
	}
	if m.ScanLockTTL > 0 {
		s.ScanLockTTL = m.ScanLockTTL
	}
	return s
}

// Catalog 由配置生成交易对目录
func Catalog(m config.MarginConfig) *domain.MarketCatalog {
	markets := make([]*domain.Market, 0, len(m.Markets))
	for _, mc := range m.Markets {
		markets = append(markets, &domain.Market{
			Symbol:          mc.Symbol,
			SrcCurrency:     mc.SrcCurrency,
			DstCurrency:     mc.DstCurrency,
			PricePrecision:  mc.PricePrecision,
			AmountPrecision: mc.AmountPrecision,
			MakerFeeRate:    mc.MakerFeeRate,
			TakerFeeRate:    mc.TakerFeeRate,
			MaxLeverage:     mc.MaxLeverage,
			FeeUnit:         mc.FeeUnit,
			MarginEnabled:   mc.MarginEnabled,
		})
	}
	return domain.NewMarketCatalog(markets...)
}

// Pools 由配置生成资金池
func Pools(m config.MarginConfig) []domain.LiquidityPool {
	pools := make([]domain.LiquidityPool, 0, len(m.Pools))
	for _, pc := range m.Pools {
		pools = append(pools, domain.LiquidityPool{
			Currency:        pc.Currency,
			ManagerID:       pc.ManagerID,
			PositionFeeRate: pc.PositionFeeRate,
			Active:          pc.Active,
		})
	}
	return pools
}

// App 进程内共享的组件
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Cache    *cache.RedisCache
	Producer *mq.Producer
	Prices   *pricefeed.Tracker
	Relay    *messaging.Relay
	Metrics  *metrics.Metrics
	Engine   *application.Engine
	Logger   *slog.Logger
}

// Build 连接外部依赖、迁移表结构、同步资金池配置并组装引擎
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	gdb, err := db.Open(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if err := mysql.AutoMigrate(gdb); err != nil {
		return nil, fmt.Errorf("failed to migrate margin tables: %w", err)
	}
	if err := messaging.AutoMigrate(gdb); err != nil {
		return nil, fmt.Errorf("failed to migrate outbox table: %w", err)
	}

	pools := mysql.NewPoolLedger(gdb)
	for _, p := range Pools(cfg.Margin) {
		if err := pools.EnsurePool(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to ensure pool %s: %w", p.Currency, err)
		}
	}

	rc, err := cache.New(ctx, cfg.Redis, log)
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}

	m := metrics.New(cfg.ServiceName)
	prices := pricefeed.NewTracker(redis.NewPriceCache(rc, cfg.Margin.PriceTTL), cfg.Margin.PriceWindow)
	producer := mq.NewProducer(cfg.Kafka, log)

	engine := application.NewEngine(application.Dependencies{
		Repo:      mysql.NewPositionRepository(gdb),
		Wallets:   mysql.NewWalletLedger(gdb),
		Pools:     pools,
		Prices:    prices,
		Publisher: messaging.NewOutboxPublisher(gdb),
		Markets:   Catalog(cfg.Margin),
		Locker:    redis.NewLocker(rc),
		Metrics:   m,
		Logger:    log,
		Settings:  Settings(cfg.Margin),
		Clock:     application.SystemClock(),
	})

	return &App{
		Config:   cfg,
		DB:       gdb,
		Cache:    rc,
		Producer: producer,
		Prices:   prices,
		Relay:    messaging.NewRelay(gdb, producer, cfg.Margin.OutboxBatchSize, m, log),
		Metrics:  m,
		Engine:   engine,
		Logger:   log,
	}, nil
}

// Close 释放连接
func (a *App) Close() error {
	return errors.Join(a.Producer.Close(), a.Cache.Close(), db.Close(a.DB))
}
