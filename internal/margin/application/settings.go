package application

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// Settings 保证金引擎运行参数
type Settings struct {
	MaintenanceMarginRatio decimal.Decimal
	Guard                  domain.LiquidationGuard
	ExtensionLimit         int
	Location               *time.Location
	// SystemFixUserID 吸收强平滑点的系统账户
	SystemFixUserID string
	// SystemPoolProfitUserID 收取资金池超额收益的系统账户
	SystemPoolProfitUserID string
	// MarginCallThresholdPercent 强平价与市场价偏离不超过该百分比时发出追保提醒
	MarginCallThresholdPercent int64
	ScanLockTTL                time.Duration
}

// DefaultSettings 默认参数
func DefaultSettings() Settings {
	return Settings{
		MaintenanceMarginRatio:     domain.DefaultMaintenanceMarginRatio,
		Guard:                      domain.DefaultLiquidationGuard,
		ExtensionLimit:             domain.DefaultExtensionLimit,
		Location:                   time.Local,
		SystemFixUserID:            "system_fix",
		SystemPoolProfitUserID:     "system_pool_profit",
		MarginCallThresholdPercent: 5,
		ScanLockTTL:                30 * time.Second,
	}
}

func (s Settings) policy(now time.Time, quote *domain.PriceQuote) domain.StatusPolicy {
	return domain.StatusPolicy{
		Now:            now,
		ExtensionLimit: s.ExtensionLimit,
		Location:       s.Location,
		Guard:          s.Guard,
		Quote:          quote,
	}
}

// Clock 可替换的时钟与 ID 生成器，测试中固定时间
type Clock struct {
	Now   func() time.Time
	NewID func() string
}

// SystemClock 使用系统时间与 UUID
func SystemClock() Clock {
	return Clock{Now: time.Now, NewID: uuid.NewString}
}
