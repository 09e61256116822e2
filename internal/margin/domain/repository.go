package domain

import (
	"context"
	"time"
)

// PositionRepository 持仓仓储接口。
// 读取持仓时一并加载其订单与强平请求；FindByIDForUpdate 须在 WithTx 内调用并持有行锁直至事务结束。
type PositionRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Create 保存新持仓及其订单
	Create(ctx context.Context, position *Position) error
	// Save 更新持仓字段 (不含关联)
	Save(ctx context.Context, position *Position) error
	FindByID(ctx context.Context, id string) (*Position, error)
	FindByIDForUpdate(ctx context.Context, id string) (*Position, error)

	SaveOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	// SaveMatch 记录成交，TradeID 已存在时 created 为 false
	SaveMatch(ctx context.Context, match *OrderMatch) (created bool, err error)

	SaveLiquidationRequest(ctx context.Context, req *LiquidationRequest) error
	GetLiquidationRequest(ctx context.Context, id string) (*LiquidationRequest, error)

	// SaveFee 记录展期费，同一持仓同一天已存在时 created 为 false
	SaveFee(ctx context.Context, fee *PositionFee) (created bool, err error)
	SaveCollateralChange(ctx context.Context, change *PositionCollateralChange) error

	// ListLiquidationCandidates 交易对内满足强平条件的 open 持仓 ID：
	// 空头 liquidation_price <= maxPrice 或多头 liquidation_price >= minPrice，且强平价大于零
	ListLiquidationCandidates(ctx context.Context, symbol string, quote PriceQuote) ([]string, error)
	// FindOpenPositionsOlderThan 进行中且参考时间 (首次成交时间，未成交取创建时间) 早于 cutoff 的持仓 ID
	FindOpenPositionsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	// ListOngoing 进行中的持仓 ID
	ListOngoing(ctx context.Context) ([]string, error)
	// ListUnsettled 已进入终态但未结算的持仓 ID
	ListUnsettled(ctx context.Context) ([]string, error)
	// ListOpenBySymbol 交易对内 open 状态的持仓
	ListOpenBySymbol(ctx context.Context, symbol string) ([]*Position, error)

	// GetActiveMarginCall 未解除的追保提醒，不存在时返回 nil
	GetActiveMarginCall(ctx context.Context, positionID string) (*MarginCall, error)
	SaveMarginCall(ctx context.Context, call *MarginCall) error
}

// Locker 跨进程互斥锁，用于按交易对串行化强平扫描
type Locker interface {
	// TryLock 获取锁，已被占用时返回 ErrLockNotAcquired
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
