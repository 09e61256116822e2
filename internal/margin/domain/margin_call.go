package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarginCall 追加保证金提醒，市场价接近强平价时生成，每个持仓同时至多一条未解除的提醒
type MarginCall struct {
	ID               string
	PositionID       string
	MarketPrice      decimal.Decimal
	LiquidationPrice decimal.Decimal
	IsSent           bool
	IsSolved         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewMarginCall 以当前市场价创建提醒
func NewMarginCall(id string, p *Position, marketPrice decimal.Decimal, now time.Time) *MarginCall {
	return &MarginCall{
		ID:               id,
		PositionID:       p.ID,
		MarketPrice:      marketPrice,
		LiquidationPrice: p.LiquidationPrice,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// PriceDiffPercent 强平价与市场价的偏离百分比 (取整)
func (m *MarginCall) PriceDiffPercent() int64 {
	return PriceDiffPercent(m.LiquidationPrice, m.MarketPrice)
}

// PriceDiffPercent |liq/market - 1| * 100 截断为整数
func PriceDiffPercent(liquidationPrice, marketPrice decimal.Decimal) int64 {
	if !marketPrice.IsPositive() {
		return 0
	}
	return liquidationPrice.Div(marketPrice).Sub(one).Abs().Mul(decimal.NewFromInt(100)).IntPart()
}

// MarkSent 通知已发出
func (m *MarginCall) MarkSent(now time.Time) {
	m.IsSent = true
	m.UpdatedAt = now
}

// Solve 价格远离强平价或持仓结束后解除提醒
func (m *MarginCall) Solve(now time.Time) {
	m.IsSolved = true
	m.UpdatedAt = now
}

// NeedsMarginCall 持仓 open 且强平价与市场价的偏离不超过阈值
func (p *Position) NeedsMarginCall(marketPrice decimal.Decimal, thresholdPercent int64) bool {
	if p.Status != PositionStatusOpen || !p.LiquidationPrice.IsPositive() || !marketPrice.IsPositive() {
		return false
	}
	return PriceDiffPercent(p.LiquidationPrice, marketPrice) <= thresholdPercent
}
