package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// PriceSource 最新成交价与标记价格来源，未知时返回零值
type PriceSource interface {
	LastTradePrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// TradeRangeSource 可选能力：近期成交的最低/最高价，ok 为 false 时回退到最新成交价
type TradeRangeSource interface {
	TradeRange(ctx context.Context, symbol string) (minPrice, maxPrice decimal.Decimal, ok bool)
}

// PriceQuote 触发判断使用的价格区间。最低/最高价来自近期成交，标记价用于防插针
type PriceQuote struct {
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal
	Mark     decimal.Decimal
}

// QuoteFromLast 单一成交价构造的区间
func QuoteFromLast(last, mark decimal.Decimal) PriceQuote {
	return PriceQuote{MinPrice: last, MaxPrice: last, Mark: mark}
}

// LiquidationGuard 双价格源触发策略
type LiquidationGuard struct {
	// MarkGuardRate 标记价允许偏离比例
	MarkGuardRate decimal.Decimal
	// RequireMark 为 true 时缺少标记价不触发强平
	RequireMark bool
}

// DefaultLiquidationGuard 默认 5% 偏离，标记价缺失时仅依成交价
var DefaultLiquidationGuard = LiquidationGuard{MarkGuardRate: decimal.RequireFromString("0.05")}

// Bounds 以标记价收紧成交价区间。多头强平价需不低于 min，空头强平价需不高于 max
func (g LiquidationGuard) Bounds(q PriceQuote) (minPrice, maxPrice decimal.Decimal, ok bool) {
	minPrice, maxPrice = q.MinPrice, q.MaxPrice
	if !minPrice.IsPositive() || !maxPrice.IsPositive() {
		return zero, zero, false
	}
	if q.Mark.IsPositive() {
		minPrice = maxDecimal(minPrice, q.Mark.Mul(one.Sub(g.MarkGuardRate)))
		maxPrice = minDecimal(maxPrice, q.Mark.Mul(one.Add(g.MarkGuardRate)))
	} else if g.RequireMark {
		return zero, zero, false
	}
	return minPrice, maxPrice, true
}

// Triggered 判断持仓强平价是否已被两个价格源同时击穿
func (g LiquidationGuard) Triggered(p *Position, q PriceQuote) bool {
	if !p.LiquidationPrice.IsPositive() {
		return false
	}
	minPrice, maxPrice, ok := g.Bounds(q)
	if !ok {
		return false
	}
	if p.IsShort() {
		return p.LiquidationPrice.LessThanOrEqual(maxPrice)
	}
	return p.LiquidationPrice.GreaterThanOrEqual(minPrice)
}
