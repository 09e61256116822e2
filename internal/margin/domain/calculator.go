package domain

import "github.com/shopspring/decimal"

// Calculator 按持仓方向计算负债、强平价与保证金率
type Calculator interface {
	// Liability 以借入币种计的负债
	Liability(p *Position) decimal.Decimal
	// LiquidationPrice 保证金率触及维持保证金率时的价格，未取整
	LiquidationPrice(p *Position, mmr decimal.Decimal) decimal.Decimal
	// TotalAsset 以 dst 计的持仓总资产
	TotalAsset(p *Position, price decimal.Decimal) decimal.Decimal
	// MarginRatio 总资产与负债的比值，无负债时返回 false
	MarginRatio(p *Position, price decimal.Decimal) (decimal.Decimal, bool)
	// UnrealizedTotalPNL 按给定价格平仓的总盈亏
	UnrealizedTotalPNL(p *Position, price decimal.Decimal) decimal.Decimal
}

// ShortCalculator 空头：借入 src 卖出，负债计入卖出时的手续费
type ShortCalculator struct{}

func (ShortCalculator) Liability(p *Position) decimal.Decimal {
	if p.DelegatedAmount.IsZero() {
		return zero
	}
	return RoundUpAmount(p.DelegatedAmount.Div(one.Sub(p.TradeFeeRate)))
}

func (c ShortCalculator) LiquidationPrice(p *Position, mmr decimal.Decimal) decimal.Decimal {
	liability := c.Liability(p)
	if liability.IsZero() {
		return zero
	}
	return p.Collateral.Add(p.EarnedAmount).Div(mmr.Mul(liability))
}

func (ShortCalculator) TotalAsset(p *Position, _ decimal.Decimal) decimal.Decimal {
	return p.Collateral.Add(p.EarnedAmount)
}

func (c ShortCalculator) MarginRatio(p *Position, price decimal.Decimal) (decimal.Decimal, bool) {
	debt := c.Liability(p).Mul(price)
	if !debt.IsPositive() {
		return zero, false
	}
	return c.TotalAsset(p, price).Div(debt), true
}

func (c ShortCalculator) UnrealizedTotalPNL(p *Position, price decimal.Decimal) decimal.Decimal {
	return p.EarnedAmount.Sub(c.Liability(p).Mul(price))
}

// LongCalculator 多头：借入 dst 买入，负债为持有的 src 数量
type LongCalculator struct{}

func (LongCalculator) Liability(p *Position) decimal.Decimal {
	return p.DelegatedAmount
}

func (c LongCalculator) LiquidationPrice(p *Position, mmr decimal.Decimal) decimal.Decimal {
	liability := c.Liability(p)
	if liability.IsZero() {
		return zero
	}
	return mmr.Mul(p.EarnedAmount.Neg()).Sub(p.Collateral).Div(liability)
}

func (c LongCalculator) TotalAsset(p *Position, price decimal.Decimal) decimal.Decimal {
	return p.Collateral.Add(c.Liability(p).Mul(price))
}

func (c LongCalculator) MarginRatio(p *Position, price decimal.Decimal) (decimal.Decimal, bool) {
	debt := p.EarnedAmount.Neg()
	if !debt.IsPositive() {
		return zero, false
	}
	return c.TotalAsset(p, price).Div(debt), true
}

func (c LongCalculator) UnrealizedTotalPNL(p *Position, price decimal.Decimal) decimal.Decimal {
	return p.EarnedAmount.Add(c.Liability(p).Mul(price))
}
