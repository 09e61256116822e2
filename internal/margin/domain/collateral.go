package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionCollateralChange 保证金调整记录
type PositionCollateralChange struct {
	ID         string
	PositionID string
	OldValue   decimal.Decimal
	NewValue   decimal.Decimal
	CreatedAt  time.Time
}

// OrderCollateral 下单需冻结的保证金：price*amount/leverage 向上取整。
// 卖单或市价单 (price 为零) 按 max(lastPrice, price) 计算。
func OrderCollateral(market *Market, leverage decimal.Decimal, side Side, amount, price, lastPrice decimal.Decimal) decimal.Decimal {
	price = RoundPrice(price, market.PricePrecision)
	amount = amount.RoundDown(market.AmountPrecision)
	if side == SideSell || price.IsZero() {
		price = maxDecimal(lastPrice, price)
	}
	return RoundUpAmount(price.Mul(amount).Div(leverage))
}

// ReleaseOnCancel 订单撤销时释放未成交部分对应的保证金，返回释放金额。
// pair 为 OCO 配对订单，可为空。
func (p *Position) ReleaseOnCancel(o *Order, pair *Order) decimal.Decimal {
	if p.Collateral.IsZero() || o.BlockedCollateral.IsZero() {
		return zero
	}
	fixed := RoundUpAmount(o.MatchedTotalPrice.Div(p.Leverage))
	released := minDecimal(maxDecimal(o.BlockedCollateral.Sub(fixed), zero), p.Collateral)
	if released.IsZero() {
		return zero
	}
	o.BlockedCollateral = o.BlockedCollateral.Sub(released)
	if pair != nil {
		diff := pair.BlockedCollateral.Sub(o.BlockedCollateral)
		if diff.GreaterThan(released) {
			return zero
		}
		if diff.IsPositive() {
			released = released.Sub(diff)
		}
	}
	p.Collateral = p.Collateral.Sub(released)
	return released
}

// CollateralRange 可调整的保证金区间
func (p *Position) CollateralRange(price, walletActive decimal.Decimal, amountPrecision int32) (minCollateral, maxCollateral decimal.Decimal) {
	imr := p.InitialMarginRatio()
	ratio, ok := p.MarginRatio(price)
	if !ok || ratio.LessThanOrEqual(imr) {
		minCollateral = p.Collateral
	} else {
		cut := p.TotalAsset(price).Mul(one.Sub(imr.Div(ratio)))
		minCollateral = maxDecimal(p.Collateral.Sub(cut), zero).RoundUp(amountPrecision)
	}
	maxCollateral = p.Collateral.Add(maxDecimal(walletActive, zero))
	return minCollateral, maxCollateral
}

// ChangeCollateral 校验并设置新的保证金，返回变动量。减少时要求调整后保证金率不低于初始保证金率。
func (p *Position) ChangeCollateral(newCollateral, price, walletActive decimal.Decimal) (decimal.Decimal, error) {
	if p.Status != PositionStatusOpen {
		return zero, ErrPositionNotOpen
	}
	newCollateral = newCollateral.Round(MaxPrecision)
	if newCollateral.IsNegative() {
		return zero, ErrNegativeCollateral
	}
	delta := newCollateral.Sub(p.Collateral)
	old := p.Collateral
	p.Collateral = newCollateral
	if delta.IsNegative() {
		ratio, ok := p.MarginRatio(price)
		if !ok {
			p.Collateral = old
			return zero, ErrPriceUnavailable
		}
		if ratio.LessThan(p.InitialMarginRatio()) {
			p.Collateral = old
			return zero, ErrLowMarginRatio
		}
	} else if delta.GreaterThan(walletActive) {
		p.Collateral = old
		return zero, ErrInsufficientBalance
	}
	return delta, nil
}
