package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionFee 每日展期费，每个持仓每天至多一条
type PositionFee struct {
	ID            string
	PositionID    string
	Date          time.Time
	Amount        decimal.Decimal
	TransactionID string
	CreatedAt     time.Time
}

// ExtensionFeeAmount 按计费单位向上取整后乘以资金池费率
func ExtensionFeeAmount(delegationTotal, unit, rate decimal.Decimal) decimal.Decimal {
	if !unit.IsPositive() || !delegationTotal.IsPositive() {
		return zero
	}
	shares := delegationTotal.Div(unit).Ceil()
	return shares.Mul(unit).Mul(rate)
}

// ExtensionFeeAmount 当前委托量对应的展期费
func (p *Position) ExtensionFeeAmount(unit, rate decimal.Decimal) decimal.Decimal {
	return ExtensionFeeAmount(p.DelegationTotalPrice(), unit, rate)
}

// FeeDue today 严格位于创建日期与到期日期之间时需要收取展期费
func (p *Position) FeeDue(today time.Time, limit int, loc *time.Location) bool {
	if !p.Status.IsOngoing() || p.IsSettled() {
		return false
	}
	d := dateOf(today, loc)
	return dateOf(p.CreatedAt, loc).Before(d) && d.Before(p.ExpirationDate(limit, loc))
}

// ChargeFee 从保证金中扣除展期费并重算强平价。保证金不足时返回 ErrInsufficientBalance
func (p *Position) ChargeFee(amount, mmr decimal.Decimal, now time.Time) error {
	if amount.GreaterThan(p.Collateral) {
		return ErrInsufficientBalance
	}
	p.Collateral = p.Collateral.Sub(amount)
	p.SetLiquidationPrice(mmr)
	p.UpdatedAt = now
	return nil
}

// FeeDate 以 loc 时区计的计费日期
func FeeDate(now time.Time, loc *time.Location) time.Time {
	return dateOf(now, loc)
}
