package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	extensionShareStep = decimal.RequireFromString("0.01")
	// DefaultExtensionLimit 持仓最长展期天数
	DefaultExtensionLimit = 30
)

// UserShare 用户在盈亏中的份额。亏损全部由用户承担；盈利时每展期一天资金池多分得 1%。
func UserShare(extensionDays int, profit bool) decimal.Decimal {
	if !profit {
		return one
	}
	return maxDecimal(one.Sub(extensionShareStep.Mul(decimal.NewFromInt(int64(extensionDays+1)))), zero)
}

// ExtensionDays 创建日期到 at 所在日期的天数，上限 limit
func (p *Position) ExtensionDays(at time.Time, limit int, loc *time.Location) int {
	days := int(dateOf(at, loc).Sub(dateOf(p.CreatedAt, loc)).Hours() / 24)
	if days < 0 {
		days = 0
	}
	if days > limit {
		days = limit
	}
	return days
}

// UserPNL 按展期天数折算后的用户盈亏
func (p *Position) UserPNL(totalPNL decimal.Decimal, at time.Time, limit int, loc *time.Location) decimal.Decimal {
	share := UserShare(p.ExtensionDays(at, limit, loc), totalPNL.IsPositive())
	return RoundDownAmount(totalPNL.Mul(share))
}

// Settlement 持仓终结时的资金划转计划
type Settlement struct {
	// PNL 用户实际到账盈亏 (dst)
	PNL decimal.Decimal
	// PoolAmount 资金池管理员 dst 账户变动，等于 -earned
	PoolAmount decimal.Decimal
	// Residual earned - pnl，正数计入 system_pool_profit，负数计入 system_fix
	Residual decimal.Decimal
	// Unblock 解冻的保证金
	Unblock decimal.Decimal
	// CollateralShortfall 亏损超过保证金，资金池本应提前强平
	CollateralShortfall bool
	// BalanceShortfall 用户钱包余额不足以支付亏损
	BalanceShortfall bool
}

// PlanSettlement 计算结算金额，walletBalance 为用户 dst 保证金钱包余额
func (p *Position) PlanSettlement(walletBalance decimal.Decimal, limit int, loc *time.Location) (Settlement, error) {
	if !p.NeedsPNL() {
		return Settlement{}, NewInvariantError(p.ID, "settlement requested in status %s with liability %s", p.Status, p.Liability())
	}
	s := Settlement{Unblock: p.Collateral}
	switch {
	case p.OpenedAt == nil:
		s.PNL = zero
	case p.ClosedAt != nil:
		s.PNL = p.UserPNL(p.EarnedAmount, *p.ClosedAt, limit, loc)
	default:
		s.PNL = p.UserPNL(p.EarnedAmount, p.UpdatedAt, limit, loc)
	}
	if s.PNL.Add(p.Collateral).IsNegative() {
		s.CollateralShortfall = true
		s.PNL = p.Collateral.Neg()
	}
	if s.PNL.Add(walletBalance).IsNegative() {
		s.BalanceShortfall = true
		s.PNL = walletBalance.Neg()
	}
	if p.OpenedAt != nil {
		s.PoolAmount = p.EarnedAmount.Neg()
		s.Residual = p.EarnedAmount.Sub(s.PNL)
	}
	return s, nil
}

// ApplySettlement 记录已结算的盈亏
func (p *Position) ApplySettlement(s Settlement, transactionID string, now time.Time) {
	p.PNL = decimal.NewNullDecimal(s.PNL)
	p.PNLTransactionID = transactionID
	p.UpdatedAt = now
}
