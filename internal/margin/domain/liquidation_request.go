package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LiquidationRequestStatus 强平请求状态
type LiquidationRequestStatus string

const (
	LiquidationRequestOpen     LiquidationRequestStatus = "open"
	LiquidationRequestDone     LiquidationRequestStatus = "done"
	LiquidationRequestCanceled LiquidationRequestStatus = "canceled"
)

// LiquidationRequest 一轮强平请求，由资金池管理员账户在市场上成交
type LiquidationRequest struct {
	ID               string
	PositionID       string
	PoolManagerID    string
	Symbol           string
	SrcCurrency      string
	DstCurrency      string
	Side             Side
	Amount           decimal.Decimal
	FilledAmount     decimal.Decimal
	FilledTotalPrice decimal.Decimal
	Status           LiquidationRequestStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewLiquidationRequest 为持仓的剩余负债创建一轮强平请求
func NewLiquidationRequest(id string, p *Position, poolManagerID string, now time.Time) *LiquidationRequest {
	return &LiquidationRequest{
		ID:            id,
		PositionID:    p.ID,
		PoolManagerID: poolManagerID,
		Symbol:        p.Symbol,
		SrcCurrency:   p.SrcCurrency,
		DstCurrency:   p.DstCurrency,
		Side:          p.Side.Opposite(),
		Amount:        p.DelegatedAmount,
		Status:        LiquidationRequestOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (r *LiquidationRequest) IsOpen() bool { return r.Status == LiquidationRequestOpen }
func (r *LiquidationRequest) IsSell() bool { return r.Side == SideSell }

// UnfilledAmount 尚未成交的数量
func (r *LiquidationRequest) UnfilledAmount() decimal.Decimal {
	return maxDecimal(r.Amount.Sub(r.FilledAmount), zero)
}

// ApplyUpdate 以强平服务回报的累计成交覆盖本地状态。
// 回报是累计值，重放或乱序到达的旧回报不会改变状态。
func (r *LiquidationRequest) ApplyUpdate(filledAmount, filledTotalPrice decimal.Decimal, done bool, at time.Time) (bool, error) {
	if !r.IsOpen() {
		return false, nil
	}
	if filledAmount.IsNegative() || filledTotalPrice.IsNegative() {
		return false, NewInvariantError(r.PositionID, "liquidation request %s reported negative fill", r.ID)
	}
	if filledAmount.GreaterThan(r.Amount) {
		return false, NewInvariantError(r.PositionID, "liquidation request %s overfilled: %s > %s", r.ID, filledAmount, r.Amount)
	}
	if filledAmount.LessThan(r.FilledAmount) {
		return false, nil
	}
	changed := !filledAmount.Equal(r.FilledAmount) || !filledTotalPrice.Equal(r.FilledTotalPrice)
	r.FilledAmount = filledAmount
	r.FilledTotalPrice = filledTotalPrice
	if done || r.UnfilledAmount().IsZero() {
		r.Status = LiquidationRequestDone
		changed = true
	}
	if changed {
		r.UpdatedAt = at
	}
	return changed, nil
}

// Cancel 取消未成交的强平请求
func (r *LiquidationRequest) Cancel(at time.Time) bool {
	if !r.IsOpen() {
		return false
	}
	r.Status = LiquidationRequestCanceled
	r.UpdatedAt = at
	return true
}
