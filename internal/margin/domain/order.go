package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"      // 已提交，等待撮合引擎受理
	OrderStatusActive   OrderStatus = "active"   // 挂单中 (可能部分成交)
	OrderStatusDone     OrderStatus = "done"     // 完全成交
	OrderStatusCanceled OrderStatus = "canceled" // 已撤销
)

// ExecutionType 订单执行类型
type ExecutionType string

const (
	ExecutionLimit      ExecutionType = "limit"
	ExecutionMarket     ExecutionType = "market"
	ExecutionStopLimit  ExecutionType = "stop_limit"
	ExecutionStopMarket ExecutionType = "stop_market"
)

// OrderChannel 下单来源
type OrderChannel string

const (
	ChannelUser   OrderChannel = "user"
	ChannelSystem OrderChannel = "system"
)

// Order 保证金订单，撮合由外部引擎完成，这里只记录持仓结算所需的累计成交
type Order struct {
	ID            string
	PositionID    string
	UserID        string
	Symbol        string
	Side          Side
	ExecutionType ExecutionType
	Channel       OrderChannel
	Amount        decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	// PairID OCO 配对订单
	PairID            string
	MatchedAmount     decimal.Decimal
	MatchedTotalPrice decimal.Decimal
	Fee               decimal.Decimal
	// BlockedCollateral 下单时为该订单冻结的保证金
	BlockedCollateral decimal.Decimal
	// PoolReserved 挂单尚占用的资金池额度
	PoolReserved      decimal.Decimal
	Status            OrderStatus
	FirstMatchedAt    *time.Time
	LastMatchedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (o *Order) IsBuy() bool  { return o.Side == SideBuy }
func (o *Order) IsSell() bool { return o.Side == SideSell }

// IsActive 订单仍可能继续成交
func (o *Order) IsActive() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusActive
}

// IsClosed 订单进入终态
func (o *Order) IsClosed() bool {
	return o.Status == OrderStatusDone || o.Status == OrderStatusCanceled
}

// IsPartial 已部分成交但未完全成交
func (o *Order) IsPartial() bool {
	return o.MatchedAmount.IsPositive() && o.MatchedAmount.LessThan(o.Amount)
}

func (o *Order) IsPlacedBySystem() bool { return o.Channel == ChannelSystem }

// UnmatchedAmount 未成交数量
func (o *Order) UnmatchedAmount() decimal.Decimal {
	return maxDecimal(o.Amount.Sub(o.MatchedAmount), zero)
}

// UnmatchedTotalPrice 未成交部分按委托价计算的金额
func (o *Order) UnmatchedTotalPrice() decimal.Decimal {
	return o.UnmatchedAmount().Mul(o.Price)
}

// AveragePrice 成交均价
func (o *Order) AveragePrice() decimal.Decimal {
	if o.MatchedAmount.IsZero() {
		return zero
	}
	return o.MatchedTotalPrice.Div(o.MatchedAmount)
}

// TradeFee 计算一笔成交的手续费：卖单以 dst 计，买单以 src 计
func (o *Order) TradeFee(amount, price, rate decimal.Decimal) decimal.Decimal {
	if o.IsSell() {
		return RoundDownAmount(amount.Mul(price).Mul(rate))
	}
	return RoundDownAmount(amount.Mul(rate))
}

// ApplyMatch 累加一笔成交。撤单回报可能先于成交到达，已撤销订单仍接受未超量的成交
func (o *Order) ApplyMatch(amount, price, fee decimal.Decimal, at time.Time) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	if amount.GreaterThan(o.UnmatchedAmount()) {
		return NewInvariantError(o.PositionID, "order %s overfilled: %s > %s", o.ID, amount, o.UnmatchedAmount())
	}
	o.MatchedAmount = o.MatchedAmount.Add(amount)
	o.MatchedTotalPrice = o.MatchedTotalPrice.Add(amount.Mul(price))
	o.Fee = o.Fee.Add(fee)
	if o.FirstMatchedAt == nil {
		t := at
		o.FirstMatchedAt = &t
	}
	t := at
	o.LastMatchedAt = &t
	switch {
	case o.UnmatchedAmount().IsZero():
		o.Status = OrderStatusDone
	case o.Status != OrderStatusCanceled:
		o.Status = OrderStatusActive
	}
	o.UpdatedAt = at
	return nil
}

// TakePoolReservation 成交 amount 前调用，按未成交比例返回应归还资金池的额度
func (o *Order) TakePoolReservation(amount decimal.Decimal) decimal.Decimal {
	if !o.PoolReserved.IsPositive() {
		return zero
	}
	unmatched := o.UnmatchedAmount()
	share := o.PoolReserved
	if amount.LessThan(unmatched) {
		share = RoundDownAmount(o.PoolReserved.Mul(amount).Div(unmatched))
	}
	o.PoolReserved = o.PoolReserved.Sub(share)
	return share
}

// ReleasePoolReservation 订单终止时归还全部剩余额度
func (o *Order) ReleasePoolReservation() decimal.Decimal {
	share := o.PoolReserved
	o.PoolReserved = zero
	return share
}

// Cancel 撤销订单，已处于终态时返回 false
func (o *Order) Cancel(at time.Time) bool {
	if o.IsClosed() {
		return false
	}
	o.Status = OrderStatusCanceled
	o.UpdatedAt = at
	return true
}

// OrderMatch 单笔成交记录，TradeID 唯一，用于成交事件去重
type OrderMatch struct {
	TradeID    string
	OrderID    string
	PositionID string
	Amount     decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	IsMaker    bool
	MatchedAt  time.Time
}
