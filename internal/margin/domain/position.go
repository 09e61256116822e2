// Package domain 保证金持仓撮合与强平的领域模型。
// 持仓的派生字段 (委托量、负债、已实现金额、强平价、状态) 每次都由其订单与强平请求的累计成交重新计算，
// 因此重放同一事件不会改变结果。
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/fsm"
)

// PositionStatus 持仓状态
type PositionStatus string

const (
	PositionStatusNew        PositionStatus = "new"
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"
	PositionStatusExpired    PositionStatus = "expired"
	PositionStatusCanceled   PositionStatus = "canceled"
)

// IsOngoing new 与 open 为进行中状态
func (s PositionStatus) IsOngoing() bool {
	return s == PositionStatusNew || s == PositionStatusOpen
}

func (s PositionStatus) IsTerminal() bool {
	return !s.IsOngoing()
}

const (
	eventOpen      = "OPEN"
	eventCancel    = "CANCEL"
	eventClose     = "CLOSE"
	eventLiquidate = "LIQUIDATE"
	eventExpire    = "EXPIRE"
)

// StatusPolicy 状态判定所需的外部参数
type StatusPolicy struct {
	Now            time.Time
	ExtensionLimit int
	Location       *time.Location
	Guard          LiquidationGuard
	// Quote 可选，非空时按价格判断是否触发强平
	Quote *PriceQuote
}

// Position 一笔杠杆敞口
type Position struct {
	ID          string
	UserID      string
	Symbol      string
	SrcCurrency string
	DstCurrency string
	Side        Side
	Leverage    decimal.Decimal
	// Collateral 以 dst 计的保证金
	Collateral       decimal.Decimal
	DelegatedAmount  decimal.Decimal
	EarnedAmount     decimal.Decimal
	EntryPrice       decimal.Decimal
	ExitPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
	// TradeFeeRate 开仓时交易对的 taker 费率
	TradeFeeRate     decimal.Decimal
	PricePrecision   int32
	Status           PositionStatus
	PNL              decimal.NullDecimal
	PNLTransactionID string
	OpenedAt         *time.Time
	ClosedAt         *time.Time
	FreezedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Orders              []*Order
	LiquidationRequests []*LiquidationRequest

	fsm *fsm.Machine[string, string]
}

// NewPosition 以开仓订单所在交易对创建 new 状态的持仓
func NewPosition(id, userID string, market *Market, side Side, leverage decimal.Decimal, now time.Time) *Position {
	p := &Position{
		ID:             id,
		UserID:         userID,
		Symbol:         market.Symbol,
		SrcCurrency:    market.SrcCurrency,
		DstCurrency:    market.DstCurrency,
		Side:           side,
		Leverage:       leverage,
		TradeFeeRate:   market.TakerFeeRate,
		PricePrecision: market.PricePrecision,
		Status:         PositionStatusNew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	p.initFSM()
	return p
}

func (p *Position) initFSM() {
	m := fsm.NewMachine[string, string](string(p.Status))
	m.AddTransition(string(PositionStatusNew), eventOpen, string(PositionStatusOpen))
	m.AddTransition(string(PositionStatusNew), eventCancel, string(PositionStatusCanceled))
	m.AddTransition(string(PositionStatusNew), eventExpire, string(PositionStatusExpired))
	m.AddTransition(string(PositionStatusOpen), eventClose, string(PositionStatusClosed))
	m.AddTransition(string(PositionStatusOpen), eventLiquidate, string(PositionStatusLiquidated))
	m.AddTransition(string(PositionStatusOpen), eventExpire, string(PositionStatusExpired))
	p.fsm = m
}

// InitFSM 确保状态机已按当前状态初始化
func (p *Position) InitFSM() {
	if p.fsm == nil {
		p.initFSM()
	}
}

func (p *Position) transition(ctx context.Context, event string, to PositionStatus) error {
	p.InitFSM()
	if err := p.fsm.Trigger(ctx, event); err != nil {
		return err
	}
	p.Status = to
	return nil
}

// Clone 深拷贝持仓及其关联，状态机重新初始化
func (p *Position) Clone() *Position {
	cp := *p
	cp.fsm = nil
	cp.Orders = make([]*Order, len(p.Orders))
	for i, o := range p.Orders {
		oc := *o
		cp.Orders[i] = &oc
	}
	cp.LiquidationRequests = make([]*LiquidationRequest, len(p.LiquidationRequests))
	for i, r := range p.LiquidationRequests {
		rc := *r
		cp.LiquidationRequests[i] = &rc
	}
	return &cp
}

func (p *Position) IsShort() bool { return p.Side == SideSell }

func (p *Position) calculator() Calculator {
	if p.IsShort() {
		return ShortCalculator{}
	}
	return LongCalculator{}
}

// PoolCurrency 借贷资金池币种
func (p *Position) PoolCurrency() string {
	if p.IsShort() {
		return p.SrcCurrency
	}
	return p.DstCurrency
}

// Order 按 ID 查找关联订单
func (p *Position) Order(orderID string) *Order {
	for _, o := range p.Orders {
		if o.ID == orderID {
			return o
		}
	}
	return nil
}

// LiquidationRequest 按 ID 查找关联强平请求
func (p *Position) LiquidationRequest(id string) *LiquidationRequest {
	for _, r := range p.LiquidationRequests {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// OpenSideOrders 与持仓同向的订单
func (p *Position) OpenSideOrders() []*Order {
	out := make([]*Order, 0, len(p.Orders))
	for _, o := range p.Orders {
		if o.Side == p.Side {
			out = append(out, o)
		}
	}
	return out
}

// CloseSideOrders 与持仓反向的订单
func (p *Position) CloseSideOrders() []*Order {
	out := make([]*Order, 0, len(p.Orders))
	for _, o := range p.Orders {
		if o.Side != p.Side {
			out = append(out, o)
		}
	}
	return out
}

// HasOpenLiquidationRequest 是否存在进行中的强平请求
func (p *Position) HasOpenLiquidationRequest() bool {
	for _, r := range p.LiquidationRequests {
		if r.IsOpen() {
			return true
		}
	}
	return false
}

func (p *Position) systemSettledAmount() decimal.Decimal {
	total := zero
	for _, r := range p.LiquidationRequests {
		total = total.Add(r.FilledAmount)
	}
	return total
}

// systemSettledTotalPrice 强平成交对已实现金额的贡献，买入为负，卖出为正
func (p *Position) systemSettledTotalPrice() decimal.Decimal {
	total := zero
	for _, r := range p.LiquidationRequests {
		if r.IsSell() {
			total = total.Add(r.FilledTotalPrice)
		} else {
			total = total.Sub(r.FilledTotalPrice)
		}
	}
	return total
}

// SetDelegatedAmount 重算委托量。返回 true 表示买卖两侧都有成交而委托量为零且两侧偏差明显，需要人工核查
func (p *Position) SetDelegatedAmount() bool {
	sold, bought := zero, zero
	for _, o := range p.Orders {
		if o.IsSell() {
			sold = sold.Add(o.MatchedAmount)
		} else {
			bought = bought.Add(o.MatchedAmount.Sub(o.Fee))
		}
	}
	if p.IsShort() {
		bought = bought.Add(p.systemSettledAmount())
		p.DelegatedAmount = maxDecimal(sold.Sub(bought), zero)
	} else {
		sold = sold.Add(p.systemSettledAmount())
		p.DelegatedAmount = maxDecimal(bought.Sub(sold), zero)
	}
	if sold.IsZero() || bought.IsZero() || !p.DelegatedAmount.IsZero() {
		return false
	}
	return sold.Div(bought).Sub(one).Abs().Round(2).GreaterThan(zero)
}

// Liability 当前负债
func (p *Position) Liability() decimal.Decimal {
	return p.calculator().Liability(p)
}

// SetEarnedAmount 重算已实现金额 (dst)
func (p *Position) SetEarnedAmount() {
	earned := zero
	for _, o := range p.Orders {
		if o.IsSell() {
			earned = earned.Add(o.MatchedTotalPrice.Sub(o.Fee))
		} else {
			earned = earned.Sub(o.MatchedTotalPrice)
		}
	}
	p.EarnedAmount = earned.Add(p.systemSettledTotalPrice())
}

// SetEntryPrice 开仓方向成交均价
func (p *Position) SetEntryPrice() {
	amount, total := zero, zero
	for _, o := range p.OpenSideOrders() {
		amount = amount.Add(o.MatchedAmount)
		total = total.Add(o.MatchedTotalPrice)
	}
	if amount.IsZero() {
		p.EntryPrice = zero
		return
	}
	p.EntryPrice = RoundPrice(total.Div(amount), p.PricePrecision)
}

// SetExitPrice 平仓方向 (含强平) 成交均价
func (p *Position) SetExitPrice() {
	amount, total := zero, zero
	for _, o := range p.CloseSideOrders() {
		amount = amount.Add(o.MatchedAmount)
		total = total.Add(o.MatchedTotalPrice)
	}
	for _, r := range p.LiquidationRequests {
		amount = amount.Add(r.FilledAmount)
		total = total.Add(r.FilledTotalPrice)
	}
	if amount.IsZero() {
		p.ExitPrice = zero
		return
	}
	p.ExitPrice = RoundPrice(total.Div(amount), p.PricePrecision)
}

// SetLiquidationPrice 负债为零或已强平时保留原值
func (p *Position) SetLiquidationPrice(mmr decimal.Decimal) {
	liability := p.Liability()
	if MoneyIsZero(liability) || p.Status == PositionStatusLiquidated {
		return
	}
	p.LiquidationPrice = RoundPrice(p.calculator().LiquidationPrice(p, mmr), p.PricePrecision)
}

// InitialMarginRatio 1 + 1/leverage，向下取两位
func (p *Position) InitialMarginRatio() decimal.Decimal {
	return one.Add(one.Div(p.Leverage)).RoundDown(2)
}

// MarginRatio 按市场价计算的保证金率，上限 9.99，向下取两位；价格缺失时返回 false
func (p *Position) MarginRatio(price decimal.Decimal) (decimal.Decimal, bool) {
	if !price.IsPositive() {
		return zero, false
	}
	ratio, ok := p.calculator().MarginRatio(p, price)
	if !ok {
		return MaxMarginRatio, true
	}
	return minDecimal(ratio, MaxMarginRatio).RoundDown(2), true
}

// TotalAsset 以 dst 计的总资产
func (p *Position) TotalAsset(price decimal.Decimal) decimal.Decimal {
	return p.calculator().TotalAsset(p, price)
}

// UnrealizedPNL 按市场价估算的用户盈亏
func (p *Position) UnrealizedPNL(price decimal.Decimal, now time.Time, limit int, loc *time.Location) decimal.Decimal {
	if !price.IsPositive() {
		return zero
	}
	return p.UserPNL(p.calculator().UnrealizedTotalPNL(p, price), now, limit, loc)
}

// LiabilityInOrder 挂单中的平仓数量，OCO 两腿只计一次
func (p *Position) LiabilityInOrder() decimal.Decimal {
	return p.closingInOrder((*Order).UnmatchedAmount)
}

// AssetInOrder 挂单中的平仓金额，OCO 两腿取较大者
func (p *Position) AssetInOrder() decimal.Decimal {
	return p.closingInOrder((*Order).UnmatchedTotalPrice)
}

// closingInOrder 汇总挂单中的平仓订单，两腿都在挂单的 OCO 按较大一腿计
func (p *Position) closingInOrder(value func(*Order) decimal.Decimal) decimal.Decimal {
	total := zero
	counted := make(map[string]bool)
	for _, o := range p.CloseSideOrders() {
		if !o.IsActive() || counted[o.ID] {
			continue
		}
		counted[o.ID] = true
		v := value(o)
		if o.PairID != "" {
			if pair := p.Order(o.PairID); pair != nil && pair.IsActive() && !counted[pair.ID] {
				counted[pair.ID] = true
				v = maxDecimal(v, value(pair))
			}
		}
		total = total.Add(v)
	}
	return total
}

// DelegationTotalPrice 委托量按开仓均价折算的 dst 金额
func (p *Position) DelegationTotalPrice() decimal.Decimal {
	return p.DelegatedAmount.Mul(p.EntryPrice)
}

// ExpirationDate 参考时间 (首次成交时间，未成交时取创建时间) 所在日期加上展期上限再加一天
func (p *Position) ExpirationDate(limit int, loc *time.Location) time.Time {
	ref := p.CreatedAt
	if p.OpenedAt != nil {
		ref = *p.OpenedAt
	}
	return dateOf(ref, loc).AddDate(0, 0, limit+1)
}

// SetStatus 状态机：
//
//	new ---> canceled
//	   `---> open ---> closed
//	   `         `---> liquidated
//	   `---------`===> expired
func (p *Position) SetStatus(ctx context.Context, policy StatusPolicy) error {
	if p.Status == PositionStatusNew {
		if p.anyOrderMatched() {
			if err := p.transition(ctx, eventOpen, PositionStatusOpen); err != nil {
				return err
			}
		} else if p.allOrdersCanceled() {
			if err := p.transition(ctx, eventCancel, PositionStatusCanceled); err != nil {
				return err
			}
		}
	}
	if p.Status == PositionStatusOpen {
		if MoneyIsZero(p.Liability()) && p.allOrdersClosed() {
			if err := p.transition(ctx, eventClose, PositionStatusClosed); err != nil {
				return err
			}
		} else if policy.Quote != nil && policy.Guard.Triggered(p, *policy.Quote) {
			if err := p.transition(ctx, eventLiquidate, PositionStatusLiquidated); err != nil {
				return err
			}
		}
	}
	if p.Status.IsOngoing() && !dateOf(policy.Now, policy.Location).Before(p.ExpirationDate(policy.ExtensionLimit, policy.Location)) {
		if err := p.transition(ctx, eventExpire, PositionStatusExpired); err != nil {
			return err
		}
	}
	return nil
}

// Liquidate 强平扫描触发，仅 open 状态有效
func (p *Position) Liquidate(ctx context.Context, now time.Time) error {
	if err := p.transition(ctx, eventLiquidate, PositionStatusLiquidated); err != nil {
		return err
	}
	p.SetFreezedAt(now)
	return nil
}

// Expire 到期或保证金不足以支付展期费
func (p *Position) Expire(ctx context.Context, now time.Time) error {
	if err := p.transition(ctx, eventExpire, PositionStatusExpired); err != nil {
		return err
	}
	p.SetFreezedAt(now)
	return nil
}

func (p *Position) anyOrderMatched() bool {
	for _, o := range p.Orders {
		if o.MatchedAmount.IsPositive() {
			return true
		}
	}
	return false
}

func (p *Position) allOrdersCanceled() bool {
	for _, o := range p.Orders {
		if o.Status != OrderStatusCanceled {
			return false
		}
	}
	return true
}

func (p *Position) allOrdersClosed() bool {
	for _, o := range p.Orders {
		if !o.IsClosed() {
			return false
		}
	}
	return true
}

// SetOpenedAt 开仓方向最早成交时间
func (p *Position) SetOpenedAt() {
	if p.OpenedAt != nil || p.Status == PositionStatusNew {
		return
	}
	var first *time.Time
	for _, o := range p.OpenSideOrders() {
		if o.FirstMatchedAt != nil && (first == nil || o.FirstMatchedAt.Before(*first)) {
			first = o.FirstMatchedAt
		}
	}
	if first != nil {
		t := *first
		p.OpenedAt = &t
	}
}

// SetClosedAt 负债清零后的平仓时间：有强平请求时取其最后更新时间，否则取平仓方向最后成交时间
func (p *Position) SetClosedAt() {
	if p.ClosedAt != nil || p.Status.IsOngoing() || !MoneyIsZero(p.Liability()) {
		return
	}
	var last *time.Time
	if len(p.LiquidationRequests) > 0 {
		for _, r := range p.LiquidationRequests {
			if last == nil || r.UpdatedAt.After(*last) {
				t := r.UpdatedAt
				last = &t
			}
		}
	} else {
		for _, o := range p.CloseSideOrders() {
			if o.LastMatchedAt != nil && (last == nil || o.LastMatchedAt.After(*last)) {
				last = o.LastMatchedAt
			}
		}
	}
	if last != nil {
		t := *last
		p.ClosedAt = &t
	}
}

// SetFreezedAt 强平或到期时冻结持仓
func (p *Position) SetFreezedAt(now time.Time) {
	if p.FreezedAt != nil {
		return
	}
	if p.Status == PositionStatusLiquidated || p.Status == PositionStatusExpired {
		t := now
		p.FreezedAt = &t
	}
}

// IsSettled 盈亏已结算
func (p *Position) IsSettled() bool {
	return p.PNL.Valid
}

// NeedsPNL 终态、负债清零且没有仍在途的订单或强平请求，尚未结算
func (p *Position) NeedsPNL() bool {
	return !p.IsSettled() && p.Status.IsTerminal() && MoneyIsZero(p.Liability()) && !p.HasPendingExecution()
}

// HasPendingExecution 存在挂单中的订单或进行中的强平请求
func (p *Position) HasPendingExecution() bool {
	for _, o := range p.Orders {
		if o.IsActive() {
			return true
		}
	}
	return p.HasOpenLiquidationRequest()
}

// ActiveUserOrders 用户渠道仍在挂单的订单
func (p *Position) ActiveUserOrders() []*Order {
	var out []*Order
	for _, o := range p.Orders {
		if o.IsActive() && !o.IsPlacedBySystem() {
			out = append(out, o)
		}
	}
	return out
}

// NeedsSystemSettlement 终态但仍有负债，需要系统撤单并发起强平
func (p *Position) NeedsSystemSettlement() bool {
	return !p.IsSettled() && p.Status.IsTerminal() && !MoneyIsZero(p.Liability())
}

// RecalcResult 一次重算的结果
type RecalcResult struct {
	PreviousStatus PositionStatus
	DoubleSpend    bool
}

// StatusChanged 本次重算是否改变了状态
func (r RecalcResult) StatusChanged(p *Position) bool {
	return r.PreviousStatus != p.Status
}

// Recalculate 由订单与强平请求重算全部派生字段
func (p *Position) Recalculate(ctx context.Context, mmr decimal.Decimal, policy StatusPolicy) (RecalcResult, error) {
	res := RecalcResult{PreviousStatus: p.Status}
	if p.IsSettled() {
		res.DoubleSpend = p.SetDelegatedAmount()
		return res, p.CheckInvariants()
	}
	res.DoubleSpend = p.SetDelegatedAmount()
	p.SetEarnedAmount()
	p.SetEntryPrice()
	p.SetExitPrice()
	p.SetLiquidationPrice(mmr)
	if err := p.SetStatus(ctx, policy); err != nil {
		return res, err
	}
	p.SetOpenedAt()
	p.SetClosedAt()
	p.SetFreezedAt(policy.Now)
	p.UpdatedAt = policy.Now
	return res, p.CheckInvariants()
}

// CheckInvariants 校验账本不变量
func (p *Position) CheckInvariants() error {
	if p.Collateral.IsNegative() {
		return NewInvariantError(p.ID, "negative collateral %s", p.Collateral)
	}
	if p.DelegatedAmount.IsNegative() {
		return NewInvariantError(p.ID, "negative delegated amount %s", p.DelegatedAmount)
	}
	if p.Status == PositionStatusClosed && !MoneyIsZero(p.Liability()) {
		return NewInvariantError(p.ID, "closed with liability %s", p.Liability())
	}
	if p.IsSettled() && !MoneyIsZero(p.Liability()) {
		return NewInvariantError(p.ID, "settled with liability %s", p.Liability())
	}
	return nil
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
