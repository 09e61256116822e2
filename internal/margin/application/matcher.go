package application

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// PositionMatcher 消费撮合引擎的成交、撤单回报与强平服务回报，更新持仓并决定状态转换
type PositionMatcher struct {
	*processor
}

// NewPositionMatcher 创建持仓撮合器
func NewPositionMatcher(deps Dependencies) *PositionMatcher {
	return &PositionMatcher{processor: newProcessor(deps)}
}

// OnOrderMatched 处理一笔成交。TradeID 已处理过时不做任何变更
func (m *PositionMatcher) OnOrderMatched(ctx context.Context, ev domain.OrderMatchedEvent) (*Result, error) {
	at := m.eventTime(ev.MatchedAt)
	return m.withPosition(ctx, ev.PositionID, func(ctx context.Context, p *domain.Position, intents *domain.Intents) (bool, error) {
		o := p.Order(ev.OrderID)
		if o == nil {
			return false, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, ev.OrderID)
		}
		market, err := m.Markets.Get(p.Symbol)
		if err != nil {
			return false, err
		}
		fee := o.TradeFee(ev.Amount, ev.Price, market.FeeRate(ev.IsMaker))
		created, err := m.Repo.SaveMatch(ctx, &domain.OrderMatch{
			TradeID:    ev.TradeID,
			OrderID:    o.ID,
			PositionID: p.ID,
			Amount:     ev.Amount,
			Price:      ev.Price,
			Fee:        fee,
			IsMaker:    ev.IsMaker,
			MatchedAt:  at,
		})
		if err != nil {
			return false, fmt.Errorf("failed to save match %s: %w", ev.TradeID, err)
		}
		if !created {
			m.Logger.DebugContext(ctx, "duplicate trade ignored", "trade_id", ev.TradeID, "position_id", p.ID)
			return false, nil
		}
		if p.IsSettled() {
			return false, domain.NewInvariantError(p.ID, "trade %s on order %s arrived after settlement", ev.TradeID, o.ID)
		}

		wasCanceled := o.Status == domain.OrderStatusCanceled
		reserved := o.TakePoolReservation(ev.Amount)
		if err := o.ApplyMatch(ev.Amount, ev.Price, fee, at); err != nil {
			return false, err
		}
		if wasCanceled {
			m.Logger.WarnContext(ctx, "late fill on canceled order", "order_id", o.ID, "position_id", p.ID, "amount", ev.Amount.String())
		}
		if reserved.IsPositive() {
			if err := m.Pools.Release(ctx, p.PoolCurrency(), reserved); err != nil {
				return false, fmt.Errorf("failed to release pool reservation: %w", err)
			}
		}
		if err := m.Repo.SaveOrder(ctx, o); err != nil {
			return false, fmt.Errorf("failed to save order %s: %w", o.ID, err)
		}

		total := ev.Amount.Mul(ev.Price)
		transfers := domain.PoolTradeTransfers(p, o.Side, ev.Amount, total, fee)
		if err := m.poolTransfers(ctx, p, transfers, "PoolTrade", ev.TradeID); err != nil {
			return false, err
		}
		if err := m.shrinkPair(ctx, p, o, ev.Amount, intents); err != nil {
			return false, err
		}
		return true, m.reconcile(ctx, p, m.quote(ctx, p.Symbol), intents)
	})
}

// OnOrderCanceled 处理撤单回报：释放未成交部分对应的保证金与资金池额度
func (m *PositionMatcher) OnOrderCanceled(ctx context.Context, ev domain.OrderCanceledEvent) (*Result, error) {
	at := m.eventTime(ev.CanceledAt)
	return m.withPosition(ctx, ev.PositionID, func(ctx context.Context, p *domain.Position, intents *domain.Intents) (bool, error) {
		o := p.Order(ev.OrderID)
		if o == nil {
			return false, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, ev.OrderID)
		}
		if !o.Cancel(at) {
			return false, nil
		}
		if !ev.UnmatchedAmount.IsZero() && !ev.UnmatchedAmount.Equal(o.UnmatchedAmount()) {
			m.Metrics.CancelMismatches.Inc()
			m.Logger.WarnContext(ctx, "canceled unmatched amount differs from local order", "order_id", o.ID, "position_id", p.ID,
				"reported", ev.UnmatchedAmount.String(), "local", o.UnmatchedAmount().String())
		}
		var pair *domain.Order
		if o.PairID != "" {
			pair = p.Order(o.PairID)
		}

		released := p.ReleaseOnCancel(o, pair)
		if released.IsPositive() && !p.IsSettled() {
			if err := m.Wallets.Unblock(ctx, p.UserID, p.DstCurrency, released); err != nil {
				return false, fmt.Errorf("failed to unblock collateral: %w", err)
			}
		}

		reserved := o.ReleasePoolReservation()
		switch {
		case !reserved.IsPositive():
		case pair != nil && pair.IsActive():
			// 额度转给仍在挂单的配对订单
			pair.PoolReserved = pair.PoolReserved.Add(reserved)
			if err := m.Repo.SaveOrder(ctx, pair); err != nil {
				return false, fmt.Errorf("failed to save order %s: %w", pair.ID, err)
			}
		default:
			if err := m.Pools.Release(ctx, p.PoolCurrency(), reserved); err != nil {
				return false, fmt.Errorf("failed to release pool reservation: %w", err)
			}
		}
		if err := m.Repo.SaveOrder(ctx, o); err != nil {
			return false, fmt.Errorf("failed to save order %s: %w", o.ID, err)
		}
		m.Logger.InfoContext(ctx, "order canceled", "order_id", o.ID, "position_id", p.ID,
			"released_collateral", released.String(), "released_pool", reserved.String())
		return true, m.reconcile(ctx, p, m.quote(ctx, p.Symbol), intents)
	})
}

// OnLiquidationUpdated 处理强平服务的累计成交回报。本轮完成但仍有负债时自动发起下一轮
func (m *PositionMatcher) OnLiquidationUpdated(ctx context.Context, ev domain.LiquidationUpdatedEvent) (*Result, error) {
	at := m.eventTime(ev.UpdatedAt)
	return m.withPosition(ctx, ev.PositionID, func(ctx context.Context, p *domain.Position, intents *domain.Intents) (bool, error) {
		req := p.LiquidationRequest(ev.LiquidationRequestID)
		if req == nil {
			return false, fmt.Errorf("%w: %s", domain.ErrLiquidationNotFound, ev.LiquidationRequestID)
		}
		prevAmount, prevTotal := req.FilledAmount, req.FilledTotalPrice
		changed, err := req.ApplyUpdate(ev.FilledAmount, ev.FilledTotalPrice, ev.Done && !ev.Canceled, at)
		if err != nil {
			return false, err
		}
		// 强平服务放弃本轮：保留已成交部分，剩余负债由下一轮承接
		if ev.Canceled && req.Cancel(at) {
			changed = true
			m.Logger.WarnContext(ctx, "liquidation request canceled by liquidator", "position_id", p.ID, "request_id", req.ID,
				"filled_amount", req.FilledAmount.String(), "amount", req.Amount.String())
		}
		if !changed {
			return false, nil
		}
		deltaAmount := req.FilledAmount.Sub(prevAmount)
		deltaTotal := req.FilledTotalPrice.Sub(prevTotal)
		if !deltaAmount.IsZero() || !deltaTotal.IsZero() {
			transfers := domain.PoolTradeTransfers(p, req.Side, deltaAmount, deltaTotal, decimal.Zero)
			refID := req.ID + ":" + req.FilledAmount.String() + ":" + req.FilledTotalPrice.String()
			if err := m.poolTransfers(ctx, p, transfers, "LiquidationFill", refID); err != nil {
				return false, err
			}
		}
		if err := m.Repo.SaveLiquidationRequest(ctx, req); err != nil {
			return false, fmt.Errorf("failed to save liquidation request %s: %w", req.ID, err)
		}
		m.Logger.InfoContext(ctx, "liquidation request updated", "position_id", p.ID, "request_id", req.ID,
			"filled_amount", req.FilledAmount.String(), "status", req.Status)
		return true, m.reconcile(ctx, p, nil, intents)
	})
}

// Recompute 重新计算持仓并推进结算，供管理循环补偿未完成的结算
func (m *PositionMatcher) Recompute(ctx context.Context, positionID string) (*Result, error) {
	return m.withPosition(ctx, positionID, func(ctx context.Context, p *domain.Position, intents *domain.Intents) (bool, error) {
		if p.Status.IsTerminal() && !p.NeedsPNL() && p.HasPendingExecution() && len(p.ActiveUserOrders()) == 0 {
			return false, nil
		}
		var quote *domain.PriceQuote
		if p.Status.IsOngoing() {
			quote = m.quote(ctx, p.Symbol)
		}
		return true, m.reconcile(ctx, p, quote, intents)
	})
}

// shrinkPair OCO 一腿成交后按成交量收缩另一腿，收缩至无可成交数量时请求撤单
func (m *PositionMatcher) shrinkPair(ctx context.Context, p *domain.Position, o *domain.Order, amount decimal.Decimal, intents *domain.Intents) error {
	if o.PairID == "" {
		return nil
	}
	pair := p.Order(o.PairID)
	if pair == nil || !pair.IsActive() {
		return nil
	}
	now := m.Clock.Now()
	newAmount := pair.Amount.Sub(amount)
	if newAmount.LessThanOrEqual(pair.MatchedAmount) {
		pair.Amount = pair.MatchedAmount
		intents.Add(domain.OrderCancelRequestedEventType, p.ID, domain.OrderCancelRequestedEvent{
			OrderID:    pair.ID,
			PositionID: p.ID,
			Reason:     "oco_pair_filled",
			OccurredOn: now,
		})
	} else {
		pair.Amount = newAmount
		intents.Add(domain.OrderAmendRequestedEventType, p.ID, domain.OrderAmendRequestedEvent{
			OrderID:    pair.ID,
			PositionID: p.ID,
			Amount:     newAmount,
			OccurredOn: now,
		})
	}
	pair.UpdatedAt = now
	if err := m.Repo.SaveOrder(ctx, pair); err != nil {
		return fmt.Errorf("failed to save order %s: %w", pair.ID, err)
	}
	return nil
}

// poolTransfers 记录资金池管理员的成交流水，(RefModule, RefID) 保证重放不重复记账
func (pr *processor) poolTransfers(ctx context.Context, p *domain.Position, transfers [2]domain.PoolTransfer, module, refID string) error {
	pool, err := pr.Pools.GetPool(ctx, p.PoolCurrency())
	if err != nil {
		return fmt.Errorf("failed to load pool %s: %w", p.PoolCurrency(), err)
	}
	for _, t := range transfers {
		if t.Amount.IsZero() {
			continue
		}
		_, err := pr.Wallets.CreateTransaction(ctx, &domain.Transaction{
			ID:        pr.Clock.NewID(),
			UserID:    pool.ManagerID,
			Currency:  t.Currency,
			Kind:      domain.TxKindPoolTrade,
			Amount:    t.Amount,
			RefModule: module + ":" + t.Currency,
			RefID:     refID,
			CreatedAt: pr.Clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("failed to create pool transaction: %w", err)
		}
	}
	return nil
}

func (pr *processor) eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return pr.Clock.Now()
	}
	return t
}
