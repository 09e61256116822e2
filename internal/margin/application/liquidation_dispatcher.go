package application

import (
	"context"
	"fmt"

	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// LiquidationDispatcher 将终态持仓的剩余负债转为一轮或多轮强平请求
type LiquidationDispatcher struct {
	processor *processor
}

// OpenLiquidationRequest 为持仓剩余委托量发起一轮强平。已有进行中的请求时返回 ErrLiquidationInProgress
func (d *LiquidationDispatcher) OpenLiquidationRequest(ctx context.Context, p *domain.Position, intents *domain.Intents) (*domain.LiquidationRequest, error) {
	pr := d.processor
	if p.HasOpenLiquidationRequest() {
		return nil, domain.ErrLiquidationInProgress
	}
	if !p.DelegatedAmount.IsPositive() {
		return nil, domain.NewInvariantError(p.ID, "liquidation requested without delegated amount, liability %s", p.Liability())
	}
	pool, err := pr.Pools.GetPool(ctx, p.PoolCurrency())
	if err != nil {
		return nil, fmt.Errorf("failed to load pool %s: %w", p.PoolCurrency(), err)
	}

	now := pr.Clock.Now()
	req := domain.NewLiquidationRequest(pr.Clock.NewID(), p, pool.ManagerID, now)
	if err := pr.Repo.SaveLiquidationRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to save liquidation request: %w", err)
	}
	p.LiquidationRequests = append(p.LiquidationRequests, req)

	intents.Add(domain.LiquidationRequestedEventType, p.ID, domain.LiquidationRequestedEvent{
		LiquidationRequestID: req.ID,
		PositionID:           p.ID,
		PoolManagerID:        req.PoolManagerID,
		Symbol:               req.Symbol,
		Side:                 req.Side,
		Amount:               req.Amount,
		OccurredOn:           now,
	})
	pr.Metrics.LiquidationRequests.WithLabelValues(p.Symbol, string(req.Side)).Inc()
	pr.Logger.InfoContext(ctx, "liquidation request opened", "position_id", p.ID, "request_id", req.ID,
		"side", req.Side, "amount", req.Amount.String(), "round", len(p.LiquidationRequests))
	return req, nil
}

// SettleInSystem 终态持仓的系统处置：撤销用户挂单，等待在途成交，仍有负债时发起强平
func (d *LiquidationDispatcher) SettleInSystem(ctx context.Context, p *domain.Position, intents *domain.Intents) error {
	pr := d.processor
	if p.Status.IsOngoing() || p.IsSettled() {
		return nil
	}
	now := pr.Clock.Now()
	for _, o := range p.ActiveUserOrders() {
		intents.Add(domain.OrderCancelRequestedEventType, p.ID, domain.OrderCancelRequestedEvent{
			OrderID:    o.ID,
			PositionID: p.ID,
			Reason:     "position_" + string(p.Status),
			OccurredOn: now,
		})
	}
	if p.HasPendingExecution() {
		return nil
	}
	if domain.MoneyIsZero(p.Liability()) {
		return nil
	}
	_, err := d.OpenLiquidationRequest(ctx, p, intents)
	if err != nil && domain.IsBusinessError(err) {
		pr.Logger.DebugContext(ctx, "liquidation request skipped", "position_id", p.ID, "error", err)
		return nil
	}
	return err
}
