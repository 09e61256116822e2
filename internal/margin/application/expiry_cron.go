package application

import (
	"context"
	"fmt"
	"time"

	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// ExpiryCron 到期持仓清理与每日展期费
type ExpiryCron struct {
	*processor
}

// ExpirePositions 将超过展期上限的进行中持仓置为 expired 并交由系统平仓。
// 状态在行锁下复查，重复执行不会重复退款或重复强平。
func (c *ExpiryCron) ExpirePositions(ctx context.Context, rc *RunContext) error {
	loc := c.Settings.Location
	cutoff := domain.FeeDate(rc.Now, loc).AddDate(0, 0, -c.Settings.ExtensionLimit)
	ids, err := c.Repo.FindOpenPositionsOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to find expired positions: %w", err)
	}
	today := domain.FeeDate(rc.Now, loc)
	for _, id := range ids {
		res, err := c.withPosition(ctx, id, func(ctx context.Context, p *domain.Position, intents *domain.Intents) (bool, error) {
			if !p.Status.IsOngoing() || today.Before(p.ExpirationDate(c.Settings.ExtensionLimit, loc)) {
				return false, nil
			}
			if err := p.Expire(ctx, rc.Now); err != nil {
				return false, err
			}
			return true, c.reconcile(ctx, p, nil, intents)
		})
		if err != nil {
			rc.count(func(t *Tallies) { t.Errors++ })
			continue
		}
		if res.Applied {
			c.Metrics.ExpiredPositions.Inc()
			rc.count(func(t *Tallies) { t.Expired++ })
			c.Logger.InfoContext(ctx, "position expired", "run_id", rc.ID, "position_id", id, "status", res.Status)
		}
	}
	return nil
}

// ChargeDailyFees 对进行中持仓收取当日展期费，保证金不足以支付时直接到期
func (c *ExpiryCron) ChargeDailyFees(ctx context.Context, rc *RunContext) error {
	ids, err := c.Repo.ListOngoing(ctx)
	if err != nil {
		return fmt.Errorf("failed to list ongoing positions: %w", err)
	}
	for _, id := range ids {
		charged := false
		_, err := c.withPosition(ctx, id, func(ctx context.Context, p *domain.Position, intents *domain.Intents) (bool, error) {
			ok, err := c.chargeFee(ctx, rc, p)
			if err != nil || !ok {
				return false, err
			}
			charged = p.Status.IsOngoing()
			return true, c.reconcile(ctx, p, nil, intents)
		})
		if err != nil {
			rc.count(func(t *Tallies) { t.Errors++ })
			continue
		}
		if charged {
			rc.count(func(t *Tallies) { t.FeesCharged++ })
		}
	}
	return nil
}

// chargeFee 返回 false 表示今日无需收费或已收取
func (c *ExpiryCron) chargeFee(ctx context.Context, rc *RunContext, p *domain.Position) (bool, error) {
	loc := c.Settings.Location
	if !p.FeeDue(rc.Now, c.Settings.ExtensionLimit, loc) {
		return false, nil
	}
	market, err := c.Markets.Get(p.Symbol)
	if err != nil {
		return false, err
	}
	pool, err := c.Pools.GetPool(ctx, p.PoolCurrency())
	if err != nil {
		return false, fmt.Errorf("failed to load pool %s: %w", p.PoolCurrency(), err)
	}
	amount := p.ExtensionFeeAmount(market.FeeUnit, pool.PositionFeeRate)
	if !amount.IsPositive() {
		return false, nil
	}
	if amount.GreaterThan(p.Collateral) {
		c.Logger.InfoContext(ctx, "collateral cannot cover extension fee, expiring position", "position_id", p.ID,
			"fee", amount.String(), "collateral", p.Collateral.String())
		if err := p.Expire(ctx, rc.Now); err != nil {
			return false, err
		}
		c.Metrics.ExpiredPositions.Inc()
		rc.count(func(t *Tallies) { t.Expired++ })
		return true, nil
	}

	date := domain.FeeDate(rc.Now, loc)
	fee := &domain.PositionFee{
		ID:            c.Clock.NewID(),
		PositionID:    p.ID,
		Date:          date,
		Amount:        amount,
		TransactionID: c.Clock.NewID(),
		CreatedAt:     rc.Now,
	}
	created, err := c.Repo.SaveFee(ctx, fee)
	if err != nil {
		return false, fmt.Errorf("failed to save position fee: %w", err)
	}
	if !created {
		return false, nil
	}
	ref := p.ID + ":" + date.Format("2006-01-02")
	if err := c.Wallets.Unblock(ctx, p.UserID, p.DstCurrency, amount); err != nil {
		return false, fmt.Errorf("failed to unblock fee: %w", err)
	}
	if _, err := c.Wallets.CreateTransaction(ctx, &domain.Transaction{
		ID:          fee.TransactionID,
		UserID:      p.UserID,
		Currency:    p.DstCurrency,
		Kind:        domain.TxKindPositionFee,
		Amount:      amount.Neg(),
		RefModule:   "PositionFee",
		RefID:       ref,
		Description: "margin position extension fee",
		CreatedAt:   rc.Now,
	}); err != nil {
		return false, fmt.Errorf("failed to create fee transaction: %w", err)
	}
	if _, err := c.Wallets.CreateTransaction(ctx, &domain.Transaction{
		ID:        c.Clock.NewID(),
		UserID:    pool.ManagerID,
		Currency:  p.DstCurrency,
		Kind:      domain.TxKindPositionFee,
		Amount:    amount,
		RefModule: "PositionFeeIncome",
		RefID:     ref,
		CreatedAt: rc.Now,
	}); err != nil {
		return false, fmt.Errorf("failed to create fee income transaction: %w", err)
	}
	if err := p.ChargeFee(amount, c.Settings.MaintenanceMarginRatio, rc.Now); err != nil {
		return false, err
	}
	c.Metrics.PositionFees.Inc()
	c.Logger.InfoContext(ctx, "extension fee charged", "run_id", rc.ID, "position_id", p.ID, "amount", amount.String())
	return true, nil
}

// Start 按间隔执行到期清理与展期费，直到 ctx 取消
func (c *ExpiryCron) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Logger.Info("expiry cron started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			c.Logger.Info("expiry cron stopping...")
			return nil
		case <-ticker.C:
			rc := NewRunContext(c.Clock.NewID(), c.Clock.Now(), c.Prices)
			if err := c.ExpirePositions(ctx, rc); err != nil {
				c.Logger.ErrorContext(ctx, "expire positions failed", "run_id", rc.ID, "error", err)
			}
			if err := c.ChargeDailyFees(ctx, rc); err != nil {
				c.Logger.ErrorContext(ctx, "charge daily fees failed", "run_id", rc.ID, "error", err)
			}
		}
	}
}
