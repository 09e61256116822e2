package application

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// Settler 终态持仓的盈亏结算：用户、资金池管理员与系统账户之间的划转在持仓行锁所在事务内完成
type Settler struct {
	processor *processor
}

// Settle 结算盈亏并解冻保证金，调用方须持有持仓行锁
func (s *Settler) Settle(ctx context.Context, p *domain.Position, intents *domain.Intents) error {
	pr := s.processor
	now := pr.Clock.Now()

	wallet, err := pr.Wallets.Wallet(ctx, p.UserID, p.DstCurrency)
	if err != nil {
		return fmt.Errorf("failed to load wallet of user %s: %w", p.UserID, err)
	}
	plan, err := p.PlanSettlement(wallet.Balance, pr.Settings.ExtensionLimit, pr.Settings.Location)
	if err != nil {
		return err
	}
	pool, err := pr.Pools.GetPool(ctx, p.PoolCurrency())
	if err != nil {
		return fmt.Errorf("failed to load pool %s: %w", p.PoolCurrency(), err)
	}

	var pnlTxID string
	if !plan.PNL.IsZero() {
		tx, err := pr.Wallets.CreateTransaction(ctx, &domain.Transaction{
			ID:          pr.Clock.NewID(),
			UserID:      p.UserID,
			Currency:    p.DstCurrency,
			Kind:        domain.TxKindPNL,
			Amount:      plan.PNL,
			RefModule:   "PositionUserPNL",
			RefID:       p.ID,
			Description: pnlDescription(p, plan.PNL),
			CreatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("failed to create pnl transaction: %w", err)
		}
		pnlTxID = tx.ID
	}
	if err := s.transfer(ctx, pool.ManagerID, p, domain.TxKindPoolSettle, plan.PoolAmount, "PositionPoolPNL"); err != nil {
		return err
	}
	switch {
	case plan.Residual.IsPositive():
		err = s.transfer(ctx, pr.Settings.SystemPoolProfitUserID, p, domain.TxKindPoolProfit, plan.Residual, "PositionPoolProfit")
	case plan.Residual.IsNegative():
		err = s.transfer(ctx, pr.Settings.SystemFixUserID, p, domain.TxKindSystemFix, plan.Residual, "PositionSystemFix")
	}
	if err != nil {
		return err
	}
	if plan.Unblock.IsPositive() {
		if err := pr.Wallets.Unblock(ctx, p.UserID, p.DstCurrency, plan.Unblock); err != nil {
			return fmt.Errorf("failed to unblock collateral: %w", err)
		}
	}

	p.ApplySettlement(plan, pnlTxID, now)
	if call, err := pr.Repo.GetActiveMarginCall(ctx, p.ID); err != nil {
		return fmt.Errorf("failed to load margin call: %w", err)
	} else if call != nil {
		call.Solve(now)
		if err := pr.Repo.SaveMarginCall(ctx, call); err != nil {
			return fmt.Errorf("failed to solve margin call: %w", err)
		}
	}

	if plan.CollateralShortfall || plan.BalanceShortfall {
		pr.Logger.WarnContext(ctx, "position settled with shortfall", "position_id", p.ID,
			"earned", p.EarnedAmount.String(), "collateral", p.Collateral.String(),
			"collateral_shortfall", plan.CollateralShortfall, "balance_shortfall", plan.BalanceShortfall)
		intents.Add(domain.NotificationEventType, p.ID, domain.NotificationEvent{
			PositionID: p.ID,
			Template:   domain.TemplateAdminAlert,
			Data: map[string]string{
				"reason":   "pool_loss",
				"symbol":   p.Symbol,
				"pnl":      plan.PNL.String(),
				"residual": plan.Residual.String(),
			},
			OccurredOn: now,
		})
	}

	intents.Add(domain.PositionSettledEventType, p.ID, domain.PositionSettledEvent{
		PositionID: p.ID,
		UserID:     p.UserID,
		Status:     p.Status,
		PNL:        plan.PNL,
		Residual:   plan.Residual,
		OccurredOn: now,
	})
	if notice, ok := domain.CompletionNotice(p, now); ok {
		intents.Add(domain.NotificationEventType, p.ID, notice)
	}

	var interval time.Duration
	if p.ClosedAt != nil && p.FreezedAt != nil {
		interval = p.ClosedAt.Sub(*p.FreezedAt)
	}
	pr.Metrics.RecordSettlement(string(p.Status), interval)
	pr.Logger.InfoContext(ctx, "position settled", "position_id", p.ID, "status", p.Status,
		"pnl", plan.PNL.String(), "residual", plan.Residual.String())
	return nil
}

func (s *Settler) transfer(ctx context.Context, userID string, p *domain.Position, kind domain.TransactionKind, amount decimal.Decimal, ref string) error {
	if amount.IsZero() {
		return nil
	}
	pr := s.processor
	_, err := pr.Wallets.CreateTransaction(ctx, &domain.Transaction{
		ID:        pr.Clock.NewID(),
		UserID:    userID,
		Currency:  p.DstCurrency,
		Kind:      kind,
		Amount:    amount,
		RefModule: ref,
		RefID:     p.ID,
		CreatedAt: pr.Clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to create %s transaction for %s: %w", kind, userID, err)
	}
	return nil
}

func pnlDescription(p *domain.Position, pnl decimal.Decimal) string {
	side := "long"
	if p.IsShort() {
		side = "short"
	}
	if pnl.IsPositive() {
		return fmt.Sprintf("%s %s position profit", side, p.SrcCurrency)
	}
	return fmt.Sprintf("%s %s position loss settlement", side, p.SrcCurrency)
}
