package application

import (
	"context"
	"time"

	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// Manager 持仓管理循环：强平扫描、到期清理、展期费、追保提醒与补偿结算
type Manager struct {
	*processor
	matcher     *PositionMatcher
	scanner     *LiquidationScanner
	expiry      *ExpiryCron
	marginCalls *MarginCallJob
}

// RunOnce 执行一轮管理，单个持仓的失败只计入统计，不中断本轮
func (m *Manager) RunOnce(ctx context.Context) *RunContext {
	start := time.Now()
	rc := NewRunContext(m.Clock.NewID(), m.Clock.Now(), m.Prices)

	for _, market := range m.Markets.All() {
		if !market.MarginEnabled {
			continue
		}
		if err := m.scanner.ScanMarket(ctx, rc, market); err != nil {
			m.Logger.ErrorContext(ctx, "liquidation scan failed", "run_id", rc.ID, "symbol", market.Symbol, "error", err)
			rc.count(func(t *Tallies) { t.Errors++ })
		}
	}
	if err := m.expiry.ExpirePositions(ctx, rc); err != nil {
		m.Logger.ErrorContext(ctx, "expire positions failed", "run_id", rc.ID, "error", err)
		rc.count(func(t *Tallies) { t.Errors++ })
	}
	if err := m.expiry.ChargeDailyFees(ctx, rc); err != nil {
		m.Logger.ErrorContext(ctx, "charge daily fees failed", "run_id", rc.ID, "error", err)
		rc.count(func(t *Tallies) { t.Errors++ })
	}
	for _, market := range m.Markets.All() {
		if !market.MarginEnabled {
			continue
		}
		if err := m.marginCalls.CheckMarket(ctx, rc, market); err != nil {
			m.Logger.ErrorContext(ctx, "margin call check failed", "run_id", rc.ID, "symbol", market.Symbol, "error", err)
			rc.count(func(t *Tallies) { t.Errors++ })
		}
	}
	m.settlePending(ctx, rc)

	m.Metrics.ManageRunDuration.Observe(time.Since(start).Seconds())
	t := rc.Tallies()
	m.Logger.InfoContext(ctx, "manage positions run finished", "run_id", rc.ID,
		"liquidated", t.Liquidated, "expired", t.Expired, "fees", t.FeesCharged,
		"margin_calls", t.MarginCalls, "settled", t.Settled, "errors", t.Errors,
		"duration", time.Since(start))
	return rc
}

// settlePending 推进已进入终态但尚未结算的持仓，补偿丢失或失败的事件
func (m *Manager) settlePending(ctx context.Context, rc *RunContext) {
	ids, err := m.Repo.ListUnsettled(ctx)
	if err != nil {
		m.Logger.ErrorContext(ctx, "failed to list unsettled positions", "run_id", rc.ID, "error", err)
		rc.count(func(t *Tallies) { t.Errors++ })
		return
	}
	for _, id := range ids {
		res, err := m.matcher.Recompute(ctx, id)
		if err != nil {
			rc.count(func(t *Tallies) { t.Errors++ })
			continue
		}
		if len(res.Intents.OfType(domain.PositionSettledEventType)) > 0 {
			rc.count(func(t *Tallies) { t.Settled++ })
		}
	}
}

// Start 按固定间隔持续运行，直到 ctx 取消
func (m *Manager) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Logger.Info("manage positions loop started", "interval", interval)
	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			m.Logger.Info("manage positions loop stopping...")
			return nil
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}
