package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
	"github.com/wyfcoding/marginengine/pkg/metrics"
	"github.com/wyfcoding/pkg/contextx"
)

// Dependencies 保证金引擎各服务共享的依赖
type Dependencies struct {
	Repo      domain.PositionRepository
	Wallets   domain.WalletLedger
	Pools     domain.PoolLedger
	Prices    domain.PriceSource
	Publisher domain.EventPublisher
	Markets   *domain.MarketCatalog
	Locker    domain.Locker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Settings  Settings
	Clock     Clock
}

// Result 一次持仓处理的结果
type Result struct {
	PositionID string
	Status     domain.PositionStatus
	// Applied 为 false 表示事件是重放，持仓未变化
	Applied bool
	Intents domain.Intents
}

// processor 在持仓行锁内完成重算、结算与意图发布
type processor struct {
	Dependencies
	settler    *Settler
	dispatcher *LiquidationDispatcher
}

func newProcessor(deps Dependencies) *processor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock.Now == nil || deps.Clock.NewID == nil {
		deps.Clock = SystemClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("margin")
	}
	if deps.Settings.Location == nil {
		deps.Settings.Location = time.Local
	}
	p := &processor{Dependencies: deps}
	p.settler = &Settler{processor: p}
	p.dispatcher = &LiquidationDispatcher{processor: p}
	return p
}

// withPosition 加锁读取持仓并在同一事务内执行 fn，fn 返回 false 表示无需落库 (重放)
func (pr *processor) withPosition(ctx context.Context, positionID string, fn func(ctx context.Context, p *domain.Position, intents *domain.Intents) (bool, error)) (*Result, error) {
	res := &Result{PositionID: positionID}
	err := pr.Repo.WithTx(ctx, func(txCtx context.Context) error {
		p, err := pr.Repo.FindByIDForUpdate(txCtx, positionID)
		if err != nil {
			return err
		}
		var intents domain.Intents
		applied, err := fn(txCtx, p, &intents)
		if err != nil {
			return err
		}
		res.Status = p.Status
		if !applied {
			return nil
		}
		if err := pr.Repo.Save(txCtx, p); err != nil {
			return fmt.Errorf("failed to save position %s: %w", p.ID, err)
		}
		if err := pr.publish(txCtx, intents); err != nil {
			return err
		}
		res.Applied = true
		res.Status = p.Status
		res.Intents = intents
		return nil
	})
	if err != nil {
		pr.reportError(ctx, positionID, err)
		return nil, err
	}
	return res, nil
}

// reconcile 重算派生字段，并按结果结算或发起系统平仓
func (pr *processor) reconcile(ctx context.Context, p *domain.Position, quote *domain.PriceQuote, intents *domain.Intents) error {
	now := pr.Clock.Now()
	res, err := p.Recalculate(ctx, pr.Settings.MaintenanceMarginRatio, pr.Settings.policy(now, quote))
	if err != nil {
		return err
	}
	if res.DoubleSpend {
		pr.Metrics.DoubleSpendWarnings.Inc()
		pr.Logger.WarnContext(ctx, "possible double spend on position", "position_id", p.ID, "symbol", p.Symbol)
		intents.Add(domain.NotificationEventType, p.ID, domain.NotificationEvent{
			PositionID: p.ID,
			Template:   domain.TemplateAdminAlert,
			Data:       map[string]string{"reason": "double_spend"},
			OccurredOn: now,
		})
	}
	if res.StatusChanged(p) {
		pr.Logger.InfoContext(ctx, "position status changed", "position_id", p.ID, "from", res.PreviousStatus, "to", p.Status)
	}
	intents.Add(domain.PositionUpdatedEventType, p.ID, positionUpdated(p, res.PreviousStatus, now))
	return pr.finish(ctx, p, intents)
}

// finish 终态持仓：可结算则结算，否则撤单或发起强平
func (pr *processor) finish(ctx context.Context, p *domain.Position, intents *domain.Intents) error {
	if p.NeedsPNL() {
		return pr.settler.Settle(ctx, p, intents)
	}
	if p.Status.IsTerminal() && !p.IsSettled() {
		return pr.dispatcher.SettleInSystem(ctx, p, intents)
	}
	return nil
}

// quote 读取交易对当前报价，价格不可用时返回 nil
func (pr *processor) quote(ctx context.Context, symbol string) *domain.PriceQuote {
	if pr.Prices == nil {
		return nil
	}
	last, err := pr.Prices.LastTradePrice(ctx, symbol)
	if err != nil || !last.IsPositive() {
		return nil
	}
	mark, err := pr.Prices.MarkPrice(ctx, symbol)
	if err != nil {
		mark = decimal.Zero
	}
	q := domain.QuoteFromLast(last, mark)
	return &q
}

func (pr *processor) publish(ctx context.Context, intents domain.Intents) error {
	if pr.Publisher == nil {
		return nil
	}
	tx := contextx.GetTx(ctx)
	for _, in := range intents {
		if err := pr.Publisher.PublishInTx(ctx, tx, in.Type, in.Key, in.Payload); err != nil {
			return fmt.Errorf("failed to publish %s: %w", in.Type, err)
		}
	}
	return nil
}

func (pr *processor) reportError(ctx context.Context, positionID string, err error) {
	var invErr *domain.InvariantError
	switch {
	case errors.As(err, &invErr):
		pr.Metrics.InvariantViolations.Inc()
		pr.Logger.ErrorContext(ctx, "margin invariant violated, automatic settlement halted", "position_id", positionID, "reason", invErr.Reason)
	case domain.IsBusinessError(err):
		pr.Logger.InfoContext(ctx, "margin operation rejected", "position_id", positionID, "error", err)
	default:
		pr.Logger.ErrorContext(ctx, "margin operation failed", "position_id", positionID, "error", err)
	}
}

func positionUpdated(p *domain.Position, old domain.PositionStatus, now time.Time) domain.PositionUpdatedEvent {
	return domain.PositionUpdatedEvent{
		PositionID:       p.ID,
		UserID:           p.UserID,
		Symbol:           p.Symbol,
		Side:             p.Side,
		OldStatus:        old,
		Status:           p.Status,
		Collateral:       p.Collateral,
		Liability:        p.Liability(),
		EarnedAmount:     p.EarnedAmount,
		LiquidationPrice: p.LiquidationPrice,
		OccurredOn:       now,
	}
}
