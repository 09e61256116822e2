package application

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// MarginCallJob 市场价接近强平价时提醒用户追加保证金
type MarginCallJob struct {
	*processor
}

// CheckMarket 检查交易对内所有 open 持仓。每个持仓同时至多一条未解除的提醒，价格远离后解除
func (j *MarginCallJob) CheckMarket(ctx context.Context, rc *RunContext, market *domain.Market) error {
	quote, ok := rc.Quote(ctx, market.Symbol)
	if !ok {
		return nil
	}
	positions, err := j.Repo.ListOpenBySymbol(ctx, market.Symbol)
	if err != nil {
		return fmt.Errorf("failed to list open positions of %s: %w", market.Symbol, err)
	}
	for _, p := range positions {
		price := quote.MinPrice
		if p.IsShort() {
			price = quote.MaxPrice
		}
		sent, err := j.check(ctx, rc, p, price)
		if err != nil {
			j.Logger.ErrorContext(ctx, "margin call check failed", "position_id", p.ID, "error", err)
			rc.count(func(t *Tallies) { t.Errors++ })
			continue
		}
		if sent {
			rc.count(func(t *Tallies) { t.MarginCalls++ })
		}
	}
	return nil
}

func (j *MarginCallJob) check(ctx context.Context, rc *RunContext, p *domain.Position, price decimal.Decimal) (bool, error) {
	sent := false
	err := j.Repo.WithTx(ctx, func(ctx context.Context) error {
		call, err := j.Repo.GetActiveMarginCall(ctx, p.ID)
		if err != nil {
			return err
		}
		need := p.NeedsMarginCall(price, j.Settings.MarginCallThresholdPercent)
		switch {
		case need && call == nil:
			call = domain.NewMarginCall(j.Clock.NewID(), p, price, rc.Now)
			call.MarkSent(rc.Now)
			if err := j.Repo.SaveMarginCall(ctx, call); err != nil {
				return err
			}
			var intents domain.Intents
			intents.Add(domain.NotificationEventType, p.ID, domain.NotificationEvent{
				UserID:     p.UserID,
				PositionID: p.ID,
				Template:   domain.TemplateMarginCall,
				Data: map[string]string{
					"symbol":            p.Symbol,
					"market_price":      price.String(),
					"liquidation_price": p.LiquidationPrice.String(),
					"diff_percent":      strconv.FormatInt(call.PriceDiffPercent(), 10),
				},
				OccurredOn: rc.Now,
			})
			if err := j.publish(ctx, intents); err != nil {
				return err
			}
			j.Metrics.MarginCalls.Inc()
			sent = true
		case !need && call != nil:
			call.Solve(rc.Now)
			return j.Repo.SaveMarginCall(ctx, call)
		}
		return nil
	})
	return sent, err
}
