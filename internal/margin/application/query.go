package application

import (
	"context"

	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// PositionQueryService 持仓查询
type PositionQueryService struct {
	*processor
}

// GetPosition 返回持仓及按最新成交价估算的保证金率与盈亏
func (s *PositionQueryService) GetPosition(ctx context.Context, positionID string) (*PositionView, error) {
	p, err := s.Repo.FindByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, p), nil
}

func (s *PositionQueryService) view(ctx context.Context, p *domain.Position) *PositionView {
	price := s.lastPrice(ctx, p.Symbol)
	now := s.Clock.Now()
	v := &PositionView{
		ID:                 p.ID,
		UserID:             p.UserID,
		Symbol:             p.Symbol,
		Side:               p.Side,
		Leverage:           p.Leverage,
		Status:             p.Status,
		Collateral:         p.Collateral,
		DelegatedAmount:    p.DelegatedAmount,
		Liability:          p.Liability(),
		LiabilityInOrder:   p.LiabilityInOrder(),
		EarnedAmount:       p.EarnedAmount,
		EntryPrice:         p.EntryPrice,
		ExitPrice:          p.ExitPrice,
		LiquidationPrice:   p.LiquidationPrice,
		MarketPrice:        price,
		InitialMarginRatio: p.InitialMarginRatio(),
		ExpirationDate:     p.ExpirationDate(s.Settings.ExtensionLimit, s.Settings.Location),
		OpenedAt:           p.OpenedAt,
		ClosedAt:           p.ClosedAt,
		FreezedAt:          p.FreezedAt,
		CreatedAt:          p.CreatedAt,
	}
	if ratio, ok := p.MarginRatio(price); ok && p.Status.IsOngoing() {
		v.MarginRatio = &ratio
	}
	if p.Status.IsOngoing() {
		v.UnrealizedPNL = p.UnrealizedPNL(price, now, s.Settings.ExtensionLimit, s.Settings.Location)
	}
	if p.IsSettled() {
		pnl := p.PNL.Decimal
		v.PNL = &pnl
	}
	for _, o := range p.Orders {
		v.Orders = append(v.Orders, OrderView{
			ID:            o.ID,
			Side:          o.Side,
			ExecutionType: o.ExecutionType,
			Channel:       o.Channel,
			Amount:        o.Amount,
			Price:         o.Price,
			MatchedAmount: o.MatchedAmount,
			AveragePrice:  o.AveragePrice(),
			Fee:           o.Fee,
			PairID:        o.PairID,
			Status:        o.Status,
		})
	}
	for _, r := range p.LiquidationRequests {
		v.LiquidationRequests = append(v.LiquidationRequests, LiquidationRequestView{
			ID:               r.ID,
			Side:             r.Side,
			Amount:           r.Amount,
			FilledAmount:     r.FilledAmount,
			FilledTotalPrice: r.FilledTotalPrice,
			Status:           r.Status,
			CreatedAt:        r.CreatedAt,
		})
	}
	return v
}
