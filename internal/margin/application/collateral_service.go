package application

import (
	"context"
	"fmt"

	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// CollateralService 持仓保证金调整
type CollateralService struct {
	*processor
}

// ChangeCollateral 将 open 持仓的保证金调整为指定值，变动部分在钱包中冻结或解冻
func (s *CollateralService) ChangeCollateral(ctx context.Context, cmd ChangeCollateralCommand) (*Result, error) {
	return s.withPosition(ctx, cmd.PositionID, func(ctx context.Context, p *domain.Position, intents *domain.Intents) (bool, error) {
		if p.UserID != cmd.UserID {
			return false, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, cmd.PositionID)
		}
		quote := s.quote(ctx, p.Symbol)
		price := s.lastPrice(ctx, p.Symbol)
		wallet, err := s.Wallets.Wallet(ctx, p.UserID, p.DstCurrency)
		if err != nil {
			return false, err
		}
		old := p.Collateral
		delta, err := p.ChangeCollateral(cmd.Collateral, price, wallet.Active())
		if err != nil {
			return false, err
		}
		if delta.IsZero() {
			return false, nil
		}
		if err := s.Wallets.Block(ctx, p.UserID, p.DstCurrency, delta); err != nil {
			return false, err
		}
		if err := s.Repo.SaveCollateralChange(ctx, &domain.PositionCollateralChange{
			ID:         s.Clock.NewID(),
			PositionID: p.ID,
			OldValue:   old,
			NewValue:   p.Collateral,
			CreatedAt:  s.Clock.Now(),
		}); err != nil {
			return false, fmt.Errorf("failed to save collateral change: %w", err)
		}
		s.Logger.InfoContext(ctx, "position collateral changed", "position_id", p.ID,
			"old", old.String(), "new", p.Collateral.String())
		return true, s.reconcile(ctx, p, quote, intents)
	})
}

// CollateralRange 按当前价格与钱包可用余额计算可调整的保证金区间
func (s *CollateralService) CollateralRange(ctx context.Context, userID, positionID string) (*CollateralRange, error) {
	p, err := s.Repo.FindByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, positionID)
	}
	if p.Status != domain.PositionStatusOpen {
		return nil, domain.ErrPositionNotOpen
	}
	market, err := s.Markets.Get(p.Symbol)
	if err != nil {
		return nil, err
	}
	wallet, err := s.Wallets.Wallet(ctx, userID, p.DstCurrency)
	if err != nil {
		return nil, err
	}
	minC, maxC := p.CollateralRange(s.lastPrice(ctx, p.Symbol), wallet.Active(), market.AmountPrecision)
	return &CollateralRange{PositionID: p.ID, Min: minC, Max: maxC}, nil
}
