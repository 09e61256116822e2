package application

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// OrderService 保证金开仓与平仓下单
type OrderService struct {
	*processor
}

// CreateMarginOrder 校验交易对、杠杆、资金池与钱包后冻结保证金并创建 new 状态的持仓。
// 任一校验失败时不创建持仓，已占用的额度随事务回滚。
func (s *OrderService) CreateMarginOrder(ctx context.Context, cmd CreateMarginOrderCommand) (*OrderResult, error) {
	market, err := s.Markets.Get(cmd.Symbol)
	if err != nil {
		return nil, err
	}
	if !market.MarginEnabled {
		return nil, domain.ErrMarketNotMargin
	}
	if !cmd.Side.Valid() {
		return nil, fmt.Errorf("invalid side %q", cmd.Side)
	}
	if cmd.Leverage.LessThan(decimal.NewFromInt(1)) || cmd.Leverage.GreaterThan(market.MaxLeverage) {
		return nil, domain.ErrInvalidLeverage
	}
	amount := cmd.Amount.RoundDown(market.AmountPrecision)
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	last := s.lastPrice(ctx, cmd.Symbol)
	collateral := domain.OrderCollateral(market, cmd.Leverage, cmd.Side, amount, cmd.Price, last)
	if !collateral.IsPositive() {
		return nil, domain.ErrPriceUnavailable
	}
	var pairCollateral decimal.Decimal
	if cmd.Pair != nil {
		pairCollateral = domain.OrderCollateral(market, cmd.Leverage, cmd.Side, amount, cmd.Pair.Price, last)
		if !pairCollateral.IsPositive() {
			return nil, domain.ErrPriceUnavailable
		}
	}
	blocked := decimal.Max(collateral, pairCollateral)

	now := s.Clock.Now()
	res := &OrderResult{}
	err = s.Repo.WithTx(ctx, func(ctx context.Context) error {
		currency := market.PoolCurrency(cmd.Side)
		pool, err := s.Pools.GetPool(ctx, currency)
		if err != nil {
			return err
		}
		if !pool.Active {
			return domain.ErrPoolInactive
		}
		delegating := domain.PoolReservation(cmd.Side, amount, blocked, cmd.Leverage)
		if err := s.Pools.Reserve(ctx, currency, delegating); err != nil {
			return err
		}
		wallet, err := s.Wallets.Wallet(ctx, cmd.UserID, market.DstCurrency)
		if err != nil {
			return err
		}
		if wallet.Active().LessThan(blocked) {
			return domain.ErrInsufficientBalance
		}
		if err := s.Wallets.Block(ctx, cmd.UserID, market.DstCurrency, blocked); err != nil {
			return err
		}

		p := domain.NewPosition(s.Clock.NewID(), cmd.UserID, market, cmd.Side, cmd.Leverage, now)
		p.Collateral = blocked
		first := s.newOrder(p, cmd.Side, cmd.ExecutionType, amount, cmd.Price, cmd.StopPrice, now)
		first.BlockedCollateral = collateral
		first.PoolReserved = delegating
		p.Orders = append(p.Orders, first)
		if cmd.Pair != nil {
			second := s.newOrder(p, cmd.Side, cmd.Pair.ExecutionType, amount, cmd.Pair.Price, cmd.Pair.StopPrice, now)
			second.BlockedCollateral = pairCollateral
			first.PairID, second.PairID = second.ID, first.ID
			p.Orders = append(p.Orders, second)
		}
		if err := s.Repo.Create(ctx, p); err != nil {
			return fmt.Errorf("failed to create position: %w", err)
		}

		var intents domain.Intents
		for _, o := range p.Orders {
			intents.Add(domain.OrderPlaceRequestedEventType, p.ID, placeRequested(o, now))
			res.OrderIDs = append(res.OrderIDs, o.ID)
		}
		if err := s.publish(ctx, intents); err != nil {
			return err
		}
		res.PositionID = p.ID
		res.Collateral = blocked
		res.Intents = intents
		return nil
	})
	if err != nil {
		s.reportError(ctx, "", err)
		return nil, err
	}
	s.Logger.InfoContext(ctx, "margin order created", "position_id", res.PositionID, "user_id", cmd.UserID,
		"symbol", cmd.Symbol, "side", cmd.Side, "amount", amount.String(), "collateral", res.Collateral.String())
	return res, nil
}

// CreateCloseOrder 为 open 持仓下平仓单。平仓数量与挂单中的平仓数量之和不得超过负债，OCO 两腿只计一次
func (s *OrderService) CreateCloseOrder(ctx context.Context, cmd CreateCloseOrderCommand) (*OrderResult, error) {
	out := &OrderResult{PositionID: cmd.PositionID}
	res, err := s.withPosition(ctx, cmd.PositionID, func(ctx context.Context, p *domain.Position, intents *domain.Intents) (bool, error) {
		if p.UserID != cmd.UserID {
			return false, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, cmd.PositionID)
		}
		if p.Status != domain.PositionStatusOpen {
			return false, domain.ErrPositionNotOpen
		}
		market, err := s.Markets.Get(p.Symbol)
		if err != nil {
			return false, err
		}
		amount := cmd.Amount.RoundDown(market.AmountPrecision)
		if !amount.IsPositive() {
			return false, domain.ErrInvalidAmount
		}
		if amount.Add(p.LiabilityInOrder()).GreaterThan(p.Liability()) {
			return false, domain.ErrCloseAmountExceeded
		}
		if p.IsShort() {
			price := cmd.Price
			if !price.IsPositive() {
				price = s.lastPrice(ctx, p.Symbol)
			}
			if !price.IsPositive() {
				return false, domain.ErrPriceUnavailable
			}
			if amount.Mul(price).GreaterThan(p.TotalAsset(price).Sub(p.AssetInOrder())) {
				return false, domain.ErrCloseAmountExceeded
			}
		}

		now := s.Clock.Now()
		side := p.Side.Opposite()
		orders := []*domain.Order{s.newOrder(p, side, cmd.ExecutionType, amount, cmd.Price, cmd.StopPrice, now)}
		if cmd.Pair != nil {
			second := s.newOrder(p, side, cmd.Pair.ExecutionType, amount, cmd.Pair.Price, cmd.Pair.StopPrice, now)
			orders[0].PairID, second.PairID = second.ID, orders[0].ID
			orders = append(orders, second)
		}
		for _, o := range orders {
			if err := s.Repo.SaveOrder(ctx, o); err != nil {
				return false, fmt.Errorf("failed to save order %s: %w", o.ID, err)
			}
			p.Orders = append(p.Orders, o)
			intents.Add(domain.OrderPlaceRequestedEventType, p.ID, placeRequested(o, now))
			out.OrderIDs = append(out.OrderIDs, o.ID)
		}
		p.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	out.Intents = res.Intents
	out.Collateral = decimal.Zero
	return out, nil
}

func (s *OrderService) newOrder(p *domain.Position, side domain.Side, execution domain.ExecutionType, amount, price, stopPrice decimal.Decimal, now time.Time) *domain.Order {
	if execution == "" {
		execution = domain.ExecutionLimit
		if price.IsZero() {
			execution = domain.ExecutionMarket
		}
	}
	return &domain.Order{
		ID:                s.Clock.NewID(),
		PositionID:        p.ID,
		UserID:            p.UserID,
		Symbol:            p.Symbol,
		Side:              side,
		ExecutionType:     execution,
		Channel:           domain.ChannelUser,
		Amount:            amount,
		Price:             price,
		StopPrice:         stopPrice,
		MatchedAmount:     decimal.Zero,
		MatchedTotalPrice: decimal.Zero,
		Fee:               decimal.Zero,
		BlockedCollateral: decimal.Zero,
		PoolReserved:      decimal.Zero,
		Status:            domain.OrderStatusNew,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (pr *processor) lastPrice(ctx context.Context, symbol string) decimal.Decimal {
	if q := pr.quote(ctx, symbol); q != nil {
		return q.MaxPrice
	}
	return decimal.Zero
}

func placeRequested(o *domain.Order, now time.Time) domain.OrderPlaceRequestedEvent {
	return domain.OrderPlaceRequestedEvent{
		OrderID:       o.ID,
		PositionID:    o.PositionID,
		UserID:        o.UserID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		ExecutionType: o.ExecutionType,
		Channel:       o.Channel,
		Amount:        o.Amount,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		PairID:        o.PairID,
		OccurredOn:    now,
	}
}
