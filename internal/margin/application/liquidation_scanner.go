package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// LiquidationScanner 按交易对扫描强平价已被击穿的 open 持仓
type LiquidationScanner struct {
	*processor
}

// ScanMarket 以本次循环的价格快照扫描交易对
func (s *LiquidationScanner) ScanMarket(ctx context.Context, rc *RunContext, market *domain.Market) error {
	quote, ok := rc.Quote(ctx, market.Symbol)
	if !ok {
		s.Logger.DebugContext(ctx, "liquidation scan skipped, price unavailable", "symbol", market.Symbol)
		return nil
	}
	_, err := s.LiquidatePositions(ctx, rc, market, quote)
	return err
}

// LiquidatePositions 在交易对锁内标记强平并发起系统平仓，返回被强平的持仓 ID。
// quote 的最低/最高价先按标记价收紧。
func (s *LiquidationScanner) LiquidatePositions(ctx context.Context, rc *RunContext, market *domain.Market, quote domain.PriceQuote) ([]string, error) {
	minPrice, maxPrice, ok := s.Settings.Guard.Bounds(quote)
	if !ok {
		s.Logger.InfoContext(ctx, "liquidation scan skipped, mark price guard not satisfied", "symbol", market.Symbol)
		return nil, nil
	}
	if s.Locker != nil {
		release, err := s.Locker.TryLock(ctx, "margin:liquidation:"+market.Symbol, s.Settings.ScanLockTTL)
		if errors.Is(err, domain.ErrLockNotAcquired) {
			s.Logger.InfoContext(ctx, "liquidation scan already running", "symbol", market.Symbol)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock market %s: %w", market.Symbol, err)
		}
		defer release()
	}

	bounded := domain.PriceQuote{MinPrice: minPrice, MaxPrice: maxPrice}
	ids, err := s.Repo.ListLiquidationCandidates(ctx, market.Symbol, bounded)
	if err != nil {
		return nil, fmt.Errorf("failed to list liquidation candidates: %w", err)
	}

	type sideTally struct {
		count     int
		liability decimal.Decimal
	}
	tallies := map[domain.Side]*sideTally{
		domain.SideBuy:  {liability: decimal.Zero},
		domain.SideSell: {liability: decimal.Zero},
	}
	var liquidated []string
	for _, id := range ids {
		var side domain.Side
		var liability decimal.Decimal
		res, err := s.withPosition(ctx, id, func(ctx context.Context, p *domain.Position, intents *domain.Intents) (bool, error) {
			if p.Status != domain.PositionStatusOpen || !s.Settings.Guard.Triggered(p, bounded) {
				return false, nil
			}
			if err := p.Liquidate(ctx, rc.Now); err != nil {
				return false, err
			}
			side, liability = p.Side, p.Liability()
			return true, s.reconcile(ctx, p, nil, intents)
		})
		if err != nil {
			rc.count(func(t *Tallies) { t.Errors++ })
			continue
		}
		if !res.Applied {
			continue
		}
		liquidated = append(liquidated, id)
		t := tallies[side]
		t.count++
		t.liability = t.liability.Add(liability)
		rc.count(func(t *Tallies) { t.Liquidated++ })
	}

	for side, t := range tallies {
		if t.count == 0 {
			continue
		}
		s.Metrics.RecordLiquidated(market.SrcCurrency, market.DstCurrency, string(side), t.count, t.liability.InexactFloat64())
		s.Logger.InfoContext(ctx, "positions liquidated", "run_id", rc.ID, "symbol", market.Symbol, "side", side,
			"count", t.count, "liability", t.liability.String(), "min_price", minPrice.String(), "max_price", maxPrice.String())
	}
	return liquidated, nil
}
