package application

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// Tallies 一次管理循环的统计
type Tallies struct {
	Liquidated  int
	Expired     int
	FeesCharged int
	MarginCalls int
	Settled     int
	Errors      int
}

// RunContext 一次管理循环的上下文：运行标识、统一时钟、按交易对懒加载的价格快照与统计。
// 在扫描、到期与结算之间显式传递。
type RunContext struct {
	ID  string
	Now time.Time

	prices domain.PriceSource

	mu     sync.Mutex
	quotes map[string]*domain.PriceQuote
	tally  Tallies
}

// NewRunContext 创建管理循环上下文
func NewRunContext(id string, now time.Time, prices domain.PriceSource) *RunContext {
	return &RunContext{
		ID:     id,
		Now:    now,
		prices: prices,
		quotes: make(map[string]*domain.PriceQuote),
	}
}

// Quote 返回交易对价格快照，同一次循环内只读取一次；价格不可用时返回 false
func (rc *RunContext) Quote(ctx context.Context, symbol string) (domain.PriceQuote, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if q, ok := rc.quotes[symbol]; ok {
		if q == nil {
			return domain.PriceQuote{}, false
		}
		return *q, true
	}
	q := rc.load(ctx, symbol)
	rc.quotes[symbol] = q
	if q == nil {
		return domain.PriceQuote{}, false
	}
	return *q, true
}

func (rc *RunContext) load(ctx context.Context, symbol string) *domain.PriceQuote {
	if rc.prices == nil {
		return nil
	}
	last, err := rc.prices.LastTradePrice(ctx, symbol)
	if err != nil || !last.IsPositive() {
		return nil
	}
	mark, err := rc.prices.MarkPrice(ctx, symbol)
	if err != nil {
		mark = decimal.Zero
	}
	q := domain.QuoteFromLast(last, mark)
	if rs, ok := rc.prices.(domain.TradeRangeSource); ok {
		if minPrice, maxPrice, ok := rs.TradeRange(ctx, symbol); ok {
			q.MinPrice = decimal.Min(minPrice, last)
			q.MaxPrice = decimal.Max(maxPrice, last)
		}
	}
	return &q
}

// SetQuote 以外部给定的价格区间覆盖快照，用于按近期最高/最低成交价扫描
func (rc *RunContext) SetQuote(symbol string, q domain.PriceQuote) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.quotes[symbol] = &q
}

func (rc *RunContext) count(fn func(t *Tallies)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	fn(&rc.tally)
}

// Tallies 返回统计快照
func (rc *RunContext) Tallies() Tallies {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.tally
}
