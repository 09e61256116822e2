package domain

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Side 订单/持仓方向，buy 为多头，sell 为空头
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Market 保证金交易对配置
type Market struct {
	Symbol      string
	SrcCurrency string
	DstCurrency string
	// PricePrecision 价格保留小数位，可为负数 (步长 10 时为 -1)
	PricePrecision  int32
	AmountPrecision int32
	MakerFeeRate    decimal.Decimal
	TakerFeeRate    decimal.Decimal
	MaxLeverage     decimal.Decimal
	// FeeUnit 持仓展期费计费单位，以 dst 币种计
	FeeUnit       decimal.Decimal
	MarginEnabled bool
}

// FeeRate 按 maker/taker 返回成交手续费率
func (m *Market) FeeRate(isMaker bool) decimal.Decimal {
	if isMaker {
		return m.MakerFeeRate
	}
	return m.TakerFeeRate
}

// PoolCurrency 某方向持仓借贷的资金池币种
func (m *Market) PoolCurrency(side Side) string {
	if side == SideSell {
		return m.SrcCurrency
	}
	return m.DstCurrency
}

// MarketCatalog 交易对目录
type MarketCatalog struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

// NewMarketCatalog 以给定交易对构造目录
func NewMarketCatalog(markets ...*Market) *MarketCatalog {
	c := &MarketCatalog{markets: make(map[string]*Market, len(markets))}
	for _, m := range markets {
		c.markets[m.Symbol] = m
	}
	return c
}

// Get 按交易对符号查询
func (c *MarketCatalog) Get(symbol string) (*Market, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	return m, nil
}

// All 返回所有交易对，按符号排序
func (c *MarketCatalog) All() []*Market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Market, 0, len(c.markets))
	for _, m := range c.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
