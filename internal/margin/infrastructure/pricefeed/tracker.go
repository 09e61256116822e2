package pricefeed

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
	"github.com/wyfcoding/marginengine/pkg/algos"
)

// Source 价格缓存，既可写入也可读取
type Source interface {
	Sink
	domain.PriceSource
}

// Tracker 在写入价格缓存的同时记录每个交易对最近若干笔成交，
// 供强平扫描使用区间最低/最高价
type Tracker struct {
	Source
	size int

	mu      sync.RWMutex
	windows map[string]*algos.PriceWindow
}

// NewTracker 包装价格缓存，window 为保留的成交笔数
func NewTracker(src Source, window int) *Tracker {
	return &Tracker{Source: src, size: window, windows: make(map[string]*algos.PriceWindow)}
}

// SetLast 写入缓存并记入窗口
func (t *Tracker) SetLast(ctx context.Context, symbol string, price decimal.Decimal) error {
	if err := t.Source.SetLast(ctx, symbol, price); err != nil {
		return err
	}
	t.window(symbol).Push(price)
	return nil
}

// TradeRange 实现 domain.TradeRangeSource
func (t *Tracker) TradeRange(_ context.Context, symbol string) (decimal.Decimal, decimal.Decimal, bool) {
	t.mu.RLock()
	w, ok := t.windows[symbol]
	t.mu.RUnlock()
	if !ok {
		return decimal.Zero, decimal.Zero, false
	}
	return w.Range()
}

func (t *Tracker) window(symbol string) *algos.PriceWindow {
	t.mu.RLock()
	w, ok := t.windows[symbol]
	t.mu.RUnlock()
	if ok {
		return w
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok = t.windows[symbol]; !ok {
		w = algos.NewPriceWindow(t.size)
		t.windows[symbol] = w
	}
	return w
}

var (
	_ Sink                    = (*Tracker)(nil)
	_ domain.PriceSource      = (*Tracker)(nil)
	_ domain.TradeRangeSource = (*Tracker)(nil)
)
