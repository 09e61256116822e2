package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// PriceBook 内存价格源
type PriceBook struct {
	mu    sync.RWMutex
	last  map[string]decimal.Decimal
	marks map[string]decimal.Decimal
}

func NewPriceBook() *PriceBook {
	return &PriceBook{last: make(map[string]decimal.Decimal), marks: make(map[string]decimal.Decimal)}
}

// SetLast 写入最新成交价
func (b *PriceBook) SetLast(_ context.Context, symbol string, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[symbol] = price
	return nil
}

// SetMark 写入标记价，零值表示标记价不可用
func (b *PriceBook) SetMark(_ context.Context, symbol string, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[symbol] = price
	return nil
}

func (b *PriceBook) LastTradePrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last[symbol], nil
}

func (b *PriceBook) MarkPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.marks[symbol], nil
}

// Locker 进程内互斥锁，过期时间到达后视为已释放
type Locker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewLocker() *Locker {
	return &Locker{held: make(map[string]time.Time), clock: time.Now}
}

func (l *Locker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, domain.ErrLockNotAcquired
	}
	until := now.Add(ttl)
	l.held[key] = until
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(until) {
			delete(l.held, key)
		}
	}, nil
}

var (
	_ domain.PriceSource = (*PriceBook)(nil)
	_ domain.Locker      = (*Locker)(nil)
)
