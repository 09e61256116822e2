// Package redis 基于 Redis 的价格缓存与强平扫描锁
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
	"github.com/wyfcoding/marginengine/pkg/cache"
)

const (
	lastPriceKeyPrefix = "margin:price:last:"
	markPriceKeyPrefix = "margin:price:mark:"
)

// PriceCache 价格缓存，由行情推送写入、引擎读取。过期的价格视为不可用
type PriceCache struct {
	cache *cache.RedisCache
	ttl   time.Duration
}

// NewPriceCache ttl 为零时价格不过期
func NewPriceCache(c *cache.RedisCache, ttl time.Duration) *PriceCache {
	return &PriceCache{cache: c, ttl: ttl}
}

func (p *PriceCache) SetLast(ctx context.Context, symbol string, price decimal.Decimal) error {
	return p.cache.Set(ctx, lastPriceKeyPrefix+symbol, price.String(), p.ttl)
}

func (p *PriceCache) SetMark(ctx context.Context, symbol string, price decimal.Decimal) error {
	return p.cache.Set(ctx, markPriceKeyPrefix+symbol, price.String(), p.ttl)
}

func (p *PriceCache) LastTradePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return p.get(ctx, lastPriceKeyPrefix+symbol)
}

func (p *PriceCache) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return p.get(ctx, markPriceKeyPrefix+symbol)
}

func (p *PriceCache) get(ctx context.Context, key string) (decimal.Decimal, error) {
	val, err := p.cache.Get(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	if val == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid cached price %s=%q: %w", key, val, err)
	}
	return d, nil
}

// Locker SET NX 互斥锁，释放时校验令牌，避免删除他人在过期后重新获取的锁
type Locker struct {
	cache *cache.RedisCache
}

func NewLocker(c *cache.RedisCache) *Locker {
	return &Locker{cache: c}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := l.cache.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrLockNotAcquired
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _ = l.cache.DeleteIfEqual(releaseCtx, key, token)
	}, nil
}

var (
	_ domain.PriceSource = (*PriceCache)(nil)
	_ domain.Locker      = (*Locker)(nil)
)
