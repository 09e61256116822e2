// Package cache Redis 客户端封装，提供键值读写与基于 SET NX 的互斥锁原语
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config Redis 配置
type Config struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxPoolSize  int    `mapstructure:"max_pool_size"`
	ConnTimeout  int    `mapstructure:"conn_timeout"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// Addr host:port
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisCache Redis 缓存
type RedisCache struct {
	client redis.UniversalClient
	log    *slog.Logger
}

// New 创建并探活 Redis 客户端
func New(ctx context.Context, cfg Config, log *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxPoolSize,
		DialTimeout:  time.Duration(cfg.ConnTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	log.Info("redis connected", "addr", cfg.Addr())
	return &RedisCache{client: client, log: log}, nil
}

// NewWithClient 包装已有客户端
func NewWithClient(client redis.UniversalClient, log *slog.Logger) *RedisCache {
	if log == nil {
		log = slog.Default()
	}
	return &RedisCache{client: client, log: log}
}

// Get 获取缓存值，key 不存在时返回空串
func (rc *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := rc.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		rc.log.ErrorContext(ctx, "redis get failed", "key", key, "error", err)
		return "", err
	}
	return val, nil
}

// MGet 批量获取，缺失的 key 对应空串
func (rc *RedisCache) MGet(ctx context.Context, keys ...string) ([]string, error) {
	vals, err := rc.client.MGet(ctx, keys...).Result()
	if err != nil {
		rc.log.ErrorContext(ctx, "redis mget failed", "keys", keys, "error", err)
		return nil, err
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out, nil
}

// Set 设置缓存值
func (rc *RedisCache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	if err := rc.client.Set(ctx, key, value, expiration).Err(); err != nil {
		rc.log.ErrorContext(ctx, "redis set failed", "key", key, "error", err)
		return err
	}
	return nil
}

// SetNX 仅当 key 不存在时设置值
func (rc *RedisCache) SetNX(ctx context.Context, key string, value any, expiration time.Duration) (bool, error) {
	ok, err := rc.client.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		rc.log.ErrorContext(ctx, "redis setnx failed", "key", key, "error", err)
		return false, err
	}
	return ok, nil
}

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// DeleteIfEqual 仅当 key 的值等于 value 时删除，返回是否删除
func (rc *RedisCache) DeleteIfEqual(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, rc.client, []string{key}, value).Int64()
	if err != nil {
		rc.log.ErrorContext(ctx, "redis compare-and-delete failed", "key", key, "error", err)
		return false, err
	}
	return n == 1, nil
}

// Close 关闭连接
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// Ping 探活，供健康检查使用
func (rc *RedisCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}
