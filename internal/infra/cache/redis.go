package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"crosspost/internal/domain"
	"crosspost/internal/infra/metrics"
)

// RedisCache реализует распределённые блокировки через Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

var _ domain.Locker = (*RedisCache)(nil)

// NewRedis создаёт кэш.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "crosspost:"}
}

// TryLock захватывает ключ на ttl. Возвращает false, если ключ уже занят.
func (c *RedisCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := c.client.SetNX(ctx, c.prefix+"lock:"+key, "1", ttl).Result()
	metrics.ObserveNetworkRequest("redis", "setnx", "lock", start, err)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Unlock освобождает ключ.
func (c *RedisCache) Unlock(ctx context.Context, key string) error {
	start := time.Now()
	err := c.client.Del(ctx, c.prefix+"lock:"+key).Err()
	metrics.ObserveNetworkRequest("redis", "del", "lock", start, err)
	return err
}

// Ping проверяет доступность Redis.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
