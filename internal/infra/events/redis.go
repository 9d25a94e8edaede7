package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crosspost/internal/domain"
	"crosspost/internal/infra/metrics"
)

// RedisPublisher складывает события в Redis list.
type RedisPublisher struct {
	client *redis.Client
	key    string
}

var _ domain.EventPublisher = (*RedisPublisher)(nil)

// NewRedisPublisher создаёт публикатор по указанному ключу.
func NewRedisPublisher(client *redis.Client, key string) *RedisPublisher {
	return &RedisPublisher{client: client, key: key}
}

// Publish добавляет событие в начало списка.
func (p *RedisPublisher) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	start := time.Now()
	err = p.client.LPush(ctx, p.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", p.key, start, err)
	if err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}
