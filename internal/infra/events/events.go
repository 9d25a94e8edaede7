package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"crosspost/internal/domain"
)

// Nop отбрасывает события.
type Nop struct{}

// Publish ничего не делает.
func (Nop) Publish(context.Context, domain.Event) error { return nil }

// Options описывает выбор бэкенда событий.
type Options struct {
	Backend     string
	RabbitMQURL string
	Queue       string
	Redis       *redis.Client
}

// New создаёт публикатор для указанного бэкенда. Вторым значением возвращается функция закрытия.
func New(opts Options) (domain.EventPublisher, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "none":
		return Nop{}, func() error { return nil }, nil
	case "redis":
		if opts.Redis == nil {
			return nil, nil, fmt.Errorf("events: redis backend requires REDIS_ADDR")
		}
		return NewRedisPublisher(opts.Redis, opts.Queue), func() error { return nil }, nil
	case "rabbitmq":
		pub, err := NewRabbitPublisher(opts.RabbitMQURL, opts.Queue)
		if err != nil {
			return nil, nil, err
		}
		return pub, pub.Close, nil
	default:
		return nil, nil, fmt.Errorf("events: unknown backend %q", opts.Backend)
	}
}
