package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"crosspost/internal/domain"
	"crosspost/internal/infra/metrics"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher публикует события в очередь RabbitMQ через AMQP.
type RabbitPublisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    amqpChannel
	queue string
}

var _ domain.EventPublisher = (*RabbitPublisher)(nil)

// NewRabbitPublisher подключается к брокеру и объявляет устойчивую очередь.
func NewRabbitPublisher(amqpURL, queue string) (*RabbitPublisher, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &RabbitPublisher{conn: conn, ch: ch, queue: queue}, nil
}

func newRabbitPublisherWithChannel(ch amqpChannel, queue string) *RabbitPublisher {
	return &RabbitPublisher{ch: ch, queue: queue}
}

// Publish отправляет событие в очередь через обменник по умолчанию.
func (p *RabbitPublisher) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         string(event.Type),
		Timestamp:    event.OccurredAt,
		Body:         payload,
	}
	start := time.Now()
	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg)
	p.mu.Unlock()
	metrics.ObserveNetworkRequest("rabbitmq", "publish", p.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}
