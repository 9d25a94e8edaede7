package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	queueusecase "crosspost/internal/usecase/queue"
)

// Pool запускает N воркеров, каждый в цикле захватывает элемент и публикует его.
type Pool struct {
	queue      *queueusecase.Service
	dispatcher *Dispatcher
	workers    int
	idleWait   time.Duration
	log        zerolog.Logger
}

// NewPool создаёт пул воркеров.
func NewPool(queue *queueusecase.Service, dispatcher *Dispatcher, workers int, idleWait time.Duration, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if idleWait <= 0 {
		idleWait = 2 * time.Second
	}
	return &Pool{queue: queue, dispatcher: dispatcher, workers: workers, idleWait: idleWait, log: logger}
}

// Run блокируется до отмены контекста.
func (p *Pool) Run(ctx context.Context) {
	host, _ := os.Hostname()
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		id := fmt.Sprintf("%s-%d-%s", host, i, uuid.NewString()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, id)
		}()
	}
	p.log.Info().Int("workers", p.workers).Msg("dispatcher: воркеры запущены")
	wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id string) {
	workerLog := p.log.With().Str("worker", id).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.step(ctx, id)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			workerLog.Error().Err(err).Msg("dispatcher: ошибка обработки очереди")
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.idleWait):
		}
	}
}

// step захватывает и обрабатывает один элемент. false означает, что очередь пуста.
func (p *Pool) step(ctx context.Context, owner string) (bool, error) {
	item, ok, err := p.queue.Claim(ctx, owner)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, err := p.dispatcher.Dispatch(ctx, item); err != nil {
		return true, err
	}
	return true, nil
}

// Drain обрабатывает готовые элементы, пока очередь не опустеет. Возвращает число обработанных.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		processed, err := p.step(ctx, "drain")
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}
