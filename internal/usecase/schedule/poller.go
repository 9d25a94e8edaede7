package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crosspost/internal/domain"
	"crosspost/internal/infra/metrics"
	queueusecase "crosspost/internal/usecase/queue"
)

const (
	JobEnqueue = "enqueue"
	JobReap    = "reap"
)

// Poller периодически переносит наступившие записи в очередь и возвращает в работу
// элементы с истёкшей арендой. Между репликами работа разделяется блокировкой.
type Poller struct {
	queue   *queueusecase.Service
	locker  domain.Locker
	batch   int
	lockTTL time.Duration
	log     zerolog.Logger
}

// NewPoller создаёт поллер. locker может быть nil, если реплика одна.
func NewPoller(queue *queueusecase.Service, locker domain.Locker, batch int, lockTTL time.Duration, logger zerolog.Logger) *Poller {
	if batch <= 0 {
		batch = 100
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Poller{queue: queue, locker: locker, batch: batch, lockTTL: lockTTL, log: logger}
}

// EnqueueDue создаёт элементы очереди пачками, пока есть наступившие записи.
func (p *Poller) EnqueueDue(ctx context.Context) (int, error) {
	return p.guarded(ctx, JobEnqueue, func(ctx context.Context) (int, error) {
		total := 0
		for ctx.Err() == nil {
			items, err := p.queue.EnqueueDue(ctx, p.batch)
			if err != nil {
				return total, err
			}
			total += len(items)
			if len(items) < p.batch {
				break
			}
		}
		if _, err := p.queue.Stats(ctx, 0); err != nil {
			p.log.Warn().Err(err).Msg("scheduler: не удалось обновить глубину очереди")
		}
		return total, nil
	})
}

// ReapExpired возвращает в работу элементы, воркер которых пропал.
func (p *Poller) ReapExpired(ctx context.Context) (int, error) {
	return p.guarded(ctx, JobReap, func(ctx context.Context) (int, error) {
		return p.queue.ReapExpired(ctx, p.batch)
	})
}

func (p *Poller) guarded(ctx context.Context, job string, fn func(context.Context) (int, error)) (int, error) {
	if p.locker != nil {
		key := "scheduler:" + job
		ok, err := p.locker.TryLock(ctx, key, p.lockTTL)
		if err != nil {
			metrics.IncPollerRun(job, err)
			return 0, fmt.Errorf("блокировка %s: %w", job, err)
		}
		if !ok {
			p.log.Debug().Str("job", job).Msg("scheduler: блокировка у другой реплики")
			return 0, nil
		}
		defer func() {
			if err := p.locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
				p.log.Warn().Err(err).Str("job", job).Msg("scheduler: не удалось снять блокировку")
			}
		}()
	}

	n, err := fn(ctx)
	metrics.IncPollerRun(job, err)
	if err != nil {
		return n, err
	}
	if n > 0 {
		p.log.Info().Str("job", job).Int("count", n).Msg("scheduler: цикл завершён")
	}
	return n, nil
}
