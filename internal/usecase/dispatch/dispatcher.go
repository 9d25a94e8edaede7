package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crosspost/internal/domain"
	"crosspost/internal/infra/metrics"
	"crosspost/internal/usecase/adapt"
	queueusecase "crosspost/internal/usecase/queue"
)

// DefaultPublishTimeout ограничивает одну попытку публикации.
const DefaultPublishTimeout = 20 * time.Second

// Dispatcher выполняет одну попытку публикации захваченного элемента:
// разрешает канал, готовит адаптацию, вызывает клиента платформы и фиксирует итог.
type Dispatcher struct {
	queue       *queueusecase.Service
	content     domain.ContentRepo
	adaptations domain.AdaptationRepo
	registry    domain.ChannelRegistry
	client      domain.PlatformClient
	engine      *adapt.Engine
	guards      *Guards
	timeout     time.Duration
	log         zerolog.Logger
}

// Deps собирает зависимости диспетчера.
type Deps struct {
	Queue       *queueusecase.Service
	Content     domain.ContentRepo
	Adaptations domain.AdaptationRepo
	Registry    domain.ChannelRegistry
	Client      domain.PlatformClient
	Guards      *Guards
	Timeout     time.Duration
}

// NewDispatcher создаёт диспетчер.
func NewDispatcher(deps Deps, logger zerolog.Logger) *Dispatcher {
	if deps.Timeout <= 0 {
		deps.Timeout = DefaultPublishTimeout
	}
	if deps.Guards == nil {
		deps.Guards = NewGuards(DefaultGuardConfig(), logger)
	}
	return &Dispatcher{
		queue:       deps.Queue,
		content:     deps.Content,
		adaptations: deps.Adaptations,
		registry:    deps.Registry,
		client:      deps.Client,
		engine:      adapt.NewEngine(),
		guards:      deps.Guards,
		timeout:     deps.Timeout,
		log:         logger,
	}
}

// Dispatch обрабатывает элемент в статусе processing и возвращает его новое состояние.
// Ошибка возвращается только если итог не удалось сохранить.
func (d *Dispatcher) Dispatch(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error) {
	itemLog := d.log.With().
		Int64("queue_item", item.ID).
		Int64("schedule_entry", item.ScheduleEntryID).
		Str("channel", item.ChannelID).
		Int("attempt", item.RetryCount+1).
		Logger()
	start := time.Now()

	// Захваченная попытка доводится до конца и после отмены ctx,
	// её длительность ограничена только d.timeout.
	workCtx := context.WithoutCancel(ctx)

	channel, err := d.registry.Resolve(workCtx, item.ChannelID)
	if err != nil {
		itemLog.Warn().Err(err).Msg("dispatcher: канал не разрешён")
		return d.fail(workCtx, item, "", start, err, itemLog)
	}
	itemLog = itemLog.With().Str("platform", channel.Platform).Logger()

	adaptation, err := d.ensureAdaptation(workCtx, item, channel)
	if err != nil {
		itemLog.Warn().Err(err).Msg("dispatcher: не удалось подготовить адаптацию")
		return d.fail(workCtx, item, channel.Platform, start, err, itemLog)
	}
	if err := d.queue.AttachAdaptation(workCtx, item.ID, adaptation.ID); err != nil {
		itemLog.Warn().Err(err).Msg("dispatcher: не удалось связать адаптацию")
	}
	item.ContentAdaptationID = adaptation.ID

	publishCtx, cancel := context.WithTimeout(workCtx, d.timeout)
	result, err := d.guards.Call(publishCtx, channel.Platform, func(callCtx context.Context) (domain.PublishResult, error) {
		return d.client.Publish(callCtx, adaptation, channel)
	})
	timedOut := errors.Is(publishCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			var pubErr *domain.PublishError
			if !errors.As(err, &pubErr) {
				err = domain.NewPublishError(domain.ErrorCodeTimeout, fmt.Sprintf("publish timed out after %s", d.timeout), err)
			}
		}
		itemLog.Warn().Err(err).Str("error_code", string(domain.Classify(err))).Msg("dispatcher: публикация не удалась")
		return d.fail(workCtx, item, channel.Platform, start, err, itemLog)
	}

	updated, err := d.queue.RecordSuccess(workCtx, item, channel.Platform, result)
	if err != nil {
		itemLog.Error().Err(err).Msg("dispatcher: не удалось сохранить успешную публикацию")
		return item, err
	}
	metrics.ObservePublish(channel.Platform, "published", start)
	itemLog.Info().Str("post_id", result.PostID).Msg("dispatcher: опубликовано")
	return updated, nil
}

func (d *Dispatcher) fail(ctx context.Context, item domain.QueueItem, platform string, start time.Time, cause error, itemLog zerolog.Logger) (domain.QueueItem, error) {
	updated, err := d.queue.RecordFailure(ctx, item, platform, cause)
	if err != nil {
		itemLog.Error().Err(err).Msg("dispatcher: не удалось сохранить ошибку")
		return item, err
	}
	outcome := "retry"
	if updated.Status == domain.QueueFailed {
		outcome = "failed"
	}
	metrics.ObservePublish(platform, outcome, start)
	return updated, nil
}

// ensureAdaptation возвращает адаптацию для пары (материал, платформа).
// Отредактированная вручную адаптация используется как есть, автоматическая пересобирается.
func (d *Dispatcher) ensureAdaptation(ctx context.Context, item domain.QueueItem, channel domain.Channel) (domain.ContentAdaptation, error) {
	stored, err := d.adaptations.GetAdaptation(ctx, item.ContentPieceID, channel.Platform)
	switch {
	case err == nil && !stored.IsAutoGenerated:
		return stored, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.ContentAdaptation{}, fmt.Errorf("чтение адаптации: %w", err)
	}

	piece, err := d.content.GetContentPiece(ctx, item.ContentPieceID)
	if err != nil {
		return domain.ContentAdaptation{}, fmt.Errorf("чтение материала: %w", err)
	}
	adaptation, err := d.engine.Adapt(piece, channel.Profile())
	if err != nil {
		return domain.ContentAdaptation{}, err
	}
	saved, err := d.adaptations.UpsertAdaptation(ctx, adaptation)
	if err != nil {
		return domain.ContentAdaptation{}, fmt.Errorf("сохранение адаптации: %w", err)
	}
	return saved, nil
}
