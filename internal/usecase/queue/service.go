package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crosspost/internal/domain"
	"crosspost/internal/infra/metrics"
)

// Policy задаёт правила повторов и аренды.
type Policy struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Lease       time.Duration
}

// DefaultPolicy возвращает значения по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  3,
		BackoffBase: 30 * time.Second,
		BackoffMax:  30 * time.Minute,
		Lease:       10 * time.Minute,
	}
}

// Backoff возвращает задержку перед повтором: base*2^retryCount с потолком max,
// но не меньше подсказки платформы (тоже с потолком).
func (p Policy) Backoff(retryCount int, hint time.Duration) time.Duration {
	delay := p.BackoffMax
	if retryCount < 32 {
		if d := p.BackoffBase << uint(retryCount); d > 0 && d < p.BackoffMax {
			delay = d
		}
	}
	if hint > p.BackoffMax {
		hint = p.BackoffMax
	}
	if hint > delay {
		delay = hint
	}
	return delay
}

// Service управляет очередью публикаций поверх хранилища.
type Service struct {
	queue    domain.QueueRepo
	schedule domain.ScheduleRepo
	history  domain.HistoryRepo
	events   domain.EventPublisher
	policy   Policy
	now      func() time.Time
	log      zerolog.Logger
}

// NewService создаёт сервис очереди.
func NewService(queue domain.QueueRepo, schedule domain.ScheduleRepo, history domain.HistoryRepo, events domain.EventPublisher, policy Policy, logger zerolog.Logger) *Service {
	def := DefaultPolicy()
	if policy.MaxRetries < 0 {
		policy.MaxRetries = def.MaxRetries
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = def.BackoffBase
	}
	if policy.BackoffMax <= 0 {
		policy.BackoffMax = def.BackoffMax
	}
	if policy.Lease <= 0 {
		policy.Lease = def.Lease
	}
	return &Service{
		queue:    queue,
		schedule: schedule,
		history:  history,
		events:   events,
		policy:   policy,
		now:      time.Now,
		log:      logger,
	}
}

// WithClock подменяет источник времени.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy возвращает действующую политику.
func (s *Service) Policy() Policy {
	return s.policy
}

// EnqueueDue переносит наступившие записи расписания в очередь.
func (s *Service) EnqueueDue(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	items, err := s.queue.EnqueueDue(ctx, s.now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("постановка в очередь: %w", err)
	}
	metrics.AddEnqueued(len(items))
	for _, item := range items {
		s.log.Debug().Int64("queue_item", item.ID).Int64("schedule_entry", item.ScheduleEntryID).Msg("queue: элемент создан")
	}
	return items, nil
}

// Claim атомарно забирает следующий готовый элемент.
func (s *Service) Claim(ctx context.Context, owner string) (domain.QueueItem, bool, error) {
	return s.queue.ClaimNext(ctx, owner, s.now().UTC(), s.policy.Lease)
}

// AttachAdaptation связывает элемент с использованной адаптацией.
func (s *Service) AttachAdaptation(ctx context.Context, itemID, adaptationID int64) error {
	return s.queue.AttachAdaptation(ctx, itemID, adaptationID)
}

// RecordSuccess фиксирует успешную публикацию.
func (s *Service) RecordSuccess(ctx context.Context, item domain.QueueItem, platform string, result domain.PublishResult) (domain.QueueItem, error) {
	now := s.now().UTC()
	updated, err := s.queue.CompleteItem(ctx, item.ID, item.LeaseOwner, domain.HistoryRecord{
		Attempt:        item.RetryCount + 1,
		PlatformPostID: result.PostID,
		RawResponse:    result.Raw,
		RecordedAt:     now,
	})
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("фиксация публикации: %w", err)
	}
	event := domain.NewEvent(domain.EventItemPublished, updated, now)
	event.Platform = platform
	event.Attempt = item.RetryCount + 1
	event.PlatformPostID = result.PostID
	s.emit(ctx, event)
	return updated, nil
}

// RecordFailure классифицирует ошибку и либо возвращает элемент в очередь, либо завершает его.
func (s *Service) RecordFailure(ctx context.Context, item domain.QueueItem, platform string, cause error) (domain.QueueItem, error) {
	now := s.now().UTC()
	code := domain.Classify(cause)
	if code == "" {
		code = domain.ErrorCodeUnknown
	}
	hint := domain.RetryAfterHint(cause)
	record := domain.ErrorRecord{
		Attempt:     item.RetryCount + 1,
		Code:        code,
		Message:     errorMessage(cause),
		RetryAfter:  hint,
		RawResponse: domain.RawResponse(cause),
		RecordedAt:  now,
	}

	if code.Transient(item.RetryCount) && item.RetryCount < s.policy.MaxRetries {
		notBefore := now.Add(s.policy.Backoff(item.RetryCount, hint))
		updated, err := s.queue.RequeueItem(ctx, item.ID, item.LeaseOwner, record, notBefore)
		if err != nil {
			return domain.QueueItem{}, fmt.Errorf("повтор элемента: %w", err)
		}
		metrics.IncRetry(string(code))
		event := domain.NewEvent(domain.EventItemRetryScheduled, updated, now)
		event.Platform = platform
		event.Attempt = record.Attempt
		event.ErrorCode = code
		event.ErrorMessage = record.Message
		event.NotBefore = &notBefore
		s.emit(ctx, event)
		return updated, nil
	}

	record.Final = true
	updated, err := s.queue.FailItem(ctx, item.ID, item.LeaseOwner, record)
	if err != nil {
		return domain.QueueItem{}, fmt.Errorf("завершение элемента: %w", err)
	}
	event := domain.NewEvent(domain.EventItemFailed, updated, now)
	event.Platform = platform
	event.Attempt = record.Attempt
	event.ErrorCode = code
	event.ErrorMessage = record.Message
	s.emit(ctx, event)
	return updated, nil
}

func errorMessage(err error) string {
	var pubErr *domain.PublishError
	if errors.As(err, &pubErr) && pubErr.Message != "" {
		return pubErr.Message
	}
	return err.Error()
}

// Cancel отменяет запись расписания, если по ней не идёт публикация.
func (s *Service) Cancel(ctx context.Context, entryID int64) (domain.ScheduleEntry, error) {
	now := s.now().UTC()
	entry, item, err := s.schedule.CancelScheduleEntry(ctx, entryID, now)
	if err != nil {
		return entry, err
	}
	var event domain.Event
	if item != nil {
		event = domain.NewEvent(domain.EventItemCancelled, *item, now)
	} else {
		event = domain.NewEntryEvent(domain.EventItemCancelled, entry, now)
	}
	s.emit(ctx, event)
	s.log.Info().Int64("schedule_entry", entryID).Msg("queue: запись отменена")
	return entry, nil
}

// Stats возвращает агрегаты очереди. ownerID = 0 считает по всем владельцам.
func (s *Service) Stats(ctx context.Context, ownerID int64) (domain.QueueStats, error) {
	stats, err := s.queue.QueueStats(ctx, ownerID)
	if err != nil {
		return domain.QueueStats{}, err
	}
	if ownerID == 0 {
		metrics.SetQueueDepth(stats.Queued, stats.Processing, stats.Published, stats.Failed, stats.Cancelled)
	}
	return stats, nil
}

// Next возвращает элемент, который будет захвачен следующим, без захвата.
func (s *Service) Next(ctx context.Context) (domain.QueueItem, bool, error) {
	return s.queue.NextQueuedItem(ctx, s.now().UTC())
}

// EntryStatus собирает состояние записи для дашборда.
func (s *Service) EntryStatus(ctx context.Context, entryID int64) (domain.EntryView, error) {
	entry, err := s.schedule.GetScheduleEntry(ctx, entryID)
	if err != nil {
		return domain.EntryView{}, err
	}
	view := domain.EntryView{Entry: entry, Final: entry.Status.Terminal()}

	item, err := s.queue.LatestItemForEntry(ctx, entryID)
	switch {
	case err == nil:
		view.Item = &item
		view.Retrying = item.Status == domain.QueueQueued && item.RetryCount > 0
	case !errors.Is(err, domain.ErrNotFound):
		return domain.EntryView{}, err
	}

	if view.History, err = s.history.ListHistory(ctx, entryID); err != nil {
		return domain.EntryView{}, err
	}
	if view.Errors, err = s.history.ListErrors(ctx, entryID); err != nil {
		return domain.EntryView{}, err
	}
	return view, nil
}

// ReapExpired возвращает в работу элементы, чья аренда истекла (воркер упал).
func (s *Service) ReapExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.queue.ListExpiredLeases(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("поиск истёкших аренд: %w", err)
	}
	reaped := 0
	for _, item := range expired {
		cause := domain.NewPublishError(domain.ErrorCodeUnknown, "lease expired", nil)
		if _, err := s.RecordFailure(ctx, item, "", cause); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			return reaped, err
		}
		s.log.Warn().Int64("queue_item", item.ID).Str("lease_owner", item.LeaseOwner).Msg("queue: аренда истекла")
		reaped++
	}
	return reaped, nil
}

func (s *Service) emit(ctx context.Context, event domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("event", string(event.Type)).Int64("queue_item", event.QueueItemID).Msg("queue: не удалось отправить событие")
	}
}
