package domain

import (
	"context"
	"time"
)

// ContentRepo читает исходные материалы из общего хранилища.
type ContentRepo interface {
	GetContentPiece(ctx context.Context, id int64) (ContentPiece, error)
}

// AdaptationRepo хранит адаптации: не больше одной на пару (материал, платформа).
type AdaptationRepo interface {
	GetAdaptation(ctx context.Context, contentPieceID int64, platformID string) (ContentAdaptation, error)
	UpsertAdaptation(ctx context.Context, adaptation ContentAdaptation) (ContentAdaptation, error)
}

// ScheduleRepo управляет записями расписания.
type ScheduleRepo interface {
	// ReplacePending атомарно отменяет ожидающие записи для тех же пар (кампания, канал)
	// и создаёт новые. Если по старой записи идёт публикация, возвращает ErrEntryInFlight.
	ReplacePending(ctx context.Context, entries []ScheduleEntry, now time.Time) ([]ScheduleEntry, error)
	GetScheduleEntry(ctx context.Context, id int64) (ScheduleEntry, error)
	// CancelScheduleEntry отменяет запись и её элемент очереди в статусе queued
	// тем же атомарным захватом, что использует воркер.
	CancelScheduleEntry(ctx context.Context, id int64, now time.Time) (ScheduleEntry, *QueueItem, error)
}

// QueueRepo реализует очередь публикаций и её автомат состояний.
type QueueRepo interface {
	// EnqueueDue создаёт по одному элементу для наступивших записей без живого элемента.
	EnqueueDue(ctx context.Context, now time.Time, limit int) ([]QueueItem, error)
	// ClaimNext атомарно переводит следующий готовый элемент в processing.
	ClaimNext(ctx context.Context, owner string, now time.Time, lease time.Duration) (QueueItem, bool, error)
	AttachAdaptation(ctx context.Context, itemID, adaptationID int64) error
	CompleteItem(ctx context.Context, itemID int64, owner string, record HistoryRecord) (QueueItem, error)
	RequeueItem(ctx context.Context, itemID int64, owner string, record ErrorRecord, notBefore time.Time) (QueueItem, error)
	FailItem(ctx context.Context, itemID int64, owner string, record ErrorRecord) (QueueItem, error)
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]QueueItem, error)
	GetQueueItem(ctx context.Context, id int64) (QueueItem, error)
	LatestItemForEntry(ctx context.Context, entryID int64) (QueueItem, error)
	QueueStats(ctx context.Context, ownerID int64) (QueueStats, error)
	NextQueuedItem(ctx context.Context, now time.Time) (QueueItem, bool, error)
}

// HistoryRepo читает журнал попыток. Запись в журнал идёт только вместе с переходами очереди.
type HistoryRepo interface {
	ListHistory(ctx context.Context, entryID int64) ([]HistoryRecord, error)
	ListErrors(ctx context.Context, entryID int64) ([]ErrorRecord, error)
}

// ChannelRegistry разрешает идентификатор канала в платформу, токен и ограничения.
type ChannelRegistry interface {
	Resolve(ctx context.Context, channelID string) (Channel, error)
}

// PlatformClient публикует адаптацию в канал. Протокол платформы скрыт за интерфейсом.
type PlatformClient interface {
	Publish(ctx context.Context, adaptation ContentAdaptation, channel Channel) (PublishResult, error)
}

// EventPublisher рассылает события о результатах публикации.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Locker используется для взаимного исключения между репликами планировщика.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}
