package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType описывает тип события конвейера.
type EventType string

const (
	// EventEntryScheduled: запись расписания создана.
	EventEntryScheduled EventType = "schedule_entry.scheduled"
	// EventItemPublished: публикация прошла успешно.
	EventItemPublished EventType = "queue_item.published"
	// EventItemRetryScheduled: временная ошибка, элемент вернулся в очередь.
	EventItemRetryScheduled EventType = "queue_item.retry_scheduled"
	// EventItemFailed: элемент завершился ошибкой.
	EventItemFailed EventType = "queue_item.failed"
	// EventItemCancelled: запись отменена вызывающей стороной.
	EventItemCancelled EventType = "queue_item.cancelled"
)

// Event содержит информацию о переходе, уже сохранённом в хранилище.
type Event struct {
	ID              string     `json:"event_id"`
	Type            EventType  `json:"type"`
	ScheduleEntryID int64      `json:"schedule_entry_id"`
	QueueItemID     int64      `json:"queue_item_id,omitempty"`
	CampaignID      int64      `json:"campaign_id"`
	OwnerID         int64      `json:"owner_id"`
	ChannelID       string     `json:"channel_id"`
	Platform        string     `json:"platform,omitempty"`
	Attempt         int        `json:"attempt,omitempty"`
	PlatformPostID  string     `json:"platform_post_id,omitempty"`
	ErrorCode       ErrorCode  `json:"error_code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	NotBefore       *time.Time `json:"not_before,omitempty"`
	OccurredAt      time.Time  `json:"occurred_at"`
}

// NewEvent создаёт событие по элементу очереди.
func NewEvent(eventType EventType, item QueueItem, occurredAt time.Time) Event {
	return Event{
		ID:              uuid.NewString(),
		Type:            eventType,
		ScheduleEntryID: item.ScheduleEntryID,
		QueueItemID:     item.ID,
		CampaignID:      item.CampaignID,
		OwnerID:         item.OwnerID,
		ChannelID:       item.ChannelID,
		OccurredAt:      occurredAt.UTC(),
	}
}

// NewEntryEvent создаёт событие по записи расписания.
func NewEntryEvent(eventType EventType, entry ScheduleEntry, occurredAt time.Time) Event {
	return Event{
		ID:              uuid.NewString(),
		Type:            eventType,
		ScheduleEntryID: entry.ID,
		CampaignID:      entry.CampaignID,
		OwnerID:         entry.OwnerID,
		ChannelID:       entry.ChannelID,
		OccurredAt:      occurredAt.UTC(),
	}
}
