package domain

import "time"

// ContentPiece описывает исходный материал, который автор пишет один раз.
// После адаптации не изменяется: правки создают новую версию или новый материал.
type ContentPiece struct {
	ID          int64
	OwnerID     int64
	Title       string
	Body        string
	ContentType string
	SourceURL   string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// ContentAdaptation хранит версию материала для конкретной платформы.
type ContentAdaptation struct {
	ID              int64    `json:"id"`
	ContentPieceID  int64    `json:"content_piece_id"`
	PlatformID      string   `json:"platform_id"`
	AdaptedText     string   `json:"adapted_text"`
	CharacterCount  int      `json:"character_count"`
	Hashtags        []string `json:"hashtags"`
	Mentions        []string `json:"mentions"`
	MediaRefs       []string `json:"media_refs"`
	IsAutoGenerated bool     `json:"is_auto_generated"`
}

// Channel описывает подключённое назначение публикации. Записью владеет реестр каналов.
type Channel struct {
	ID          string
	Platform    string
	ExternalID  string
	AuthToken   string
	Constraints ChannelConstraints
}

// ChannelTarget описывает канал, выбранный для кампании.
type ChannelTarget struct {
	ChannelID string `json:"channel_id"`
	Priority  int    `json:"priority"`
}

// EntryStatus описывает состояние записи расписания.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryPublished EntryStatus = "published"
	EntryFailed    EntryStatus = "failed"
	EntryCancelled EntryStatus = "cancelled"
)

// Terminal сообщает, что запись больше не изменится.
func (s EntryStatus) Terminal() bool {
	return s == EntryPublished || s == EntryFailed || s == EntryCancelled
}

// ScheduleEntry описывает намерение опубликовать материал кампании в один канал в один момент.
type ScheduleEntry struct {
	ID             int64       `json:"id"`
	CampaignID     int64       `json:"campaign_id"`
	ContentPieceID int64       `json:"content_piece_id"`
	OwnerID        int64       `json:"owner_id"`
	ChannelID      string      `json:"channel_id"`
	Priority       int         `json:"priority"`
	ScheduledAt    time.Time   `json:"scheduled_at"`
	Timezone       string      `json:"timezone"`
	Status         EntryStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// QueueItem описывает рабочую единицу очереди публикаций, созданную из наступившей записи расписания.
type QueueItem struct {
	ID                  int64       `json:"id"`
	ScheduleEntryID     int64       `json:"schedule_entry_id"`
	CampaignID          int64       `json:"campaign_id"`
	ContentPieceID      int64       `json:"content_piece_id"`
	ContentAdaptationID int64       `json:"content_adaptation_id,omitempty"`
	ChannelID           string      `json:"channel_id"`
	OwnerID             int64       `json:"owner_id"`
	Status              QueueStatus `json:"queue_status"`
	Priority            int         `json:"priority"`
	RetryCount          int         `json:"retry_count"`
	ErrorMessage        string      `json:"error_message,omitempty"`
	NotBefore           time.Time   `json:"not_before"`
	LeaseOwner          string      `json:"lease_owner,omitempty"`
	LeaseExpiresAt      *time.Time  `json:"lease_expires_at,omitempty"`
	PublishedAt         *time.Time  `json:"published_at,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Live сообщает, что элемент ещё занимает слот записи расписания.
func (q QueueItem) Live() bool {
	return q.Status == QueueQueued || q.Status == QueueProcessing
}

// HistoryStatus описывает итог, зафиксированный в истории.
type HistoryStatus string

const (
	HistoryPublished HistoryStatus = "published"
	HistoryCancelled HistoryStatus = "cancelled"
)

// HistoryRecord хранит неизменяемую запись об успешной публикации или отмене.
type HistoryRecord struct {
	ID              int64         `json:"id"`
	QueueItemID     int64         `json:"queue_item_id,omitempty"`
	ScheduleEntryID int64         `json:"schedule_entry_id"`
	ChannelID       string        `json:"channel_id"`
	Status          HistoryStatus `json:"status"`
	Attempt         int           `json:"attempt"`
	PlatformPostID  string        `json:"platform_post_id,omitempty"`
	RawResponse     string        `json:"raw_response,omitempty"`
	RecordedAt      time.Time     `json:"recorded_at"`
}

// ErrorRecord хранит неизменяемую запись о неудачной попытке публикации.
type ErrorRecord struct {
	ID              int64         `json:"id"`
	QueueItemID     int64         `json:"queue_item_id"`
	ScheduleEntryID int64         `json:"schedule_entry_id"`
	ChannelID       string        `json:"channel_id"`
	Attempt         int           `json:"attempt"`
	Code            ErrorCode     `json:"error_code"`
	Message         string        `json:"error_message"`
	RetryAfter      time.Duration `json:"retry_after"`
	Final           bool          `json:"final"`
	RawResponse     string        `json:"raw_response,omitempty"`
	RecordedAt      time.Time     `json:"recorded_at"`
}

// PublishResult возвращается клиентом платформы после успешной публикации.
type PublishResult struct {
	PostID string
	Raw    string
}

// QueueStats агрегирует состояние очереди для дашборда.
type QueueStats struct {
	Queued      int     `json:"queued"`
	Processing  int     `json:"processing"`
	Published   int     `json:"published"`
	Failed      int     `json:"failed"`
	Cancelled   int     `json:"cancelled"`
	SuccessRate float64 `json:"success_rate"`
}

// EntryView собирает всё, что дашборд показывает по записи расписания.
type EntryView struct {
	Entry    ScheduleEntry   `json:"entry"`
	Item     *QueueItem      `json:"item,omitempty"`
	Retrying bool            `json:"retrying"`
	Final    bool            `json:"final"`
	History  []HistoryRecord `json:"history"`
	Errors   []ErrorRecord   `json:"errors"`
}
