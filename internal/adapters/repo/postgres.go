package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"crosspost/internal/domain"
	"crosspost/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool querier
}

// querier покрывает методы pgxpool.Pool, которыми пользуется адаптер.
type querier interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ domain.ContentRepo    = (*Postgres)(nil)
	_ domain.AdaptationRepo = (*Postgres)(nil)
	_ domain.ScheduleRepo   = (*Postgres)(nil)
	_ domain.QueueRepo      = (*Postgres)(nil)
	_ domain.HistoryRepo    = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const itemColumns = `id, schedule_entry_id, campaign_id, content_piece_id, COALESCE(content_adaptation_id, 0), channel_id, owner_id,
status, priority, retry_count, error_message, not_before, lease_owner, lease_expires_at, published_at, created_at, updated_at`

const entryColumns = `id, campaign_id, content_piece_id, owner_id, channel_id, priority, scheduled_at, timezone, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func scanItem(row rowScanner) (domain.QueueItem, error) {
	var item domain.QueueItem
	err := row.Scan(&item.ID, &item.ScheduleEntryID, &item.CampaignID, &item.ContentPieceID, &item.ContentAdaptationID,
		&item.ChannelID, &item.OwnerID, &item.Status, &item.Priority, &item.RetryCount, &item.ErrorMessage,
		&item.NotBefore, &item.LeaseOwner, &item.LeaseExpiresAt, &item.PublishedAt, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func scanEntry(row rowScanner) (domain.ScheduleEntry, error) {
	var entry domain.ScheduleEntry
	err := row.Scan(&entry.ID, &entry.CampaignID, &entry.ContentPieceID, &entry.OwnerID, &entry.ChannelID, &entry.Priority,
		&entry.ScheduledAt, &entry.Timezone, &entry.Status, &entry.CreatedAt, &entry.UpdatedAt)
	return entry, err
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, domain.ErrNotFound)...)
	}
	return err
}

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// constraintError переводит нарушения ограничений в доменные ошибки.
func constraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: %s: %w", domain.ErrValidation, pgErr.ConstraintName, err)
	case pgUniqueViolation:
		if pgErr.ConstraintName == "queue_items_one_live_idx" {
			return fmt.Errorf("%w: %w", domain.ErrEntryInFlight, err)
		}
	}
	return err
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// GetContentPiece реализует domain.ContentRepo.
func (p *Postgres) GetContentPiece(ctx context.Context, id int64) (domain.ContentPiece, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		piece    domain.ContentPiece
		metadata []byte
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, owner_id, title, body, content_type, source_url, metadata, created_at
FROM content_pieces WHERE id=$1
`, id).Scan(&piece.ID, &piece.OwnerID, &piece.Title, &piece.Body, &piece.ContentType, &piece.SourceURL, &metadata, &piece.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "content_pieces_get", "content_pieces", start, err)
	if err != nil {
		return domain.ContentPiece{}, notFound(err, "content piece %d", id)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &piece.Metadata); err != nil {
			return domain.ContentPiece{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return piece, nil
}

// GetAdaptation реализует domain.AdaptationRepo.
func (p *Postgres) GetAdaptation(ctx context.Context, contentPieceID int64, platformID string) (domain.ContentAdaptation, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var a domain.ContentAdaptation
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, content_piece_id, platform_id, adapted_text, character_count, hashtags, mentions, media_refs, is_auto_generated
FROM content_adaptations WHERE content_piece_id=$1 AND platform_id=$2
`, contentPieceID, strings.ToLower(platformID)).Scan(&a.ID, &a.ContentPieceID, &a.PlatformID, &a.AdaptedText, &a.CharacterCount,
		&a.Hashtags, &a.Mentions, &a.MediaRefs, &a.IsAutoGenerated)
	metrics.ObserveNetworkRequest("postgres", "content_adaptations_get", "content_adaptations", start, err)
	if err != nil {
		return domain.ContentAdaptation{}, notFound(err, "adaptation %d/%s", contentPieceID, platformID)
	}
	return a, nil
}

// UpsertAdaptation реализует domain.AdaptationRepo.
func (p *Postgres) UpsertAdaptation(ctx context.Context, a domain.ContentAdaptation) (domain.ContentAdaptation, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	a.PlatformID = strings.ToLower(a.PlatformID)
	a.Hashtags = nonNil(a.Hashtags)
	a.Mentions = nonNil(a.Mentions)
	a.MediaRefs = nonNil(a.MediaRefs)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO content_adaptations (content_piece_id, platform_id, adapted_text, character_count, hashtags, mentions, media_refs, is_auto_generated, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (content_piece_id, platform_id) DO UPDATE
    SET adapted_text = EXCLUDED.adapted_text,
        character_count = EXCLUDED.character_count,
        hashtags = EXCLUDED.hashtags,
        mentions = EXCLUDED.mentions,
        media_refs = EXCLUDED.media_refs,
        is_auto_generated = EXCLUDED.is_auto_generated,
        updated_at = now()
RETURNING id
`, a.ContentPieceID, a.PlatformID, a.AdaptedText, a.CharacterCount, a.Hashtags, a.Mentions, a.MediaRefs, a.IsAutoGenerated).Scan(&a.ID)
	metrics.ObserveNetworkRequest("postgres", "content_adaptations_upsert", "content_adaptations", start, err)
	if err != nil {
		return domain.ContentAdaptation{}, constraintError(err)
	}
	return a, nil
}

// ReplacePending реализует domain.ScheduleRepo.
func (p *Postgres) ReplacePending(ctx context.Context, entries []domain.ScheduleEntry, now time.Time) ([]domain.ScheduleEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "schedule_entries", start, err)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	for _, entry := range entries {
		start = time.Now()
		rows, err := tx.Query(ctx, `
SELECT id FROM schedule_entries
WHERE campaign_id=$1 AND channel_id=$2 AND status='pending'
ORDER BY id
FOR UPDATE
`, entry.CampaignID, entry.ChannelID)
		metrics.ObserveNetworkRequest("postgres", "schedule_entries_pending_for_update", "schedule_entries", start, err)
		if err != nil {
			return nil, err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, err := p.cancelEntryTx(ctx, tx, id, now); err != nil {
				return nil, err
			}
		}
	}

	saved := make([]domain.ScheduleEntry, 0, len(entries))
	for _, entry := range entries {
		entry.Status = domain.EntryPending
		entry.ScheduledAt = entry.ScheduledAt.UTC()
		entry.CreatedAt = now
		entry.UpdatedAt = now
		start = time.Now()
		err := tx.QueryRow(ctx, `
INSERT INTO schedule_entries (campaign_id, content_piece_id, owner_id, channel_id, priority, scheduled_at, timezone, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
RETURNING id
`, entry.CampaignID, entry.ContentPieceID, entry.OwnerID, entry.ChannelID, entry.Priority, entry.ScheduledAt, entry.Timezone,
			entry.Status, now).Scan(&entry.ID)
		metrics.ObserveNetworkRequest("postgres", "schedule_entries_insert", "schedule_entries", start, err)
		if err != nil {
			return nil, constraintError(err)
		}
		saved = append(saved, entry)
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "schedule_entries", start, err)
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// GetScheduleEntry реализует domain.ScheduleRepo.
func (p *Postgres) GetScheduleEntry(ctx context.Context, id int64) (domain.ScheduleEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	entry, err := scanEntry(p.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM schedule_entries WHERE id=$1`, id))
	metrics.ObserveNetworkRequest("postgres", "schedule_entries_get", "schedule_entries", start, err)
	if err != nil {
		return domain.ScheduleEntry{}, notFound(err, "schedule entry %d", id)
	}
	return entry, nil
}

// CancelScheduleEntry реализует domain.ScheduleRepo.
func (p *Postgres) CancelScheduleEntry(ctx context.Context, id int64, now time.Time) (domain.ScheduleEntry, *domain.QueueItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "schedule_entries", start, err)
	if err != nil {
		return domain.ScheduleEntry{}, nil, err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	entry, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM schedule_entries WHERE id=$1 FOR UPDATE`, id))
	metrics.ObserveNetworkRequest("postgres", "schedule_entries_get_for_update", "schedule_entries", start, err)
	if err != nil {
		return domain.ScheduleEntry{}, nil, notFound(err, "schedule entry %d", id)
	}
	if entry.Status.Terminal() {
		return entry, nil, fmt.Errorf("schedule entry %d is %s: %w", id, entry.Status, domain.ErrAlreadyTerminal)
	}

	item, err := p.cancelEntryTx(ctx, tx, id, now)
	if err != nil {
		return entry, nil, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "schedule_entries", start, err)
	if err != nil {
		return domain.ScheduleEntry{}, nil, err
	}
	entry.Status = domain.EntryCancelled
	entry.UpdatedAt = now
	return entry, item, nil
}

// cancelEntryTx отменяет запись, строка которой уже заблокирована. Элемент в статусе queued
// отменяется тем же условным UPDATE, что конкурирует с захватом воркера.
func (p *Postgres) cancelEntryTx(ctx context.Context, tx pgx.Tx, entryID int64, now time.Time) (*domain.QueueItem, error) {
	start := time.Now()
	item, err := scanItem(tx.QueryRow(ctx, `
UPDATE queue_items SET status='cancelled', updated_at=$2
WHERE schedule_entry_id=$1 AND status='queued'
RETURNING `+itemColumns, entryID, now))
	metrics.ObserveNetworkRequest("postgres", "queue_items_cancel", "queue_items", start, err)
	var cancelled *domain.QueueItem
	switch {
	case err == nil:
		cancelled = &item
	case errors.Is(err, pgx.ErrNoRows):
		var inFlight bool
		start = time.Now()
		err = tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM queue_items WHERE schedule_entry_id=$1 AND status='processing')
`, entryID).Scan(&inFlight)
		metrics.ObserveNetworkRequest("postgres", "queue_items_in_flight", "queue_items", start, err)
		if err != nil {
			return nil, err
		}
		if inFlight {
			return nil, fmt.Errorf("schedule entry %d: %w", entryID, domain.ErrEntryInFlight)
		}
	default:
		return nil, err
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `UPDATE schedule_entries SET status='cancelled', updated_at=$2 WHERE id=$1`, entryID, now)
	metrics.ObserveNetworkRequest("postgres", "schedule_entries_cancel", "schedule_entries", start, err)
	if err != nil {
		return nil, err
	}

	record := domain.HistoryRecord{ScheduleEntryID: entryID, Status: domain.HistoryCancelled, RecordedAt: now}
	if cancelled != nil {
		record.QueueItemID = cancelled.ID
		record.Attempt = cancelled.RetryCount
	}
	start = time.Now()
	_, err = tx.Exec(ctx, `
INSERT INTO publish_history (queue_item_id, schedule_entry_id, channel_id, status, attempt, recorded_at)
SELECT NULLIF($1::bigint, 0), id, channel_id, $2, $3, $4 FROM schedule_entries WHERE id=$5
`, record.QueueItemID, record.Status, record.Attempt, now, entryID)
	metrics.ObserveNetworkRequest("postgres", "publish_history_insert", "publish_history", start, err)
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// EnqueueDue реализует domain.QueueRepo.
func (p *Postgres) EnqueueDue(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
WITH due AS (
    SELECT e.id FROM schedule_entries e
    WHERE e.status='pending' AND e.scheduled_at <= $1
      AND NOT EXISTS (
          SELECT 1 FROM queue_items q
          WHERE q.schedule_entry_id=e.id AND q.status IN ('queued', 'processing')
      )
    ORDER BY e.scheduled_at, e.id
    LIMIT $2
    FOR UPDATE OF e SKIP LOCKED
)
INSERT INTO queue_items (schedule_entry_id, campaign_id, content_piece_id, channel_id, owner_id, status, priority, not_before, created_at, updated_at)
SELECT e.id, e.campaign_id, e.content_piece_id, e.channel_id, e.owner_id, 'queued', e.priority, e.scheduled_at, $1, $1
FROM schedule_entries e JOIN due ON due.id = e.id
ON CONFLICT DO NOTHING
RETURNING `+itemColumns, now, limitArg)
	if err != nil {
		metrics.ObserveNetworkRequest("postgres", "queue_items_enqueue_due", "queue_items", start, err)
		return nil, err
	}
	items, err := collectItems(rows)
	metrics.ObserveNetworkRequest("postgres", "queue_items_enqueue_due", "queue_items", start, err)
	return items, err
}

func collectItems(rows pgx.Rows) ([]domain.QueueItem, error) {
	defer rows.Close()
	items := make([]domain.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClaimNext реализует domain.QueueRepo.
func (p *Postgres) ClaimNext(ctx context.Context, owner string, now time.Time, lease time.Duration) (domain.QueueItem, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	item, err := scanItem(p.pool.QueryRow(ctx, `
UPDATE queue_items
SET status='processing', lease_owner=$1, lease_expires_at=$3, updated_at=$2
WHERE id = (
    SELECT id FROM queue_items
    WHERE status='queued' AND not_before <= $2
    ORDER BY priority DESC, created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING `+itemColumns, owner, now, now.Add(lease)))
	metrics.ObserveNetworkRequest("postgres", "queue_items_claim", "queue_items", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueItem{}, false, nil
	}
	if err != nil {
		return domain.QueueItem{}, false, err
	}
	return item, true, nil
}

// NextQueuedItem реализует domain.QueueRepo.
func (p *Postgres) NextQueuedItem(ctx context.Context, now time.Time) (domain.QueueItem, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	item, err := scanItem(p.pool.QueryRow(ctx, `
SELECT `+itemColumns+` FROM queue_items
WHERE status='queued' AND not_before <= $1
ORDER BY priority DESC, created_at ASC, id ASC
LIMIT 1
`, now))
	metrics.ObserveNetworkRequest("postgres", "queue_items_next", "queue_items", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueItem{}, false, nil
	}
	if err != nil {
		return domain.QueueItem{}, false, err
	}
	return item, true, nil
}

// AttachAdaptation реализует domain.QueueRepo.
func (p *Postgres) AttachAdaptation(ctx context.Context, itemID, adaptationID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE queue_items SET content_adaptation_id=$2 WHERE id=$1`, itemID, adaptationID)
	metrics.ObserveNetworkRequest("postgres", "queue_items_attach_adaptation", "queue_items", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue item %d: %w", itemID, domain.ErrNotFound)
	}
	return nil
}

// CompleteItem реализует domain.QueueRepo.
func (p *Postgres) CompleteItem(ctx context.Context, itemID int64, owner string, record domain.HistoryRecord) (domain.QueueItem, error) {
	return p.finishItem(ctx, itemID, owner, domain.QueuePublished, func(ctx context.Context, tx pgx.Tx, item domain.QueueItem) error {
		start := time.Now()
		_, err := tx.Exec(ctx, `
INSERT INTO publish_history (queue_item_id, schedule_entry_id, channel_id, status, attempt, platform_post_id, raw_response, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, item.ID, item.ScheduleEntryID, item.ChannelID, domain.HistoryPublished, record.Attempt, record.PlatformPostID, record.RawResponse, record.RecordedAt)
		metrics.ObserveNetworkRequest("postgres", "publish_history_insert", "publish_history", start, err)
		return err
	}, `
UPDATE queue_items
SET status='published', published_at=$2, error_message='', lease_owner='', lease_expires_at=NULL, updated_at=$2
WHERE id=$1 AND status='processing' AND lease_owner=$3
RETURNING `+itemColumns, itemID, record.RecordedAt, owner)
}

// RequeueItem реализует domain.QueueRepo.
func (p *Postgres) RequeueItem(ctx context.Context, itemID int64, owner string, record domain.ErrorRecord, notBefore time.Time) (domain.QueueItem, error) {
	return p.finishItem(ctx, itemID, owner, domain.QueueQueued, func(ctx context.Context, tx pgx.Tx, item domain.QueueItem) error {
		return p.insertError(ctx, tx, item, record)
	}, `
UPDATE queue_items
SET status='queued', retry_count=retry_count+1, error_message=$3, not_before=$4, lease_owner='', lease_expires_at=NULL, updated_at=$2
WHERE id=$1 AND status='processing' AND lease_owner=$5
RETURNING `+itemColumns, itemID, record.RecordedAt, record.Message, notBefore, owner)
}

// FailItem реализует domain.QueueRepo.
func (p *Postgres) FailItem(ctx context.Context, itemID int64, owner string, record domain.ErrorRecord) (domain.QueueItem, error) {
	return p.finishItem(ctx, itemID, owner, domain.QueueFailed, func(ctx context.Context, tx pgx.Tx, item domain.QueueItem) error {
		return p.insertError(ctx, tx, item, record)
	}, `
UPDATE queue_items
SET status='failed', error_message=$3, lease_owner='', lease_expires_at=NULL, updated_at=$2
WHERE id=$1 AND status='processing' AND lease_owner=$4
RETURNING `+itemColumns, itemID, record.RecordedAt, record.Message, owner)
}

// finishItem выполняет переход из processing от имени владельца аренды, проецирует итог
// на запись расписания и пишет журнал в одной транзакции.
func (p *Postgres) finishItem(ctx context.Context, itemID int64, owner string, to domain.QueueStatus, journal func(context.Context, pgx.Tx, domain.QueueItem) error, query string, args ...any) (domain.QueueItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "queue_items", start, err)
	if err != nil {
		return domain.QueueItem{}, err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	item, err := scanItem(tx.QueryRow(ctx, query, args...))
	metrics.ObserveNetworkRequest("postgres", "queue_items_"+string(to), "queue_items", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueItem{}, p.transitionError(ctx, tx, itemID, owner, to)
	}
	if err != nil {
		return domain.QueueItem{}, err
	}

	if entryStatus, ok := domain.EntryStatusFor(to); ok {
		start = time.Now()
		_, err = tx.Exec(ctx, `UPDATE schedule_entries SET status=$2, updated_at=$3 WHERE id=$1`, item.ScheduleEntryID, entryStatus, item.UpdatedAt)
		metrics.ObserveNetworkRequest("postgres", "schedule_entries_project", "schedule_entries", start, err)
		if err != nil {
			return domain.QueueItem{}, err
		}
	}
	if err := journal(ctx, tx, item); err != nil {
		return domain.QueueItem{}, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "queue_items", start, err)
	if err != nil {
		return domain.QueueItem{}, err
	}
	return item, nil
}

func (p *Postgres) transitionError(ctx context.Context, tx pgx.Tx, itemID int64, owner string, to domain.QueueStatus) error {
	var (
		current domain.QueueStatus
		holder  string
	)
	err := tx.QueryRow(ctx, `SELECT status, lease_owner FROM queue_items WHERE id=$1`, itemID).Scan(&current, &holder)
	if err != nil {
		return notFound(err, "queue item %d", itemID)
	}
	if err := domain.ValidateTransition(current, to); err != nil {
		return fmt.Errorf("queue item %d: %w", itemID, err)
	}
	if holder != owner {
		return fmt.Errorf("queue item %d: %w: held by %q", itemID, domain.ErrLeaseLost, holder)
	}
	return fmt.Errorf("queue item %d: %w: concurrent update", itemID, domain.ErrInvalidTransition)
}

func (p *Postgres) insertError(ctx context.Context, tx pgx.Tx, item domain.QueueItem, record domain.ErrorRecord) error {
	start := time.Now()
	_, err := tx.Exec(ctx, `
INSERT INTO publish_errors (queue_item_id, schedule_entry_id, channel_id, attempt, error_code, error_message, retry_after_ms, final, raw_response, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, item.ID, item.ScheduleEntryID, item.ChannelID, record.Attempt, string(record.Code), record.Message,
		record.RetryAfter.Milliseconds(), record.Final, record.RawResponse, record.RecordedAt)
	metrics.ObserveNetworkRequest("postgres", "publish_errors_insert", "publish_errors", start, err)
	return err
}

// ListExpiredLeases реализует domain.QueueRepo.
func (p *Postgres) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+itemColumns+` FROM queue_items
WHERE status='processing' AND lease_expires_at < $1
ORDER BY id
LIMIT $2
`, now, limitArg)
	if err != nil {
		metrics.ObserveNetworkRequest("postgres", "queue_items_expired", "queue_items", start, err)
		return nil, err
	}
	items, err := collectItems(rows)
	metrics.ObserveNetworkRequest("postgres", "queue_items_expired", "queue_items", start, err)
	return items, err
}

// GetQueueItem реализует domain.QueueRepo.
func (p *Postgres) GetQueueItem(ctx context.Context, id int64) (domain.QueueItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	item, err := scanItem(p.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id=$1`, id))
	metrics.ObserveNetworkRequest("postgres", "queue_items_get", "queue_items", start, err)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "queue item %d", id)
	}
	return item, nil
}

// LatestItemForEntry реализует domain.QueueRepo.
func (p *Postgres) LatestItemForEntry(ctx context.Context, entryID int64) (domain.QueueItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	item, err := scanItem(p.pool.QueryRow(ctx, `
SELECT `+itemColumns+` FROM queue_items WHERE schedule_entry_id=$1 ORDER BY id DESC LIMIT 1
`, entryID))
	metrics.ObserveNetworkRequest("postgres", "queue_items_latest", "queue_items", start, err)
	if err != nil {
		return domain.QueueItem{}, notFound(err, "queue item for entry %d", entryID)
	}
	return item, nil
}

// QueueStats реализует domain.QueueRepo. ownerID = 0 считает по всем владельцам.
func (p *Postgres) QueueStats(ctx context.Context, ownerID int64) (domain.QueueStats, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var stats domain.QueueStats
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT
    count(*) FILTER (WHERE q.status = 'queued'),
    count(*) FILTER (WHERE q.status = 'processing'),
    count(*) FILTER (WHERE q.id IS NULL AND e.status = 'published'),
    count(*) FILTER (WHERE q.id IS NULL AND e.status = 'failed'),
    count(*) FILTER (WHERE q.id IS NULL AND e.status = 'cancelled')
FROM schedule_entries e
LEFT JOIN queue_items q ON q.schedule_entry_id = e.id AND q.status IN ('queued', 'processing')
WHERE $1::bigint = 0 OR e.owner_id = $1
`, ownerID).Scan(&stats.Queued, &stats.Processing, &stats.Published, &stats.Failed, &stats.Cancelled)
	metrics.ObserveNetworkRequest("postgres", "queue_stats", "queue_items", start, err)
	if err != nil {
		return domain.QueueStats{}, err
	}
	stats.SuccessRate = successRate(stats.Published, stats.Failed)
	return stats, nil
}

// ListHistory реализует domain.HistoryRepo.
func (p *Postgres) ListHistory(ctx context.Context, entryID int64) ([]domain.HistoryRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, COALESCE(queue_item_id, 0), schedule_entry_id, channel_id, status, attempt, platform_post_id, raw_response, recorded_at
FROM publish_history WHERE schedule_entry_id=$1 ORDER BY id
`, entryID)
	metrics.ObserveNetworkRequest("postgres", "publish_history_list", "publish_history", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.HistoryRecord, 0)
	for rows.Next() {
		var r domain.HistoryRecord
		if err := rows.Scan(&r.ID, &r.QueueItemID, &r.ScheduleEntryID, &r.ChannelID, &r.Status, &r.Attempt, &r.PlatformPostID, &r.RawResponse, &r.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListErrors реализует domain.HistoryRepo.
func (p *Postgres) ListErrors(ctx context.Context, entryID int64) ([]domain.ErrorRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, queue_item_id, schedule_entry_id, channel_id, attempt, error_code, error_message, retry_after_ms, final, raw_response, recorded_at
FROM publish_errors WHERE schedule_entry_id=$1 ORDER BY id
`, entryID)
	metrics.ObserveNetworkRequest("postgres", "publish_errors_list", "publish_errors", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ErrorRecord, 0)
	for rows.Next() {
		var (
			r            domain.ErrorRecord
			retryAfterMs int64
		)
		if err := rows.Scan(&r.ID, &r.QueueItemID, &r.ScheduleEntryID, &r.ChannelID, &r.Attempt, &r.Code, &r.Message,
			&retryAfterMs, &r.Final, &r.RawResponse, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.RetryAfter = time.Duration(retryAfterMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
