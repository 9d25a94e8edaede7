package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"crosspost/internal/domain"
)

type adaptationKey struct {
	pieceID  int64
	platform string
}

// Memory хранит данные конвейера в памяти процесса. Все операции выполняются под одним
// мьютексом, поэтому захват элемента очереди атомарен так же, как в Postgres.
type Memory struct {
	mu sync.Mutex

	pieces      map[int64]domain.ContentPiece
	adaptations map[adaptationKey]domain.ContentAdaptation
	entries     map[int64]domain.ScheduleEntry
	items       map[int64]domain.QueueItem
	history     []domain.HistoryRecord
	errors      []domain.ErrorRecord

	pieceSeq      int64
	adaptationSeq int64
	entrySeq      int64
	itemSeq       int64
	historySeq    int64
	errorSeq      int64
}

var (
	_ domain.ContentRepo    = (*Memory)(nil)
	_ domain.AdaptationRepo = (*Memory)(nil)
	_ domain.ScheduleRepo   = (*Memory)(nil)
	_ domain.QueueRepo      = (*Memory)(nil)
	_ domain.HistoryRepo    = (*Memory)(nil)
)

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{
		pieces:      make(map[int64]domain.ContentPiece),
		adaptations: make(map[adaptationKey]domain.ContentAdaptation),
		entries:     make(map[int64]domain.ScheduleEntry),
		items:       make(map[int64]domain.QueueItem),
	}
}

// SaveContentPiece сохраняет материал и присваивает идентификатор, если он не задан.
func (m *Memory) SaveContentPiece(_ context.Context, piece domain.ContentPiece) (domain.ContentPiece, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if piece.ID == 0 {
		m.pieceSeq++
		piece.ID = m.pieceSeq
	} else if piece.ID > m.pieceSeq {
		m.pieceSeq = piece.ID
	}
	m.pieces[piece.ID] = piece
	return piece, nil
}

// GetContentPiece реализует domain.ContentRepo.
func (m *Memory) GetContentPiece(_ context.Context, id int64) (domain.ContentPiece, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	piece, ok := m.pieces[id]
	if !ok {
		return domain.ContentPiece{}, fmt.Errorf("content piece %d: %w", id, domain.ErrNotFound)
	}
	return piece, nil
}

// GetAdaptation реализует domain.AdaptationRepo.
func (m *Memory) GetAdaptation(_ context.Context, contentPieceID int64, platformID string) (domain.ContentAdaptation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	adaptation, ok := m.adaptations[adaptationKey{contentPieceID, strings.ToLower(platformID)}]
	if !ok {
		return domain.ContentAdaptation{}, fmt.Errorf("adaptation %d/%s: %w", contentPieceID, platformID, domain.ErrNotFound)
	}
	return adaptation, nil
}

// UpsertAdaptation реализует domain.AdaptationRepo. Идентификатор пары сохраняется.
func (m *Memory) UpsertAdaptation(_ context.Context, adaptation domain.ContentAdaptation) (domain.ContentAdaptation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := adaptationKey{adaptation.ContentPieceID, strings.ToLower(adaptation.PlatformID)}
	if existing, ok := m.adaptations[key]; ok {
		adaptation.ID = existing.ID
	} else {
		m.adaptationSeq++
		adaptation.ID = m.adaptationSeq
	}
	m.adaptations[key] = adaptation
	return adaptation, nil
}

// ReplacePending реализует domain.ScheduleRepo.
func (m *Memory) ReplacePending(_ context.Context, entries []domain.ScheduleEntry, now time.Time) ([]domain.ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var replaced []int64
	for _, entry := range entries {
		for id, existing := range m.entries {
			if existing.Status != domain.EntryPending || existing.CampaignID != entry.CampaignID || existing.ChannelID != entry.ChannelID {
				continue
			}
			if item, ok := m.liveItemLocked(id); ok && item.Status == domain.QueueProcessing {
				return nil, fmt.Errorf("entry %d: %w", id, domain.ErrEntryInFlight)
			}
			replaced = append(replaced, id)
		}
	}
	for _, id := range replaced {
		m.cancelEntryLocked(id, now)
	}

	saved := make([]domain.ScheduleEntry, 0, len(entries))
	for _, entry := range entries {
		m.entrySeq++
		entry.ID = m.entrySeq
		entry.Status = domain.EntryPending
		entry.ScheduledAt = entry.ScheduledAt.UTC()
		entry.CreatedAt = now
		entry.UpdatedAt = now
		m.entries[entry.ID] = entry
		saved = append(saved, entry)
	}
	return saved, nil
}

// GetScheduleEntry реализует domain.ScheduleRepo.
func (m *Memory) GetScheduleEntry(_ context.Context, id int64) (domain.ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return domain.ScheduleEntry{}, fmt.Errorf("schedule entry %d: %w", id, domain.ErrNotFound)
	}
	return entry, nil
}

// CancelScheduleEntry реализует domain.ScheduleRepo.
func (m *Memory) CancelScheduleEntry(_ context.Context, id int64, now time.Time) (domain.ScheduleEntry, *domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return domain.ScheduleEntry{}, nil, fmt.Errorf("schedule entry %d: %w", id, domain.ErrNotFound)
	}
	if entry.Status.Terminal() {
		return entry, nil, fmt.Errorf("schedule entry %d is %s: %w", id, entry.Status, domain.ErrAlreadyTerminal)
	}
	if item, ok := m.liveItemLocked(id); ok && item.Status == domain.QueueProcessing {
		return entry, nil, fmt.Errorf("schedule entry %d: %w", id, domain.ErrEntryInFlight)
	}
	entry, item := m.cancelEntryLocked(id, now)
	return entry, item, nil
}

func (m *Memory) cancelEntryLocked(id int64, now time.Time) (domain.ScheduleEntry, *domain.QueueItem) {
	entry := m.entries[id]
	entry.Status = domain.EntryCancelled
	entry.UpdatedAt = now
	m.entries[id] = entry

	record := domain.HistoryRecord{
		ScheduleEntryID: id,
		ChannelID:       entry.ChannelID,
		Status:          domain.HistoryCancelled,
		RecordedAt:      now,
	}
	var cancelled *domain.QueueItem
	if item, ok := m.liveItemLocked(id); ok {
		item.Status = domain.QueueCancelled
		item.UpdatedAt = now
		m.items[item.ID] = item
		record.QueueItemID = item.ID
		record.Attempt = item.RetryCount
		cancelled = &item
	}
	m.appendHistoryLocked(record)
	return entry, cancelled
}

func (m *Memory) liveItemLocked(entryID int64) (domain.QueueItem, bool) {
	for _, item := range m.items {
		if item.ScheduleEntryID == entryID && item.Live() {
			return item, true
		}
	}
	return domain.QueueItem{}, false
}

// EnqueueDue реализует domain.QueueRepo.
func (m *Memory) EnqueueDue(_ context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]domain.ScheduleEntry, 0)
	for id, entry := range m.entries {
		if entry.Status != domain.EntryPending || entry.ScheduledAt.After(now) {
			continue
		}
		if _, live := m.liveItemLocked(id); live {
			continue
		}
		due = append(due, entry)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	created := make([]domain.QueueItem, 0, len(due))
	for _, entry := range due {
		m.itemSeq++
		item := domain.QueueItem{
			ID:              m.itemSeq,
			ScheduleEntryID: entry.ID,
			CampaignID:      entry.CampaignID,
			ContentPieceID:  entry.ContentPieceID,
			ChannelID:       entry.ChannelID,
			OwnerID:         entry.OwnerID,
			Status:          domain.QueueQueued,
			Priority:        entry.Priority,
			NotBefore:       entry.ScheduledAt,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		m.items[item.ID] = item
		created = append(created, item)
	}
	return created, nil
}

// ClaimNext реализует domain.QueueRepo.
func (m *Memory) ClaimNext(_ context.Context, owner string, now time.Time, lease time.Duration) (domain.QueueItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.nextQueuedLocked(now)
	if !ok {
		return domain.QueueItem{}, false, nil
	}
	expires := now.Add(lease)
	item.Status = domain.QueueProcessing
	item.LeaseOwner = owner
	item.LeaseExpiresAt = &expires
	item.UpdatedAt = now
	m.items[item.ID] = item
	return item, true, nil
}

// NextQueuedItem реализует domain.QueueRepo: следующий элемент в порядке захвата без захвата.
func (m *Memory) NextQueuedItem(_ context.Context, now time.Time) (domain.QueueItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.nextQueuedLocked(now)
	return item, ok, nil
}

func (m *Memory) nextQueuedLocked(now time.Time) (domain.QueueItem, bool) {
	var (
		best  domain.QueueItem
		found bool
	)
	for _, item := range m.items {
		if item.Status != domain.QueueQueued || item.NotBefore.After(now) {
			continue
		}
		if !found || claimsBefore(item, best) {
			best = item
			found = true
		}
	}
	return best, found
}

func claimsBefore(a, b domain.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// AttachAdaptation реализует domain.QueueRepo.
func (m *Memory) AttachAdaptation(_ context.Context, itemID, adaptationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemID]
	if !ok {
		return fmt.Errorf("queue item %d: %w", itemID, domain.ErrNotFound)
	}
	item.ContentAdaptationID = adaptationID
	m.items[itemID] = item
	return nil
}

// CompleteItem реализует domain.QueueRepo.
func (m *Memory) CompleteItem(_ context.Context, itemID int64, owner string, record domain.HistoryRecord) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.transitionLocked(itemID, owner, domain.QueuePublished, record.RecordedAt)
	if err != nil {
		return domain.QueueItem{}, err
	}
	publishedAt := record.RecordedAt
	item.PublishedAt = &publishedAt
	item.ErrorMessage = ""
	m.items[itemID] = item
	m.setEntryStatusLocked(item.ScheduleEntryID, domain.EntryPublished, record.RecordedAt)

	record.QueueItemID = item.ID
	record.ScheduleEntryID = item.ScheduleEntryID
	record.ChannelID = item.ChannelID
	record.Status = domain.HistoryPublished
	m.appendHistoryLocked(record)
	return item, nil
}

// RequeueItem реализует domain.QueueRepo.
func (m *Memory) RequeueItem(_ context.Context, itemID int64, owner string, record domain.ErrorRecord, notBefore time.Time) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.transitionLocked(itemID, owner, domain.QueueQueued, record.RecordedAt)
	if err != nil {
		return domain.QueueItem{}, err
	}
	item.RetryCount++
	item.ErrorMessage = record.Message
	item.NotBefore = notBefore
	m.items[itemID] = item
	m.appendErrorLocked(item, record)
	return item, nil
}

// FailItem реализует domain.QueueRepo.
func (m *Memory) FailItem(_ context.Context, itemID int64, owner string, record domain.ErrorRecord) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.transitionLocked(itemID, owner, domain.QueueFailed, record.RecordedAt)
	if err != nil {
		return domain.QueueItem{}, err
	}
	item.ErrorMessage = record.Message
	m.items[itemID] = item
	m.setEntryStatusLocked(item.ScheduleEntryID, domain.EntryFailed, record.RecordedAt)
	m.appendErrorLocked(item, record)
	return item, nil
}

func (m *Memory) transitionLocked(itemID int64, owner string, to domain.QueueStatus, now time.Time) (domain.QueueItem, error) {
	item, ok := m.items[itemID]
	if !ok {
		return domain.QueueItem{}, fmt.Errorf("queue item %d: %w", itemID, domain.ErrNotFound)
	}
	if err := domain.ValidateTransition(item.Status, to); err != nil {
		return domain.QueueItem{}, fmt.Errorf("queue item %d: %w", itemID, err)
	}
	if item.LeaseOwner != owner {
		return domain.QueueItem{}, fmt.Errorf("queue item %d: %w: held by %q", itemID, domain.ErrLeaseLost, item.LeaseOwner)
	}
	item.Status = to
	item.LeaseOwner = ""
	item.LeaseExpiresAt = nil
	item.UpdatedAt = now
	return item, nil
}

func (m *Memory) setEntryStatusLocked(entryID int64, status domain.EntryStatus, now time.Time) {
	entry, ok := m.entries[entryID]
	if !ok {
		return
	}
	entry.Status = status
	entry.UpdatedAt = now
	m.entries[entryID] = entry
}

func (m *Memory) appendHistoryLocked(record domain.HistoryRecord) {
	m.historySeq++
	record.ID = m.historySeq
	m.history = append(m.history, record)
}

func (m *Memory) appendErrorLocked(item domain.QueueItem, record domain.ErrorRecord) {
	m.errorSeq++
	record.ID = m.errorSeq
	record.QueueItemID = item.ID
	record.ScheduleEntryID = item.ScheduleEntryID
	record.ChannelID = item.ChannelID
	m.errors = append(m.errors, record)
}

// ListExpiredLeases реализует domain.QueueRepo.
func (m *Memory) ListExpiredLeases(_ context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := make([]domain.QueueItem, 0)
	for _, item := range m.items {
		if item.Status == domain.QueueProcessing && item.LeaseExpiresAt != nil && item.LeaseExpiresAt.Before(now) {
			expired = append(expired, item)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// GetQueueItem реализует domain.QueueRepo.
func (m *Memory) GetQueueItem(_ context.Context, id int64) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.QueueItem{}, fmt.Errorf("queue item %d: %w", id, domain.ErrNotFound)
	}
	return item, nil
}

// LatestItemForEntry реализует domain.QueueRepo.
func (m *Memory) LatestItemForEntry(_ context.Context, entryID int64) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		latest domain.QueueItem
		found  bool
	)
	for _, item := range m.items {
		if item.ScheduleEntryID == entryID && (!found || item.ID > latest.ID) {
			latest = item
			found = true
		}
	}
	if !found {
		return domain.QueueItem{}, fmt.Errorf("queue item for entry %d: %w", entryID, domain.ErrNotFound)
	}
	return latest, nil
}

// QueueStats реализует domain.QueueRepo. ownerID = 0 считает по всем владельцам.
func (m *Memory) QueueStats(_ context.Context, ownerID int64) (domain.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats domain.QueueStats
	for id, entry := range m.entries {
		if ownerID != 0 && entry.OwnerID != ownerID {
			continue
		}
		if item, ok := m.liveItemLocked(id); ok {
			if item.Status == domain.QueueProcessing {
				stats.Processing++
			} else {
				stats.Queued++
			}
			continue
		}
		switch entry.Status {
		case domain.EntryPublished:
			stats.Published++
		case domain.EntryFailed:
			stats.Failed++
		case domain.EntryCancelled:
			stats.Cancelled++
		}
	}
	stats.SuccessRate = successRate(stats.Published, stats.Failed)
	return stats, nil
}

func successRate(published, failed int) float64 {
	if published+failed == 0 {
		return 0
	}
	return float64(published) / float64(published+failed)
}

// ListHistory реализует domain.HistoryRepo.
func (m *Memory) ListHistory(_ context.Context, entryID int64) ([]domain.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.HistoryRecord, 0)
	for _, record := range m.history {
		if record.ScheduleEntryID == entryID {
			out = append(out, record)
		}
	}
	return out, nil
}

// ListErrors реализует domain.HistoryRepo.
func (m *Memory) ListErrors(_ context.Context, entryID int64) ([]domain.ErrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ErrorRecord, 0)
	for _, record := range m.errors {
		if record.ScheduleEntryID == entryID {
			out = append(out, record)
		}
	}
	return out, nil
}
