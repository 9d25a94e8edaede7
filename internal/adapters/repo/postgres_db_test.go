package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"crosspost/internal/domain"
	"crosspost/internal/infra/db"
)

// newDBPostgres подключается к базе из PG_TEST_DSN и очищает таблицы.
func newDBPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN не задан")
	}
	pool, err := db.Connect(dsn, 10)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	ctx := context.Background()
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `
TRUNCATE publish_errors, publish_history, queue_items, schedule_entries, content_adaptations, content_pieces RESTART IDENTITY CASCADE
`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewPostgres(pool)
}

func seedDBEntries(t *testing.T, p *Postgres, priorities ...int) []domain.ScheduleEntry {
	t.Helper()
	ctx := context.Background()
	var pieceID int64
	if err := p.pool.QueryRow(ctx, `INSERT INTO content_pieces (owner_id, body) VALUES (7, 'текст') RETURNING id`).Scan(&pieceID); err != nil {
		t.Fatalf("insert content piece: %v", err)
	}
	entries := make([]domain.ScheduleEntry, len(priorities))
	for i, priority := range priorities {
		entries[i] = domain.ScheduleEntry{
			CampaignID:     1,
			ContentPieceID: pieceID,
			OwnerID:        7,
			ChannelID:      fmt.Sprintf("ch-%d", i),
			Priority:       priority,
			ScheduledAt:    t0,
			Timezone:       "UTC",
		}
	}
	saved, err := p.ReplacePending(ctx, entries, t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("replace pending: %v", err)
	}
	return saved
}

func TestDBClaimOrderByPriorityThenAge(t *testing.T) {
	p := newDBPostgres(t)
	ctx := context.Background()
	seedDBEntries(t, p, 3, 5, 5)
	if items, err := p.EnqueueDue(ctx, t0, 0); err != nil || len(items) != 3 {
		t.Fatalf("enqueue: %d %v", len(items), err)
	}

	var got []domain.QueueItem
	for i := 0; i < 3; i++ {
		item, ok, err := p.ClaimNext(ctx, "w", t0, time.Minute)
		if err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}
		if item.Status != domain.QueueProcessing || item.LeaseOwner != "w" || item.LeaseExpiresAt == nil {
			t.Fatalf("захваченный элемент должен быть в processing с арендой: %+v", item)
		}
		got = append(got, item)
	}
	if got[0].Priority != 5 || got[1].Priority != 5 || got[2].Priority != 3 {
		t.Fatalf("ожидали приоритеты [5 5 3], получили [%d %d %d]", got[0].Priority, got[1].Priority, got[2].Priority)
	}
	if got[0].ID > got[1].ID {
		t.Fatalf("при равном приоритете первым должен идти более старый элемент")
	}
	if _, ok, err := p.ClaimNext(ctx, "w", t0, time.Minute); err != nil || ok {
		t.Fatalf("очередь должна быть пуста: ok=%v err=%v", ok, err)
	}
}

func TestDBClaimRespectsNotBefore(t *testing.T) {
	p := newDBPostgres(t)
	ctx := context.Background()
	seedDBEntries(t, p, 0)
	p.EnqueueDue(ctx, t0, 0)
	item, ok, _ := p.ClaimNext(ctx, "w", t0, time.Minute)
	if !ok {
		t.Fatalf("ожидали элемент")
	}
	record := domain.ErrorRecord{Attempt: 1, Code: domain.ErrorCodeRateLimit, Message: "429", RetryAfter: time.Minute, RecordedAt: t0}
	if _, err := p.RequeueItem(ctx, item.ID, "w", record, t0.Add(time.Minute)); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if _, ok, _ := p.ClaimNext(ctx, "w", t0.Add(30*time.Second), time.Minute); ok {
		t.Fatalf("элемент не должен захватываться раньше not_before")
	}
	if _, ok, _ := p.NextQueuedItem(ctx, t0.Add(30*time.Second)); ok {
		t.Fatalf("next не должен показывать элемент раньше not_before")
	}
	again, ok, err := p.ClaimNext(ctx, "w", t0.Add(time.Minute), time.Minute)
	if err != nil || !ok || again.ID != item.ID || again.RetryCount != 1 {
		t.Fatalf("ожидали повторный захват с retry_count=1: %+v ok=%v err=%v", again, ok, err)
	}
	errs, err := p.ListErrors(ctx, item.ScheduleEntryID)
	if err != nil || len(errs) != 1 || errs[0].RetryAfter != time.Minute {
		t.Fatalf("ожидали запись об ошибке с подсказкой: %+v %v", errs, err)
	}
}

func TestDBEnqueueDueTwiceIsNoop(t *testing.T) {
	p := newDBPostgres(t)
	ctx := context.Background()
	seedDBEntries(t, p, 0, 0)
	first, err := p.EnqueueDue(ctx, t0, 0)
	if err != nil || len(first) != 2 {
		t.Fatalf("первый проход: %d %v", len(first), err)
	}
	second, err := p.EnqueueDue(ctx, t0.Add(time.Minute), 0)
	if err != nil || len(second) != 0 {
		t.Fatalf("повторный проход не должен создавать элементы: %d %v", len(second), err)
	}
	stats, err := p.QueueStats(ctx, 7)
	if err != nil || stats.Queued != 2 {
		t.Fatalf("ожидали 2 элемента в очереди: %+v %v", stats, err)
	}
}

func TestDBCancelRacesWithClaim(t *testing.T) {
	p := newDBPostgres(t)
	ctx := context.Background()
	entries := seedDBEntries(t, p, make([]int, 20)...)
	p.EnqueueDue(ctx, t0, 0)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		claimed    = map[int64]int{}
		cancelled  = map[int64]bool{}
		inFlight   = map[int64]bool{}
		unexpected []error
	)
	for w := 0; w < 4; w++ {
		owner := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, ok, err := p.ClaimNext(ctx, owner, t0, time.Minute)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				claimed[item.ScheduleEntryID]++
				mu.Unlock()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, e := range entries {
			_, _, err := p.CancelScheduleEntry(ctx, e.ID, t0)
			mu.Lock()
			switch {
			case err == nil:
				cancelled[e.ID] = true
			case errors.Is(err, domain.ErrEntryInFlight):
				inFlight[e.ID] = true
			default:
				unexpected = append(unexpected, err)
			}
			mu.Unlock()
		}
	}()
	wg.Wait()

	if len(unexpected) > 0 {
		t.Fatalf("неожиданные ошибки отмены: %v", unexpected)
	}
	for _, e := range entries {
		n := claimed[e.ID]
		switch {
		case n > 1:
			t.Fatalf("запись %d захвачена %d раз", e.ID, n)
		case n == 1 && cancelled[e.ID]:
			t.Fatalf("запись %d одновременно отменена и захвачена", e.ID)
		case n == 0 && !cancelled[e.ID]:
			t.Fatalf("запись %d не отменена и не захвачена", e.ID)
		case n == 1 && !inFlight[e.ID]:
			t.Fatalf("отмена захваченной записи %d должна вернуть ErrEntryInFlight", e.ID)
		}
		item, err := p.LatestItemForEntry(ctx, e.ID)
		if err != nil {
			t.Fatalf("latest item: %v", err)
		}
		if cancelled[e.ID] && item.Status != domain.QueueCancelled {
			t.Fatalf("элемент отменённой записи %d в статусе %s", e.ID, item.Status)
		}
	}
}

func TestDBStaleOwnerCannotFinishItem(t *testing.T) {
	p := newDBPostgres(t)
	ctx := context.Background()
	entries := seedDBEntries(t, p, 0)
	p.EnqueueDue(ctx, t0, 0)
	item, _, _ := p.ClaimNext(ctx, "w1", t0, time.Minute)

	if _, err := p.CompleteItem(ctx, item.ID, "w2", domain.HistoryRecord{Attempt: 1, RecordedAt: t0}); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("чужой воркер должен получить ErrLeaseLost, получили %v", err)
	}
	done, err := p.CompleteItem(ctx, item.ID, "w1", domain.HistoryRecord{Attempt: 1, PlatformPostID: "p-1", RecordedAt: t0})
	if err != nil || done.Status != domain.QueuePublished || done.LeaseOwner != "" {
		t.Fatalf("владелец аренды должен завершить элемент: %+v %v", done, err)
	}
	entry, _ := p.GetScheduleEntry(ctx, entries[0].ID)
	history, _ := p.ListHistory(ctx, entries[0].ID)
	if entry.Status != domain.EntryPublished || len(history) != 1 || history[0].PlatformPostID != "p-1" {
		t.Fatalf("запись должна стать published с одной записью истории: %+v %+v", entry, history)
	}
}
