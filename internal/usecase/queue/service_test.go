package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crosspost/internal/adapters/repo"
	"crosspost/internal/domain"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type recordingEvents struct {
	events []domain.Event
}

func (r *recordingEvents) Publish(_ context.Context, event domain.Event) error {
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEvents) types() []domain.EventType {
	out := make([]domain.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestService(t *testing.T) (*Service, *repo.Memory, *recordingEvents, *clock) {
	t.Helper()
	store := repo.NewMemory()
	events := &recordingEvents{}
	c := &clock{now: t0}
	svc := NewService(store, store, store, events, DefaultPolicy(), zerolog.Nop()).WithClock(c.Now)
	return svc, store, events, c
}

func scheduleOne(t *testing.T, store *repo.Memory) domain.ScheduleEntry {
	t.Helper()
	saved, err := store.ReplacePending(context.Background(), []domain.ScheduleEntry{{
		CampaignID: 1, ContentPieceID: 1, OwnerID: 5, ChannelID: "tw", ScheduledAt: t0,
	}}, t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	return saved[0]
}

func claim(t *testing.T, svc *Service) domain.QueueItem {
	t.Helper()
	item, ok, err := svc.Claim(context.Background(), "worker-1")
	if err != nil || !ok {
		t.Fatalf("ожидали захват элемента: %v %v", ok, err)
	}
	return item
}

func TestBackoff(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		retry int
		hint  time.Duration
		want  time.Duration
	}{
		{retry: 0, want: 30 * time.Second},
		{retry: 1, want: time.Minute},
		{retry: 2, want: 2 * time.Minute},
		{retry: 10, want: 30 * time.Minute},
		{retry: 100, want: 30 * time.Minute},
		{retry: 0, hint: 5 * time.Minute, want: 5 * time.Minute},
		{retry: 0, hint: time.Second, want: 30 * time.Second},
		{retry: 0, hint: 2 * time.Hour, want: 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.retry, tt.hint); got != tt.want {
			t.Fatalf("Backoff(%d, %s) = %s, want %s", tt.retry, tt.hint, got, tt.want)
		}
	}
}

func TestRateLimitedItemReturnsToQueueWithDelay(t *testing.T) {
	svc, store, events, c := newTestService(t)
	ctx := context.Background()
	entry := scheduleOne(t, store)
	if _, err := svc.EnqueueDue(ctx, 10); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item := claim(t, svc)

	cause := &domain.PublishError{Code: domain.ErrorCodeRateLimit, Message: "429 too many requests", RetryAfter: 2 * time.Minute}
	updated, err := svc.RecordFailure(ctx, item, domain.PlatformTwitter, cause)
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if updated.Status != domain.QueueQueued || updated.RetryCount != 1 {
		t.Fatalf("ожидали queued с retry_count=1: %+v", updated)
	}
	if !updated.NotBefore.Equal(t0.Add(2 * time.Minute)) {
		t.Fatalf("ожидали not_before через 2 минуты, получили %s", updated.NotBefore)
	}
	if updated.ErrorMessage != "429 too many requests" {
		t.Fatalf("неожиданное сообщение: %q", updated.ErrorMessage)
	}
	if _, ok, _ := svc.Claim(ctx, "worker-2"); ok {
		t.Fatalf("элемент не должен захватываться до not_before")
	}

	view, err := svc.EntryStatus(ctx, entry.ID)
	if err != nil {
		t.Fatalf("entry status: %v", err)
	}
	if !view.Retrying || view.Final || len(view.Errors) != 1 || view.Errors[0].Code != domain.ErrorCodeRateLimit {
		t.Fatalf("неожиданное представление записи: %+v", view)
	}
	if got := events.types(); len(got) != 1 || got[0] != domain.EventItemRetryScheduled {
		t.Fatalf("ожидали событие retry_scheduled, получили %v", got)
	}

	c.now = t0.Add(2 * time.Minute)
	again := claim(t, svc)
	if again.ID != item.ID {
		t.Fatalf("ожидали повторный захват того же элемента")
	}
}

func TestRetryBoundEndsInFailure(t *testing.T) {
	svc, store, events, c := newTestService(t)
	ctx := context.Background()
	entry := scheduleOne(t, store)
	svc.EnqueueDue(ctx, 10)

	cause := domain.NewPublishError(domain.ErrorCodeNetwork, "connection reset", nil)
	var last domain.QueueItem
	for attempt := 0; attempt <= 3; attempt++ {
		item := claim(t, svc)
		if item.RetryCount != attempt {
			t.Fatalf("ожидали retry_count=%d, получили %d", attempt, item.RetryCount)
		}
		var err error
		last, err = svc.RecordFailure(ctx, item, "twitter", cause)
		if err != nil {
			t.Fatalf("record failure: %v", err)
		}
		c.now = c.now.Add(time.Hour)
	}
	if last.Status != domain.QueueFailed || last.RetryCount != 3 {
		t.Fatalf("ожидали failed после 3 повторов: %+v", last)
	}
	if _, ok, _ := svc.Claim(ctx, "w"); ok {
		t.Fatalf("после ошибки ничего не должно захватываться")
	}
	view, _ := svc.EntryStatus(ctx, entry.ID)
	if view.Entry.Status != domain.EntryFailed || !view.Final || len(view.Errors) != 4 || !view.Errors[3].Final {
		t.Fatalf("неожиданное представление: %+v", view)
	}
	types := events.types()
	if types[len(types)-1] != domain.EventItemFailed {
		t.Fatalf("последним должно быть событие failed: %v", types)
	}
}

func TestPermanentErrorsFailImmediately(t *testing.T) {
	for _, code := range []domain.ErrorCode{domain.ErrorCodeAuth, domain.ErrorCodeValidation, domain.ErrorCodePlatformRejected} {
		t.Run(string(code), func(t *testing.T) {
			svc, store, _, _ := newTestService(t)
			ctx := context.Background()
			scheduleOne(t, store)
			svc.EnqueueDue(ctx, 10)
			item := claim(t, svc)
			updated, err := svc.RecordFailure(ctx, item, "twitter", domain.NewPublishError(code, "nope", nil))
			if err != nil {
				t.Fatalf("record failure: %v", err)
			}
			if updated.Status != domain.QueueFailed || updated.RetryCount != 0 {
				t.Fatalf("ожидали немедленный failed: %+v", updated)
			}
		})
	}
}

func TestUnknownErrorRetriedOnce(t *testing.T) {
	svc, store, _, c := newTestService(t)
	ctx := context.Background()
	scheduleOne(t, store)
	svc.EnqueueDue(ctx, 10)

	first, _ := svc.RecordFailure(ctx, claim(t, svc), "twitter", errors.New("weird"))
	if first.Status != domain.QueueQueued {
		t.Fatalf("неизвестная ошибка должна повторяться один раз: %+v", first)
	}
	c.now = c.now.Add(time.Hour)
	second, _ := svc.RecordFailure(ctx, claim(t, svc), "twitter", errors.New("weird"))
	if second.Status != domain.QueueFailed {
		t.Fatalf("второй раз неизвестная ошибка должна завершать элемент: %+v", second)
	}
}

func TestRecordSuccessWritesHistory(t *testing.T) {
	svc, store, events, _ := newTestService(t)
	ctx := context.Background()
	entry := scheduleOne(t, store)
	svc.EnqueueDue(ctx, 10)
	item := claim(t, svc)

	updated, err := svc.RecordSuccess(ctx, item, "twitter", domain.PublishResult{PostID: "p-1", Raw: `{"id":"p-1"}`})
	if err != nil {
		t.Fatalf("record success: %v", err)
	}
	if updated.Status != domain.QueuePublished || updated.PublishedAt == nil {
		t.Fatalf("неожиданный элемент: %+v", updated)
	}
	view, _ := svc.EntryStatus(ctx, entry.ID)
	if len(view.History) != 1 || view.History[0].PlatformPostID != "p-1" || view.Entry.Status != domain.EntryPublished {
		t.Fatalf("ожидали запись истории: %+v", view)
	}
	if events.events[0].PlatformPostID != "p-1" || events.events[0].Platform != "twitter" {
		t.Fatalf("неожиданное событие: %+v", events.events[0])
	}
	stats, _ := svc.Stats(ctx, 5)
	if stats.Published != 1 || stats.SuccessRate != 1 {
		t.Fatalf("неожиданная статистика: %+v", stats)
	}
}

func TestCancel(t *testing.T) {
	svc, store, events, _ := newTestService(t)
	ctx := context.Background()
	entry := scheduleOne(t, store)
	svc.EnqueueDue(ctx, 10)

	next, ok, _ := svc.Next(ctx)
	if !ok || next.ScheduleEntryID != entry.ID {
		t.Fatalf("ожидали следующий элемент записи %d", entry.ID)
	}
	cancelled, err := svc.Cancel(ctx, entry.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.EntryCancelled {
		t.Fatalf("ожидали cancelled, получили %s", cancelled.Status)
	}
	if _, ok, _ := svc.Next(ctx); ok {
		t.Fatalf("после отмены очередь должна быть пустой")
	}
	if _, err := svc.Cancel(ctx, entry.ID); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Fatalf("ожидали ErrAlreadyTerminal, получили %v", err)
	}
	if _, err := svc.Cancel(ctx, 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound, получили %v", err)
	}
	if got := events.types(); len(got) != 1 || got[0] != domain.EventItemCancelled {
		t.Fatalf("ожидали одно событие cancelled: %v", got)
	}
}

func TestReapExpiredLeases(t *testing.T) {
	svc, store, _, c := newTestService(t)
	ctx := context.Background()
	scheduleOne(t, store)
	svc.EnqueueDue(ctx, 10)
	item := claim(t, svc)

	c.now = t0.Add(svc.Policy().Lease + time.Second)
	n, err := svc.ReapExpired(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("ожидали 1 освобождённый элемент: %d %v", n, err)
	}
	reaped, _ := store.GetQueueItem(ctx, item.ID)
	if reaped.Status != domain.QueueQueued || reaped.RetryCount != 1 || reaped.LeaseOwner != "" {
		t.Fatalf("элемент должен вернуться в очередь: %+v", reaped)
	}

	c.now = reaped.NotBefore
	claim(t, svc)
	c.now = c.now.Add(svc.Policy().Lease + time.Second)
	svc.ReapExpired(ctx, 10)
	final, _ := store.GetQueueItem(ctx, item.ID)
	if final.Status != domain.QueueFailed {
		t.Fatalf("повторное истечение аренды должно завершать элемент: %+v", final)
	}
}

func TestStaleWorkerOutcomeIsRejectedAfterReap(t *testing.T) {
	svc, store, _, c := newTestService(t)
	ctx := context.Background()
	entry := scheduleOne(t, store)
	svc.EnqueueDue(ctx, 10)
	stale := claim(t, svc)

	c.now = t0.Add(svc.Policy().Lease + time.Second)
	if n, err := svc.ReapExpired(ctx, 10); err != nil || n != 1 {
		t.Fatalf("ожидали 1 освобождённый элемент: %d %v", n, err)
	}
	reaped, _ := store.GetQueueItem(ctx, stale.ID)
	c.now = reaped.NotBefore
	current, ok, err := svc.Claim(ctx, "worker-2")
	if err != nil || !ok || current.ID != stale.ID {
		t.Fatalf("ожидали повторный захват: ok=%v err=%v", ok, err)
	}

	if _, err := svc.RecordSuccess(ctx, stale, "twitter", domain.PublishResult{PostID: "late"}); !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("итог устаревшего воркера должен отклоняться: %v", err)
	}
	view, _ := svc.EntryStatus(ctx, entry.ID)
	if view.Item.Status != domain.QueueProcessing || view.Item.LeaseOwner != "worker-2" || len(view.History) != 0 {
		t.Fatalf("элемент должен остаться за worker-2 без записей истории: %+v", view)
	}
	if _, err := svc.RecordSuccess(ctx, current, "twitter", domain.PublishResult{PostID: "p-2"}); err != nil {
		t.Fatalf("текущий владелец должен зафиксировать публикацию: %v", err)
	}
}

func TestEntryStatusNotFound(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if _, err := svc.EntryStatus(context.Background(), 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound, получили %v", err)
	}
}
