package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"crosspost/internal/adapters/repo"
	"crosspost/internal/domain"
	"crosspost/internal/usecase/adapt"
	queueusecase "crosspost/internal/usecase/queue"
	"crosspost/internal/usecase/schedule"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	router http.Handler
	store  *repo.Memory
	queue  *queueusecase.Service
	clock  *clock
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	store := repo.NewMemory()
	c := &clock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	if _, err := store.SaveContentPiece(context.Background(), domain.ContentPiece{ID: 20, Title: "Анонс", Body: "Выходит новая версия"}); err != nil {
		t.Fatalf("не удалось сохранить материал: %v", err)
	}
	scheduleService := schedule.NewService(store, store, nil, 0, zerolog.Nop()).WithClock(c.Now)
	queueService := queueusecase.NewService(store, store, store, nil, queueusecase.DefaultPolicy(), zerolog.Nop()).WithClock(c.Now)
	r := chi.NewRouter()
	NewHandler(scheduleService, queueService, adapt.NewEngine(), zerolog.Nop()).Mount(r, token)
	return &fixture{router: r, store: store, queue: queueService, clock: c}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("не удалось закодировать тело: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func campaign(channels ...string) map[string]any {
	targets := make([]map[string]any, 0, len(channels))
	for _, ch := range channels {
		targets = append(targets, map[string]any{"channel_id": ch, "priority": 1})
	}
	return map[string]any{
		"campaign_id":      10,
		"content_piece_id": 20,
		"owner_id":         7,
		"targets":          targets,
		"timing": map[string]any{
			"at":       "2026-03-02T12:00",
			"timezone": "europe/moscow",
			"stagger":  "30m",
		},
	}
}

func TestCreateScheduleStaggersTargets(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodPost, "/api/v1/schedules", campaign("tw", "fb"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("ожидали 201, получили %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Entries []domain.ScheduleEntry `json:"entries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	if len(resp.Entries) != 2 {
		t.Fatalf("ожидали 2 записи, получили %d", len(resp.Entries))
	}
	first := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !resp.Entries[0].ScheduledAt.Equal(first) || !resp.Entries[1].ScheduledAt.Equal(first.Add(30*time.Minute)) {
		t.Fatalf("неожиданное время: %v, %v", resp.Entries[0].ScheduledAt, resp.Entries[1].ScheduledAt)
	}
	if resp.Entries[0].Timezone != "Europe/Moscow" {
		t.Fatalf("часовой пояс не нормализован: %q", resp.Entries[0].Timezone)
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	f := newFixture(t, "")
	cases := []struct {
		name string
		body any
	}{
		{name: "без каналов", body: campaign()},
		{name: "дубликат канала", body: campaign("tw", "tw")},
		{name: "прошлое", body: func() map[string]any {
			b := campaign("tw")
			b["timing"] = map[string]any{"at": "2026-03-01T10:00:00Z"}
			return b
		}()},
		{name: "плохой stagger", body: func() map[string]any {
			b := campaign("tw")
			b["timing"].(map[string]any)["stagger"] = "soon"
			return b
		}()},
		{name: "плохой пояс", body: func() map[string]any {
			b := campaign("tw")
			b["timing"].(map[string]any)["timezone"] = "Mars/Olympus"
			return b
		}()},
		{name: "без кампании", body: func() map[string]any {
			b := campaign("tw")
			delete(b, "campaign_id")
			return b
		}()},
		{name: "без материала", body: func() map[string]any {
			b := campaign("tw")
			b["content_piece_id"] = 0
			return b
		}()},
		{name: "неизвестный материал", body: func() map[string]any {
			b := campaign("tw")
			b["content_piece_id"] = 999
			return b
		}()},
	}
	for _, tc := range cases {
		rec := f.do(t, http.MethodPost, "/api/v1/schedules", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: ожидали 400, получили %d: %s", tc.name, rec.Code, rec.Body.String())
		}
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/schedules/1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("отклонённые запросы не должны создавать записи: %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("битый JSON: ожидали 400, получили %d", rec.Code)
	}
}

func TestRescheduleInFlightConflicts(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.do(t, http.MethodPost, "/api/v1/schedules", campaign("tw")); rec.Code != http.StatusCreated {
		t.Fatalf("ожидали 201, получили %d", rec.Code)
	}
	f.clock.now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()
	if _, err := f.queue.EnqueueDue(ctx, 10); err != nil {
		t.Fatalf("EnqueueDue: %v", err)
	}
	if _, ok, err := f.queue.Claim(ctx, "w1"); err != nil || !ok {
		t.Fatalf("не удалось захватить элемент: ok=%v err=%v", ok, err)
	}
	body := campaign("tw")
	body["timing"] = map[string]any{"at": "2026-03-02T11:00:00Z"}
	if rec := f.do(t, http.MethodPost, "/api/v1/schedules", body); rec.Code != http.StatusConflict {
		t.Fatalf("ожидали 409, получили %d: %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/schedules/1", nil); rec.Code != http.StatusConflict {
		t.Fatalf("отмена во время публикации: ожидали 409, получили %d", rec.Code)
	}
}

func TestCancelAndStatus(t *testing.T) {
	f := newFixture(t, "")
	f.do(t, http.MethodPost, "/api/v1/schedules", campaign("tw"))

	rec := f.do(t, http.MethodDelete, "/api/v1/schedules/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/schedules/1", nil); rec.Code != http.StatusConflict {
		t.Fatalf("повторная отмена: ожидали 409, получили %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/schedules/999", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("несуществующая запись: ожидали 404, получили %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/schedules/abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("плохой id: ожидали 400, получили %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/schedules/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	var view domain.EntryView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	if view.Entry.Status != domain.EntryCancelled || !view.Final {
		t.Fatalf("ожидали отменённую запись, получили %+v", view.Entry)
	}
	if len(view.History) != 1 || view.History[0].Status != domain.HistoryCancelled {
		t.Fatalf("ожидали запись истории об отмене, получили %+v", view.History)
	}
}

func TestQueueNextAndStats(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.do(t, http.MethodGet, "/api/v1/queue/next", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("пустая очередь: ожидали 204, получили %d", rec.Code)
	}
	f.do(t, http.MethodPost, "/api/v1/schedules", campaign("tw", "fb"))
	f.clock.now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if _, err := f.queue.EnqueueDue(context.Background(), 10); err != nil {
		t.Fatalf("EnqueueDue: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/queue/next", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	var item domain.QueueItem
	if err := json.NewDecoder(rec.Body).Decode(&item); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	if item.ChannelID != "tw" || item.Status != domain.QueueQueued {
		t.Fatalf("неожиданный элемент: %+v", item)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/queue/stats?owner_id=7", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	var stats domain.QueueStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	if stats.Queued != 2 {
		t.Fatalf("ожидали 2 элемента в очереди, получили %+v", stats)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/queue/stats?owner_id=abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("плохой owner_id: ожидали 400, получили %d", rec.Code)
	}
}

func TestPreviewAdaptation(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodPost, "/api/v1/adaptations/preview", map[string]any{
		"platform": "Twitter",
		"body":     strings.Repeat("а", 300) + " #go",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Adaptation domain.ContentAdaptation `json:"adaptation"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	if resp.Adaptation.CharacterCount != 280 || !strings.HasSuffix(resp.Adaptation.AdaptedText, adapt.TruncationMarker) {
		t.Fatalf("ожидали обрезку до 280 символов, получили %d", resp.Adaptation.CharacterCount)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/adaptations/preview", map[string]any{"platform": "myspace", "body": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("неизвестная платформа: ожидали 400, получили %d", rec.Code)
	}
}

func TestRoutesRequireToken(t *testing.T) {
	f := newFixture(t, "secret")
	if rec := f.do(t, http.MethodGet, "/api/v1/queue/stats", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("ожидали 401, получили %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("с токеном: ожидали 200, получили %d", rec.Code)
	}
}
