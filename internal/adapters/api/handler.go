package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"crosspost/internal/domain"
	httpinfra "crosspost/internal/infra/http"
	"crosspost/internal/usecase/adapt"
	queueusecase "crosspost/internal/usecase/queue"
	"crosspost/internal/usecase/schedule"
)

// Handler обслуживает операционный API: планирование, отмену и состояние очереди.
type Handler struct {
	schedule *schedule.Service
	queue    *queueusecase.Service
	engine   *adapt.Engine
	log      zerolog.Logger
}

// NewHandler создаёт обработчик API.
func NewHandler(scheduleService *schedule.Service, queueService *queueusecase.Service, engine *adapt.Engine, logger zerolog.Logger) *Handler {
	return &Handler{
		schedule: scheduleService,
		queue:    queueService,
		engine:   engine,
		log:      logger.With().Str("component", "api").Logger(),
	}
}

// Mount регистрирует маршруты /api/v1 за проверкой токена.
func (h *Handler) Mount(r chi.Router, token string) {
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(httpinfra.BearerAuthMiddleware(token))

		api.Post("/schedules", h.createSchedule)
		api.Get("/schedules/{id}", h.entryStatus)
		api.Delete("/schedules/{id}", h.cancelEntry)
		api.Get("/queue/stats", h.queueStats)
		api.Get("/queue/next", h.nextItem)
		api.Post("/adaptations/preview", h.previewAdaptation)
	})
}

type timingRequest struct {
	At       string `json:"at"`
	Timezone string `json:"timezone"`
	Stagger  string `json:"stagger"`
}

type scheduleRequest struct {
	CampaignID     int64                  `json:"campaign_id"`
	ContentPieceID int64                  `json:"content_piece_id"`
	OwnerID        int64                  `json:"owner_id"`
	Targets        []domain.ChannelTarget `json:"targets"`
	Timing         timingRequest          `json:"timing"`
}

func (r scheduleRequest) toRequest() (schedule.Request, error) {
	at, err := schedule.ParseLocalTime(r.Timing.At, r.Timing.Timezone)
	if err != nil {
		return schedule.Request{}, err
	}
	var stagger time.Duration
	if r.Timing.Stagger != "" {
		stagger, err = time.ParseDuration(r.Timing.Stagger)
		if err != nil {
			return schedule.Request{}, fmt.Errorf("%w: stagger %q", schedule.ErrInvalidTiming, r.Timing.Stagger)
		}
	}
	return schedule.Request{
		CampaignID:     r.CampaignID,
		ContentPieceID: r.ContentPieceID,
		OwnerID:        r.OwnerID,
		Targets:        r.Targets,
		Timing: schedule.Timing{
			At:       at,
			Timezone: r.Timing.Timezone,
			Stagger:  stagger,
		},
	}, nil
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var body scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpinfra.WriteErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := body.toRequest()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.schedule.Schedule(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusCreated, map[string]any{"entries": entries})
}

func (h *Handler) entryStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	view, err := h.queue.EntryStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) cancelEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(w, r)
	if !ok {
		return
	}
	entry, err := h.queue.Cancel(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, entry)
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	var ownerID int64
	if raw := r.URL.Query().Get("owner_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			httpinfra.WriteErrorMessage(w, http.StatusBadRequest, "owner_id must be a non-negative integer")
			return
		}
		ownerID = parsed
	}
	stats, err := h.queue.Stats(r.Context(), ownerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) nextItem(w http.ResponseWriter, r *http.Request) {
	item, ok, err := h.queue.Next(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, item)
}

type previewRequest struct {
	Platform    string                    `json:"platform"`
	Title       string                    `json:"title"`
	Body        string                    `json:"body"`
	Hashtags    []string                  `json:"hashtags"`
	Media       []string                  `json:"media"`
	Constraints domain.ChannelConstraints `json:"constraints"`
}

func (h *Handler) previewAdaptation(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var body previewRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpinfra.WriteErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	piece := domain.ContentPiece{Title: body.Title, Body: body.Body, Metadata: map[string]any{}}
	if len(body.Hashtags) > 0 {
		piece.Metadata["hashtags"] = body.Hashtags
	}
	if len(body.Media) > 0 {
		piece.Metadata["media"] = body.Media
	}
	profile := body.Constraints.Apply(domain.ProfileFor(body.Platform))
	adaptation, err := h.engine.Adapt(piece, profile)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{
		"profile":    profile,
		"adaptation": adaptation,
	})
}

func entryID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpinfra.WriteErrorMessage(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", httpinfra.RequestID(r)).Msg("api: внутренняя ошибка")
		httpinfra.WriteErrorMessage(w, status, "internal error")
		return
	}
	httpinfra.WriteError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrEntryInFlight), errors.Is(err, domain.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
