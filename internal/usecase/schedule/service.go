package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crosspost/internal/domain"
)

var (
	// ErrNoTargetsSelected возвращается, если не выбран ни один канал.
	ErrNoTargetsSelected = fmt.Errorf("%w: no targets selected", domain.ErrValidation)
	// ErrInvalidTiming возвращается, если момент публикации в прошлом дальше допустимого окна.
	ErrInvalidTiming = fmt.Errorf("%w: invalid timing", domain.ErrValidation)
	// ErrInvalidTimezone возвращается, если указан некорректный часовой пояс.
	ErrInvalidTimezone = fmt.Errorf("%w: invalid timezone", domain.ErrValidation)
	// ErrDuplicateTarget возвращается, если канал указан в запросе дважды.
	ErrDuplicateTarget = fmt.Errorf("%w: duplicate channel target", domain.ErrValidation)
	// ErrInvalidCampaign возвращается, если не указана кампания.
	ErrInvalidCampaign = fmt.Errorf("%w: campaign id must be positive", domain.ErrValidation)
	// ErrUnknownContentPiece возвращается, если материал не указан или не найден.
	ErrUnknownContentPiece = fmt.Errorf("%w: unknown content piece", domain.ErrValidation)
)

// DefaultGrace задаёт, насколько момент публикации может отставать от текущего времени.
const DefaultGrace = 60 * time.Second

// Timing описывает, когда публиковать. Stagger > 0 включает пакетный режим:
// каждая следующая цель сдвигается на Stagger в порядке запроса.
type Timing struct {
	At       time.Time     `json:"at"`
	Timezone string        `json:"timezone"`
	Stagger  time.Duration `json:"stagger"`
}

// Request описывает запрос на планирование кампании по каналам.
type Request struct {
	CampaignID     int64                  `json:"campaign_id"`
	ContentPieceID int64                  `json:"content_piece_id"`
	OwnerID        int64                  `json:"owner_id"`
	Targets        []domain.ChannelTarget `json:"targets"`
	Timing         Timing                 `json:"timing"`
}

// Service отвечает за расписание публикаций.
type Service struct {
	entries domain.ScheduleRepo
	content domain.ContentRepo
	events  domain.EventPublisher
	grace   time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewService создаёт сервис.
func NewService(entries domain.ScheduleRepo, content domain.ContentRepo, events domain.EventPublisher, grace time.Duration, logger zerolog.Logger) *Service {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Service{entries: entries, content: content, events: events, grace: grace, now: time.Now, log: logger}
}

// WithClock подменяет источник времени.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Schedule создаёт по одной записи на канал. Ожидающие записи для тех же пар
// (кампания, канал) заменяются, а не дублируются.
func (s *Service) Schedule(ctx context.Context, req Request) ([]domain.ScheduleEntry, error) {
	now := s.now().UTC()
	planned, err := Plan(req, now, s.grace)
	if err != nil {
		return nil, err
	}
	if _, err := s.content.GetContentPiece(ctx, req.ContentPieceID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownContentPiece, req.ContentPieceID)
		}
		return nil, fmt.Errorf("чтение материала: %w", err)
	}
	saved, err := s.entries.ReplacePending(ctx, planned, now)
	if err != nil {
		if errors.Is(err, domain.ErrEntryInFlight) {
			return nil, err
		}
		return nil, fmt.Errorf("сохранение расписания: %w", err)
	}
	for _, entry := range saved {
		s.log.Info().
			Int64("schedule_entry", entry.ID).
			Int64("campaign", entry.CampaignID).
			Str("channel", entry.ChannelID).
			Time("scheduled_at", entry.ScheduledAt).
			Msg("schedule: запись создана")
		if s.events == nil {
			continue
		}
		if err := s.events.Publish(ctx, domain.NewEntryEvent(domain.EventEntryScheduled, entry, now)); err != nil {
			s.log.Warn().Err(err).Int64("schedule_entry", entry.ID).Msg("schedule: не удалось отправить событие")
		}
	}
	return saved, nil
}

// Plan вычисляет записи расписания без обращения к хранилищу.
func Plan(req Request, now time.Time, grace time.Duration) ([]domain.ScheduleEntry, error) {
	if len(req.Targets) == 0 {
		return nil, ErrNoTargetsSelected
	}
	if req.CampaignID <= 0 {
		return nil, ErrInvalidCampaign
	}
	if req.ContentPieceID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownContentPiece, req.ContentPieceID)
	}
	if req.Timing.At.IsZero() {
		return nil, fmt.Errorf("%w: time is not set", ErrInvalidTiming)
	}
	if req.Timing.Stagger < 0 {
		return nil, fmt.Errorf("%w: negative stagger", ErrInvalidTiming)
	}
	timezone := req.Timing.At.Location().String()
	if strings.TrimSpace(req.Timing.Timezone) != "" {
		normalized, err := normalizeTimezone(req.Timing.Timezone)
		if err != nil {
			return nil, err
		}
		timezone = normalized
	}

	base := req.Timing.At.UTC()
	seen := make(map[string]struct{}, len(req.Targets))
	entries := make([]domain.ScheduleEntry, 0, len(req.Targets))
	for i, target := range req.Targets {
		channelID := strings.TrimSpace(target.ChannelID)
		if channelID == "" {
			return nil, fmt.Errorf("%w: empty channel id", ErrNoTargetsSelected)
		}
		if _, ok := seen[channelID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTarget, channelID)
		}
		seen[channelID] = struct{}{}

		at := base.Add(time.Duration(i) * req.Timing.Stagger)
		if now.Sub(at) > grace {
			return nil, fmt.Errorf("%w: %s is in the past", ErrInvalidTiming, at.Format(time.RFC3339))
		}
		entries = append(entries, domain.ScheduleEntry{
			CampaignID:     req.CampaignID,
			ContentPieceID: req.ContentPieceID,
			OwnerID:        req.OwnerID,
			ChannelID:      channelID,
			Priority:       target.Priority,
			ScheduledAt:    at,
			Timezone:       timezone,
			Status:         domain.EntryPending,
		})
	}
	return entries, nil
}

var localLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"}

// ParseLocalTime разбирает RFC3339 или локальное время в указанном часовом поясе.
func ParseLocalTime(value, timezone string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return t, nil
	}
	loc := time.UTC
	if strings.TrimSpace(timezone) != "" {
		normalized, err := normalizeTimezone(timezone)
		if err != nil {
			return time.Time{}, err
		}
		loc, err = time.LoadLocation(normalized)
		if err != nil {
			return time.Time{}, ErrInvalidTimezone
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, trimmed, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse %q", ErrInvalidTiming, value)
}

func normalizeTimezone(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ErrInvalidTimezone
	}
	candidate = strings.ReplaceAll(candidate, " ", "_")
	if _, err := time.LoadLocation(candidate); err == nil {
		return candidate, nil
	}

	lower := strings.ToLower(candidate)
	parts := strings.Split(lower, "/")
	for i, part := range parts {
		segments := strings.Split(part, "_")
		for j, segment := range segments {
			pieces := strings.Split(segment, "-")
			for k, piece := range pieces {
				if piece == "" {
					continue
				}
				pieces[k] = strings.ToUpper(piece[:1]) + piece[1:]
			}
			segments[j] = strings.Join(pieces, "-")
		}
		parts[i] = strings.Join(segments, "_")
	}
	normalized := strings.Join(parts, "/")
	if _, err := time.LoadLocation(normalized); err == nil {
		return normalized, nil
	}
	return "", ErrInvalidTimezone
}
