package adapt

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"crosspost/internal/domain"
)

// TruncationMarker завершает текст, обрезанный до лимита платформы.
const TruncationMarker = "..."

var (
	hashtagRegex = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_&#/])#([\p{L}\p{N}_]+)`)
	mentionRegex = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_@./])@([A-Za-z0-9_](?:[A-Za-z0-9_.]{0,62}[A-Za-z0-9_])?)`)
	tagRegex     = regexp.MustCompile(`^[\p{L}\p{N}_]+$`)
)

// Engine строит версии материала для платформ. Не выполняет ввода-вывода.
type Engine struct{}

// NewEngine создаёт движок адаптации.
func NewEngine() *Engine {
	return &Engine{}
}

// Adapt строит адаптацию материала под профиль платформы.
// Результат зависит только от входных данных: повторный вызов даёт тот же результат.
func (e *Engine) Adapt(piece domain.ContentPiece, profile domain.PlatformProfile) (domain.ContentAdaptation, error) {
	if profile.CharacterLimit <= 0 {
		return domain.ContentAdaptation{}, fmt.Errorf("%w: character limit %d for %q", domain.ErrInvalidPlatformProfile, profile.CharacterLimit, profile.ID)
	}
	text := Truncate(piece.Body, profile.CharacterLimit)

	hashtags := []string{}
	if profile.IncludeHashtags {
		hashtags = collectHashtags(piece)
		if profile.MaxHashtags > 0 && len(hashtags) > profile.MaxHashtags {
			hashtags = hashtags[:profile.MaxHashtags]
		}
	}

	media := []string{}
	if profile.IncludeImages {
		media = stringList(piece.Metadata["media"])
		if profile.MaxMedia > 0 && len(media) > profile.MaxMedia {
			media = media[:profile.MaxMedia]
		}
	}

	return domain.ContentAdaptation{
		ContentPieceID:  piece.ID,
		PlatformID:      profile.ID,
		AdaptedText:     text,
		CharacterCount:  utf8.RuneCountInString(text),
		Hashtags:        hashtags,
		Mentions:        ExtractMentions(piece.Body),
		MediaRefs:       media,
		IsAutoGenerated: true,
	}, nil
}

// Truncate обрезает текст до limit символов: первые limit-3 символа и маркер "...".
// Текст не длиннее лимита возвращается без изменений.
func Truncate(body string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(body) <= limit {
		return body
	}
	if limit <= len(TruncationMarker) {
		return TruncationMarker[:limit]
	}
	runes := []rune(body)
	return string(runes[:limit-len(TruncationMarker)]) + TruncationMarker
}

// ExtractHashtags возвращает хэштеги текста без символа #, в порядке появления, без повторов.
func ExtractHashtags(text string) []string {
	var tags []string
	for _, m := range hashtagRegex.FindAllStringSubmatch(text, -1) {
		tags = append(tags, m[1])
	}
	return NormalizeTags(tags)
}

// ExtractMentions возвращает упоминания @handle без символа @.
func ExtractMentions(text string) []string {
	mentions := []string{}
	seen := make(map[string]struct{})
	for _, m := range mentionRegex.FindAllStringSubmatch(text, -1) {
		key := strings.ToLower(m[1])
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		mentions = append(mentions, m[1])
	}
	return mentions
}

// NormalizeTags удаляет #, пустые, некорректные и повторяющиеся значения, сохраняя порядок.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimLeft(strings.TrimSpace(tag), "#")
		if trimmed == "" || !tagRegex.MatchString(trimmed) {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}
	return cleaned
}

// collectHashtags берёт теги только из самого материала и из явного списка подсказок.
func collectHashtags(piece domain.ContentPiece) []string {
	var tags []string
	tags = append(tags, ExtractHashtags(piece.Title)...)
	tags = append(tags, ExtractHashtags(piece.Body)...)
	tags = append(tags, stringList(piece.Metadata["hashtags"])...)
	return NormalizeTags(tags)
}

func stringList(value any) []string {
	out := []string{}
	switch v := value.(type) {
	case []string:
		for _, s := range v {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	case []any:
		for _, raw := range v {
			s, ok := raw.(string)
			if !ok {
				continue
			}
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	case string:
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
