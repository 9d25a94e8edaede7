package adapt

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"crosspost/internal/domain"
)

func twitterProfile() domain.PlatformProfile {
	return domain.ProfileFor(domain.PlatformTwitter)
}

func TestAdaptTruncatesToPlatformLimit(t *testing.T) {
	piece := domain.ContentPiece{ID: 7, Body: strings.Repeat("x", 400)}
	adaptation, err := NewEngine().Adapt(piece, twitterProfile())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if adaptation.CharacterCount != 280 {
		t.Fatalf("ожидали 280 символов, получили %d", adaptation.CharacterCount)
	}
	if utf8.RuneCountInString(adaptation.AdaptedText) != 280 {
		t.Fatalf("длина текста не совпадает с character_count")
	}
	if !strings.HasSuffix(adaptation.AdaptedText, "...") {
		t.Fatalf("ожидали маркер обрезки в конце")
	}
	if adaptation.ContentPieceID != 7 || adaptation.PlatformID != domain.PlatformTwitter || !adaptation.IsAutoGenerated {
		t.Fatalf("неожиданные поля адаптации: %+v", adaptation)
	}
}

func TestTruncationLaw(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		limit int
		want  string
	}{
		{name: "under limit", body: "hello", limit: 10, want: "hello"},
		{name: "at limit", body: "hello", limit: 5, want: "hello"},
		{name: "over limit", body: "hello world", limit: 8, want: "hello..."},
		{name: "runes", body: "привет, мир", limit: 9, want: "привет..."},
		{name: "tiny limit", body: "hello", limit: 2, want: ".."},
		{name: "marker limit", body: "hello", limit: 3, want: "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.body, tt.limit)
			if got != tt.want {
				t.Fatalf("Truncate(%q, %d) = %q, want %q", tt.body, tt.limit, got, tt.want)
			}
			if utf8.RuneCountInString(tt.body) > tt.limit && utf8.RuneCountInString(got) != tt.limit {
				t.Fatalf("обрезанный текст должен быть ровно %d символов", tt.limit)
			}
		})
	}
}

func TestAdaptIsIdempotent(t *testing.T) {
	piece := domain.ContentPiece{
		ID:       1,
		Title:    "Релиз #golang",
		Body:     strings.Repeat("новости ", 60) + "#release спасибо @gopher",
		Metadata: map[string]any{"hashtags": []any{"OpenSource", "#golang"}, "media": []string{"s3://a.png", "s3://b.png"}},
	}
	engine := NewEngine()
	first, err := engine.Adapt(piece, domain.ProfileFor(domain.PlatformLinkedIn))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	second, err := engine.Adapt(piece, domain.ProfileFor(domain.PlatformLinkedIn))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("адаптация должна быть идемпотентной:\n%s\n%s", a, b)
	}
}

func TestAdaptRejectsInvalidProfile(t *testing.T) {
	for _, limit := range []int{0, -1} {
		_, err := NewEngine().Adapt(domain.ContentPiece{Body: "x"}, domain.PlatformProfile{ID: "custom", CharacterLimit: limit})
		if !errors.Is(err, domain.ErrInvalidPlatformProfile) {
			t.Fatalf("limit %d: ожидали ErrInvalidPlatformProfile, получили %v", limit, err)
		}
		if domain.Classify(err) != domain.ErrorCodeValidation {
			t.Fatalf("ошибка профиля должна классифицироваться как validation")
		}
	}
}

func TestAdaptHashtagsComeOnlyFromContent(t *testing.T) {
	piece := domain.ContentPiece{
		Title:    "#Go news",
		Body:     "Read https://example.com/#anchor and #go again, plus #generics &#38; #Go",
		Metadata: map[string]any{"hashtags": []string{"#Backend", "not valid tag", ""}},
	}
	profile := domain.PlatformProfile{ID: "x", CharacterLimit: 1000, IncludeHashtags: true}
	adaptation, err := NewEngine().Adapt(piece, profile)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := []string{"Go", "generics", "Backend"}
	if !reflect.DeepEqual(adaptation.Hashtags, want) {
		t.Fatalf("ожидали %v, получили %v", want, adaptation.Hashtags)
	}
}

func TestAdaptRespectsProfileFlags(t *testing.T) {
	piece := domain.ContentPiece{
		Body:     "#one #two #three #four @alice",
		Metadata: map[string]any{"media": []string{"a", "b", "c"}},
	}
	profile := domain.PlatformProfile{ID: "x", CharacterLimit: 100, IncludeHashtags: true, MaxHashtags: 2, IncludeImages: false}
	adaptation, err := NewEngine().Adapt(piece, profile)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !reflect.DeepEqual(adaptation.Hashtags, []string{"one", "two"}) {
		t.Fatalf("ожидали не больше двух хэштегов, получили %v", adaptation.Hashtags)
	}
	if len(adaptation.MediaRefs) != 0 {
		t.Fatalf("картинки отключены профилем")
	}
	if !reflect.DeepEqual(adaptation.Mentions, []string{"alice"}) {
		t.Fatalf("ожидали упоминание alice, получили %v", adaptation.Mentions)
	}

	profile.IncludeHashtags = false
	profile.IncludeImages = true
	profile.MaxMedia = 2
	adaptation, err = NewEngine().Adapt(piece, profile)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(adaptation.Hashtags) != 0 {
		t.Fatalf("хэштеги отключены профилем")
	}
	if !reflect.DeepEqual(adaptation.MediaRefs, []string{"a", "b"}) {
		t.Fatalf("ожидали две картинки, получили %v", adaptation.MediaRefs)
	}
}

func TestExtractMentionsSkipsEmails(t *testing.T) {
	got := ExtractMentions("write to team@example.com or ping @Gopher, @gopher and @rob_pike.")
	want := []string{"Gopher", "rob_pike"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ожидали %v, получили %v", want, got)
	}
}
