package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"crosspost/internal/domain"
	"crosspost/internal/infra/metrics"
)

// Telegram публикует в каналы через Bot API. Токен канала из реестра имеет приоритет над общим.
type Telegram struct {
	defaultToken string
	endpoint     string
	httpClient   *http.Client

	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

var _ domain.PlatformClient = (*Telegram)(nil)

// NewTelegram создаёт клиента Bot API.
func NewTelegram(defaultToken string, timeout time.Duration) *Telegram {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Telegram{
		defaultToken: defaultToken,
		endpoint:     tgbotapi.APIEndpoint,
		httpClient:   &http.Client{Timeout: timeout},
		bots:         make(map[string]*tgbotapi.BotAPI),
	}
}

// WithEndpoint задаёт адрес Bot API в формате tgbotapi.APIEndpoint.
func (t *Telegram) WithEndpoint(endpoint string) *Telegram {
	t.endpoint = endpoint
	return t
}

// Publish реализует domain.PlatformClient.
func (t *Telegram) Publish(ctx context.Context, adaptation domain.ContentAdaptation, channel domain.Channel) (domain.PublishResult, error) {
	token := channel.AuthToken
	if token == "" {
		token = t.defaultToken
	}
	if token == "" {
		return domain.PublishResult{}, domain.NewPublishError(domain.ErrorCodeAuth, "telegram bot token is not configured", nil)
	}

	type outcome struct {
		msg tgbotapi.Message
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		bot, err := t.bot(token)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		start := time.Now()
		msg, err := bot.Send(newTelegramMessage(channel.ExternalID, render(adaptation, channel.Profile().CharacterLimit)))
		metrics.ObserveNetworkRequest("platform", "publish", domain.PlatformTelegram, start, err)
		done <- outcome{msg: msg, err: err}
	}()

	select {
	case <-ctx.Done():
		return domain.PublishResult{}, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return domain.PublishResult{}, mapTelegramError(res.err)
		}
		raw, _ := json.Marshal(res.msg)
		return domain.PublishResult{PostID: strconv.Itoa(res.msg.MessageID), Raw: string(raw)}, nil
	}
}

// bot возвращает клиента для токена. getMe выполняется вне блокировки,
// поэтому медленный токен не задерживает публикации в другие каналы.
func (t *Telegram) bot(token string) (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	cached, ok := t.bots[token]
	t.mu.Unlock()
	if ok {
		return cached, nil
	}

	created, err := tgbotapi.NewBotAPIWithClient(token, t.endpoint, t.httpClient)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cached, ok := t.bots[token]; ok {
		return cached, nil
	}
	t.bots[token] = created
	return created, nil
}

func newTelegramMessage(externalID, text string) tgbotapi.MessageConfig {
	externalID = strings.TrimSpace(externalID)
	if chatID, err := strconv.ParseInt(externalID, 10, 64); err == nil {
		return tgbotapi.NewMessage(chatID, text)
	}
	if !strings.HasPrefix(externalID, "@") {
		externalID = "@" + externalID
	}
	return tgbotapi.NewMessageToChannel(externalID, text)
}

// render дописывает хэштеги к тексту, если они помещаются в лимит платформы.
func render(adaptation domain.ContentAdaptation, limit int) string {
	text := adaptation.AdaptedText
	if len(adaptation.Hashtags) == 0 {
		return text
	}
	tags := make([]string, len(adaptation.Hashtags))
	for i, tag := range adaptation.Hashtags {
		tags[i] = "#" + tag
	}
	withTags := text + "\n\n" + strings.Join(tags, " ")
	if limit > 0 && utf8.RuneCountInString(withTags) > limit {
		return text
	}
	return withTags
}

func mapTelegramError(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return transportError("telegram request failed", err)
	}
	code := codeForStatus(apiErr.Code)
	if apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "chat not found") {
		code = domain.ErrorCodeValidation
	}
	pubErr := &domain.PublishError{
		Code:    code,
		Message: fmt.Sprintf("telegram: %d: %s", apiErr.Code, apiErr.Message),
		Err:     err,
	}
	if apiErr.RetryAfter > 0 {
		pubErr.RetryAfter = time.Duration(apiErr.RetryAfter) * time.Second
	}
	return pubErr
}
