package platform

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"crosspost/internal/domain"
)

// codeForStatus сопоставляет HTTP-статус платформы с кодом ошибки.
func codeForStatus(status int) domain.ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ErrorCodeAuth
	case status == http.StatusTooManyRequests:
		return domain.ErrorCodeRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return domain.ErrorCodeTimeout
	case status >= 500:
		return domain.ErrorCodeNetwork
	case status >= 400:
		return domain.ErrorCodePlatformRejected
	default:
		return domain.ErrorCodeUnknown
	}
}

// parseRetryAfter понимает оба формата заголовка: секунды и HTTP-дату.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func transportError(message string, err error) *domain.PublishError {
	code := domain.Classify(err)
	if code == domain.ErrorCodeUnknown || code == domain.ErrorCodeValidation {
		code = domain.ErrorCodeNetwork
	}
	return &domain.PublishError{Code: code, Message: message, Err: err}
}
