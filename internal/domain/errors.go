package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrValidation объединяет ошибки некорректного ввода. Такие ошибки не попадают в очередь.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound возвращается хранилищем, если запись отсутствует.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPlatformProfile возвращается движком адаптации при лимите символов <= 0.
	ErrInvalidPlatformProfile = fmt.Errorf("%w: invalid platform profile", ErrValidation)
	// ErrEntryInFlight возвращается, если по записи уже идёт попытка публикации.
	ErrEntryInFlight = errors.New("schedule entry is being published")
	// ErrAlreadyTerminal возвращается при попытке изменить завершённую запись.
	ErrAlreadyTerminal = errors.New("schedule entry already finished")
)

// ErrorCode задаёт машинный код ошибки публикации для разбора оператором.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeAuth             ErrorCode = "auth"
	ErrorCodeRateLimit        ErrorCode = "rate_limit"
	ErrorCodeNetwork          ErrorCode = "network"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodePlatformRejected ErrorCode = "platform_rejected"
	ErrorCodeUnknown          ErrorCode = "unknown"
)

// Transient сообщает, имеет ли смысл повторить запрос.
// Неизвестная ошибка повторяется только один раз: retryCount равен числу уже сделанных повторов.
func (c ErrorCode) Transient(retryCount int) bool {
	switch c {
	case ErrorCodeRateLimit, ErrorCodeNetwork, ErrorCodeTimeout:
		return true
	case ErrorCodeUnknown:
		return retryCount == 0
	default:
		return false
	}
}

// PublishError описывает ошибку клиента платформы или реестра с классификацией.
type PublishError struct {
	Code       ErrorCode
	Message    string
	RetryAfter time.Duration
	Raw        string
	Err        error
}

// NewPublishError создаёт классифицированную ошибку.
func NewPublishError(code ErrorCode, message string, err error) *PublishError {
	return &PublishError{Code: code, Message: message, Err: err}
}

func (e *PublishError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Err != nil && msg != e.Err.Error() {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Classify относит ошибку к одной из категорий таксономии.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pubErr *PublishError
	if errors.As(err, &pubErr) && pubErr.Code != "" {
		return pubErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTimeout
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) {
		return ErrorCodeValidation
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCodeTimeout
		}
		return ErrorCodeNetwork
	}
	return ErrorCodeUnknown
}

// RetryAfterHint возвращает задержку, которую подсказала платформа (например, Retry-After у 429).
func RetryAfterHint(err error) time.Duration {
	var pubErr *PublishError
	if errors.As(err, &pubErr) && pubErr.RetryAfter > 0 {
		return pubErr.RetryAfter
	}
	return 0
}

// RawResponse возвращает сырой ответ платформы, если клиент его сохранил.
func RawResponse(err error) string {
	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		return pubErr.Raw
	}
	return ""
}
