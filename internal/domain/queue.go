package domain

import (
	"errors"
	"fmt"
)

// QueueStatus описывает состояние элемента очереди публикаций.
type QueueStatus string

const (
	QueueQueued     QueueStatus = "queued"
	QueueProcessing QueueStatus = "processing"
	QueuePublished  QueueStatus = "published"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// ErrInvalidTransition возвращается при попытке перехода, которого нет в автомате состояний.
var ErrInvalidTransition = errors.New("invalid queue transition")

// ErrLeaseLost возвращается, если итог фиксирует воркер, чья аренда уже передана другому.
var ErrLeaseLost = fmt.Errorf("%w: lease held by another worker", ErrInvalidTransition)

var queueTransitions = map[QueueStatus][]QueueStatus{
	QueueQueued:     {QueueProcessing, QueueCancelled},
	QueueProcessing: {QueuePublished, QueueFailed, QueueQueued},
}

// Terminal сообщает, что из состояния нет выходов.
func (s QueueStatus) Terminal() bool {
	return len(queueTransitions[s]) == 0
}

// CanTransition проверяет, разрешён ли переход from -> to.
func (s QueueStatus) CanTransition(to QueueStatus) bool {
	for _, next := range queueTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition возвращает ErrInvalidTransition с контекстом, если переход запрещён.
func ValidateTransition(from, to QueueStatus) error {
	if from.CanTransition(to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// EntryStatusFor проецирует терминальное состояние элемента очереди на запись расписания.
func EntryStatusFor(status QueueStatus) (EntryStatus, bool) {
	switch status {
	case QueuePublished:
		return EntryPublished, true
	case QueueFailed:
		return EntryFailed, true
	case QueueCancelled:
		return EntryCancelled, true
	default:
		return EntryPending, false
	}
}
