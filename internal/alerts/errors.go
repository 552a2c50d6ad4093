package alerts

import (
	"errors"

	"tradeguard/pkg/retry"
)

var (
	ErrInvalidEvent = errors.New("invalid alert event")

	// ErrThrottleExceeded - исчерпан часовой или дневной лимит пользователя
	ErrThrottleExceeded = errors.New("alert throttle exceeded")

	// ErrChannelUnavailable - временный сбой канала, доставка повторяется
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrChannelRejected - канал отверг сообщение, повтор бессмысленен
	ErrChannelRejected = errors.New("channel rejected message")

	ErrDuplicateAlert     = errors.New("duplicate alert")
	ErrPreferenceNotFound = errors.New("alert preference not found")
	ErrPreferenceConflict = errors.New("alert preference version conflict")
	ErrRecordNotFound     = errors.New("alert record not found")
	ErrUnknownChannel     = errors.New("unknown channel")
)

// IsPermanent - ошибку доставки нет смысла повторять
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrChannelRejected) ||
		errors.Is(err, ErrUnknownChannel) ||
		retry.IsPermanent(err)
}
