package risk

import (
	"errors"
	"fmt"
)

// Ошибки риск-движка
var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidStopPlacement = errors.New("invalid stop placement")
	ErrLimitExceeded        = errors.New("limit exceeded")
	ErrDecisionNotApproved  = errors.New("decision is not approved")
	ErrDecisionNotFound     = errors.New("decision not found")
	ErrStaleDecision        = errors.New("decision is stale")
	ErrPositionNotFound     = errors.New("position not found")
	ErrPositionClosed       = errors.New("position already closed")
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountExists        = errors.New("account already exists")
	ErrVersionConflict      = errors.New("account version conflict")
	ErrDuplicatePosition    = errors.New("decision already has a position")
)

// Виды лимитов
const (
	LimitHeat   = "heat"
	LimitDaily  = "daily"
	LimitWeekly = "weekly"
)

// LimitExceededError - решение отклонено по лимиту.
// errors.Is(err, ErrLimitExceeded) == true для любого Kind.
type LimitExceededError struct {
	Kind   string
	Reason string
}

func (e *LimitExceededError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s limit exceeded", e.Kind)
	}
	return fmt.Sprintf("%s limit exceeded: %s", e.Kind, e.Reason)
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// invalidInput оборачивает ErrInvalidInput с деталями
func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// IsLimitExceeded возвращает вид лимита, если err - LimitExceededError
func IsLimitExceeded(err error) (string, bool) {
	var le *LimitExceededError
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return "", false
}
