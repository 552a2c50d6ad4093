package risk

import (
	"fmt"

	"tradeguard/internal/models"
)

// ValidTransitions определяет допустимые переходы решения
var ValidTransitions = map[string][]string{
	models.DecisionPending:    {models.DecisionEvaluating},
	models.DecisionEvaluating: {models.DecisionApproved, models.DecisionRejected},
	models.DecisionApproved:   {}, // терминальное
	models.DecisionRejected:   {}, // терминальное
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal - решение больше не меняется
func IsTerminal(state string) bool {
	return state == models.DecisionApproved || state == models.DecisionRejected
}

// StateInfo возвращает описание состояния для UI
func StateInfo(s string) string {
	switch s {
	case models.DecisionPending:
		return "Заявка принята"
	case models.DecisionEvaluating:
		return "Выполняются проверки риска"
	case models.DecisionApproved:
		return "Сделка одобрена"
	case models.DecisionRejected:
		return "Сделка отклонена"
	default:
		return "Неизвестное состояние"
	}
}

// transition переводит решение в новое состояние
func transition(d *models.RiskDecision, to string) error {
	if !CanTransition(d.State, to) {
		return fmt.Errorf("invalid decision transition %s -> %s", d.State, to)
	}
	d.State = to
	return nil
}
