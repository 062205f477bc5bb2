package ops

import (
	"fmt"
	"time"

	"cotiza/internal/models"
)

// ValidTransitions определяет допустимые переходы между статусами операции.
// Терминальные статусы не имеют исходящих переходов
var ValidTransitions = map[string][]string{
	models.StatusPending:   {models.StatusRunning, models.StatusCancelled, models.StatusFailed},
	models.StatusRunning:   {models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
	models.StatusCompleted: {},
	models.StatusFailed:    {},
	models.StatusCancelled: {},
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

// StateInfo возвращает описание статуса для сообщений клиенту
func StateInfo(s string) string {
	switch s {
	case models.StatusPending:
		return "Operation accepted, waiting for execution"
	case models.StatusRunning:
		return "Operation is executing"
	case models.StatusCompleted:
		return "Operation completed"
	case models.StatusFailed:
		return "Operation failed"
	case models.StatusCancelled:
		return "Operation cancelled"
	default:
		return "Unknown status"
	}
}

// IsActive возвращает true если операция ещё может торговать
func IsActive(s string) bool {
	return s == models.StatusPending || s == models.StatusRunning
}

// StateTransitionError возвращается при попытке недопустимого перехода
type StateTransitionError struct {
	OperationID string
	From        string
	To          string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s → %s for operation %s", e.From, e.To, e.OperationID)
}

// TryTransition выполняет переход статуса операции с проверкой допустимости.
// Вызывающий держит блокировку операции
func TryTransition(op *models.RatioOperation, to string) error {
	if !CanTransition(op.Status, to) {
		return &StateTransitionError{OperationID: op.ID, From: op.Status, To: to}
	}
	op.Status = to
	op.UpdatedAt = time.Now()
	return nil
}
