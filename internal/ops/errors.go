package ops

import (
	"errors"
	"fmt"
)

// Классификация ошибок исполнения. Планировщик выбирает реакцию
// (повтор, расход попытки, провал операции) по виду ошибки
var (
	// ErrNoMarket — котировка отсутствует или одна из сторон пустая.
	// Не расходует попытку, цикл продолжается
	ErrNoMarket = errors.New("no market for instrument")

	// ErrConditionNotMet — котировки есть, но условие не выполнено.
	// Расходует попытку при ограниченном max_attempts
	ErrConditionNotMet = errors.New("ratio condition not met")

	// ErrConnectionClosed — разрыв соединения с площадкой во время
	// отправки. Повтор после восстановления сессии
	ErrConnectionClosed = errors.New("venue connection closed")

	// ErrOrderRejected — площадка отклонила ордер. Ограниченное число
	// повторов, затем операция проваливается
	ErrOrderRejected = errors.New("order rejected by venue")

	// ErrAttemptsExhausted — исчерпан лимит попыток проверки условия
	ErrAttemptsExhausted = errors.New("max attempts exhausted")

	// ErrRatioConditionViolated — средневзвешенный ратио итоговой
	// операции не удовлетворяет условию
	ErrRatioConditionViolated = errors.New("weighted average ratio violates condition")

	// ErrOperationNotFound возвращается при запросе неизвестного ID
	ErrOperationNotFound = errors.New("operation not found")

	// ErrOperationTerminal — операция уже в терминальном статусе
	ErrOperationTerminal = errors.New("operation already terminal")

	// ErrInvalidRequest — запрос не прошёл валидацию
	ErrInvalidRequest = errors.New("invalid operation request")
)

// RejectError сохраняет текст отказа площадки
type RejectError struct {
	ClientOrderID string
	Reason        string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.ClientOrderID, e.Reason)
}

func (e *RejectError) Unwrap() error {
	return ErrOrderRejected
}

// ValidationError описывает конкретное нарушение в запросе
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}
