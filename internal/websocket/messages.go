package websocket

import (
	"strings"
	"time"

	"cotiza/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы исходящих WebSocket сообщений
const (
	// MessageTypeOperationStarted - операция принята и подхвачена планировщиком
	MessageTypeOperationStarted MessageType = "operation_started"

	// MessageTypeOperationProgress - снапшот хода исполнения
	// Отправляется после каждой итерации с диагностикой и после каждого батча.
	// Терминальные статусы (completed, failed) приходят этим же типом
	MessageTypeOperationProgress MessageType = "operation_progress"

	// MessageTypeOperationCancelled - операция отменена по запросу клиента
	MessageTypeOperationCancelled MessageType = "operation_cancelled"

	// MessageTypeError - ошибка обработки входящей команды
	MessageTypeError MessageType = "error"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// OperationStartedMessage - подтверждение запуска операции
type OperationStartedMessage struct {
	BaseMessage
	OperationID string `json:"operation_id"`
}

// OperationProgressMessage - сообщение о ходе исполнения операции
//
// Содержит актуальный снапшот:
// - Статус и процент исполнения
// - Текущий шаг (человекочитаемая диагностика последней итерации)
// - Последний наблюдаемый рыночный ratio и выполнено ли условие
// - Журнал диагностики и счётчики ордеров
//
// Статус в терминальном кадре: completed, failed или cancelled
type OperationProgressMessage struct {
	BaseMessage
	OperationID string `json:"operation_id"`

	// Статус в нижнем регистре (pending, running, completed, failed, cancelled)
	Status string `json:"status"`

	// Прогресс исполнения 0-100
	ProgressPercentage float64 `json:"progress_percentage"`

	// Описание последней итерации (проверка условия, исполнение батча)
	CurrentStep string `json:"current_step"`

	// Последний вычисленный рыночный ratio (0 если котировок ещё не было)
	CurrentRatio float64 `json:"current_ratio"`

	// Выполняется ли условие для CurrentRatio
	ConditionMet bool `json:"condition_met"`

	// Средневзвешенный ratio по исполненным батчам
	WeightedAverageRatio float64 `json:"weighted_average_ratio"`

	CompletedNominales float64 `json:"completed_nominales"`
	RemainingNominales float64 `json:"remaining_nominales"`
	BatchCount         int     `json:"batch_count"`

	// Журнал диагностики операции (append-only)
	Messages []string `json:"messages"`

	SellOrdersCount int `json:"sell_orders_count"`
	BuyOrdersCount  int `json:"buy_orders_count"`

	// Причина провала (только для status=failed)
	Error string `json:"error,omitempty"`
}

// OperationCancelledMessage - подтверждение отмены операции
type OperationCancelledMessage struct {
	BaseMessage
	OperationID string `json:"operation_id"`
	Message     string `json:"message"`
}

// ErrorMessage - ошибка обработки входящей команды
type ErrorMessage struct {
	BaseMessage
	OperationID string `json:"operation_id,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

// ============ Фабричные функции для создания сообщений ============

// NewOperationStartedMessage создает сообщение о запуске операции
func NewOperationStartedMessage(operationID string) *OperationStartedMessage {
	return &OperationStartedMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeOperationStarted,
			Timestamp: time.Now(),
		},
		OperationID: operationID,
	}
}

// NewOperationProgressMessage создает снапшот хода исполнения
//
// step - диагностика последней итерации, попадает в current_step.
// Снапшот должен быть получен через Snapshot(): сообщение удерживает
// ссылки на его слайсы
func NewOperationProgressMessage(op *models.RatioOperation, step string) *OperationProgressMessage {
	conditionMet := false
	if op.LastRatio > 0 {
		conditionMet = op.Condition.Evaluate(op.LastRatio, op.TargetRatio)
	}

	return &OperationProgressMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeOperationProgress,
			Timestamp: time.Now(),
		},
		OperationID:          op.ID,
		Status:               strings.ToLower(op.Status),
		ProgressPercentage:   op.ProgressPercentage(),
		CurrentStep:          step,
		CurrentRatio:         op.LastRatio,
		ConditionMet:         conditionMet,
		WeightedAverageRatio: op.WeightedAverageRatio,
		CompletedNominales:   op.CompletedNominales,
		RemainingNominales:   op.RemainingNominales,
		BatchCount:           op.BatchCount,
		Messages:             op.Messages,
		SellOrdersCount:      len(op.SellOrders),
		BuyOrdersCount:       len(op.BuyOrders),
		Error:                op.Error,
	}
}

// NewOperationCancelledMessage создает подтверждение отмены
func NewOperationCancelledMessage(operationID, message string) *OperationCancelledMessage {
	return &OperationCancelledMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeOperationCancelled,
			Timestamp: time.Now(),
		},
		OperationID: operationID,
		Message:     message,
	}
}

// NewErrorMessage создает сообщение об ошибке команды
func NewErrorMessage(operationID, code, message string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeError,
			Timestamp: time.Now(),
		},
		OperationID: operationID,
		Code:        code,
		Message:     message,
	}
}
