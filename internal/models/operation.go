package models

import (
	"fmt"
	"time"
)

// Condition - оператор сравнения текущего ratio с целевым
type Condition string

// Поддерживаемые условия исполнения
const (
	ConditionLTE Condition = "<="
	ConditionGTE Condition = ">="
	ConditionLT  Condition = "<"
	ConditionGT  Condition = ">"
	ConditionEQ  Condition = "=="
)

// equalityEpsilon - допуск для сравнения "==" (float64 не сравнивается точно)
const equalityEpsilon = 1e-9

// Valid проверяет, что условие одно из поддерживаемых
func (c Condition) Valid() bool {
	switch c {
	case ConditionLTE, ConditionGTE, ConditionLT, ConditionGT, ConditionEQ:
		return true
	}
	return false
}

// Evaluate сравнивает текущий ratio с целевым согласно условию
func (c Condition) Evaluate(current, target float64) bool {
	switch c {
	case ConditionLTE:
		return current <= target
	case ConditionGTE:
		return current >= target
	case ConditionLT:
		return current < target
	case ConditionGT:
		return current > target
	case ConditionEQ:
		diff := current - target
		return diff < equalityEpsilon && diff > -equalityEpsilon
	}
	return false
}

// Статусы операции (state machine)
const (
	StatusPending   = "PENDING"   // создана, ещё не подхвачена планировщиком
	StatusRunning   = "RUNNING"   // активный цикл мониторинга/исполнения
	StatusCompleted = "COMPLETED" // весь объём исполнен, условие выполнено
	StatusFailed    = "FAILED"    // невосстановимая ошибка или нарушение условия
	StatusCancelled = "CANCELLED" // отменена по запросу клиента
)

// RatioOperation представляет одну условную парную операцию
//
// Жизненный цикл:
//   - Создаётся при валидации входящего запроса (PENDING)
//   - Во время исполнения принадлежит ТОЛЬКО планировщику: все мутации
//     происходят в его горутине, внешний код читает через Snapshot()
//   - При достижении терминального статуса становится read-only и хранится
//     для последующих status-запросов; никогда не удаляется
//
// Инварианты:
// - CompletedNominales + RemainingNominales == NominalesTotal в любой момент
// - Статус движется только вперёд (см. ops.CanTransition)
// - WeightedAverageRatio считается ТОЛЬКО по реально исполненным батчам
type RatioOperation struct {
	ID               string    `json:"operation_id"`
	Pair             [2]string `json:"pair"`
	InstrumentToSell string    `json:"instrument_to_sell"`
	InstrumentToBuy  string    `json:"instrument_to_buy"`
	NominalesTotal   float64   `json:"nominales_total"`
	TargetRatio      float64   `json:"target_ratio"`
	Condition        Condition `json:"condition"`
	ClientID         string    `json:"client_id"`

	// MaxAttempts - потолок проверок условия (0 = без лимита).
	// Расходуется только на итерациях где ratio был вычислен и условие
	// НЕ выполнилось; отсутствие котировки попытку не расходует.
	MaxAttempts int `json:"max_attempts,omitempty"`

	Status string `json:"status"`
	// LastRatio - последний вычисленный рыночный ratio (bid sell / offer buy).
	// 0 пока котировки обеих ног ни разу не наблюдались одновременно
	LastRatio            float64 `json:"last_ratio,omitempty"`
	CompletedNominales   float64 `json:"completed_nominales"`
	RemainingNominales   float64 `json:"remaining_nominales"`
	WeightedAverageRatio float64 `json:"weighted_average_ratio"`
	BatchCount           int     `json:"batch_count"`

	SellOrders []Order  `json:"sell_orders"`
	BuyOrders  []Order  `json:"buy_orders"`
	Messages   []string `json:"messages"` // append-only журнал диагностики

	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRatioOperation создаёт операцию в статусе PENDING
func NewRatioOperation(id string, pair [2]string, sell string, nominales, target float64, cond Condition, clientID string, maxAttempts int) *RatioOperation {
	buy := pair[0]
	if buy == sell {
		buy = pair[1]
	}

	now := time.Now()
	return &RatioOperation{
		ID:                 id,
		Pair:               pair,
		InstrumentToSell:   sell,
		InstrumentToBuy:    buy,
		NominalesTotal:     nominales,
		TargetRatio:        target,
		Condition:          cond,
		ClientID:           clientID,
		MaxAttempts:        maxAttempts,
		Status:             StatusPending,
		RemainingNominales: nominales,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// IsTerminal возвращает true для финальных статусов
func (op *RatioOperation) IsTerminal() bool {
	return op.Status == StatusCompleted || op.Status == StatusFailed || op.Status == StatusCancelled
}

// ProgressPercentage возвращает прогресс исполнения в процентах (0-100)
func (op *RatioOperation) ProgressPercentage() float64 {
	if op.NominalesTotal <= 0 {
		return 0
	}
	return op.CompletedNominales / op.NominalesTotal * 100
}

// AppendMessage добавляет запись в append-only журнал
func (op *RatioOperation) AppendMessage(format string, args ...interface{}) {
	op.Messages = append(op.Messages, fmt.Sprintf(format, args...))
	op.UpdatedAt = time.Now()
}

// RecordBatch фиксирует исполненный батч: объёмы, средневзвешенный ratio
// и оба ордера. Вызывается только из горутины планировщика.
//
// batchRatio - РЕАЛИЗОВАННЫЙ ratio батча (цена продажи / цена покупки по
// фактическому исполнению), не котировочный.
func (op *RatioOperation) RecordBatch(qty, batchRatio float64, sell, buy Order) {
	// Средневзвешенное по объёму: sum(qty_i * ratio_i) / sum(qty_i)
	prev := op.CompletedNominales
	op.CompletedNominales += qty
	op.RemainingNominales = op.NominalesTotal - op.CompletedNominales
	if op.CompletedNominales > 0 {
		op.WeightedAverageRatio = (op.WeightedAverageRatio*prev + batchRatio*qty) / op.CompletedNominales
	}
	op.BatchCount++
	op.SellOrders = append(op.SellOrders, sell)
	op.BuyOrders = append(op.BuyOrders, buy)
	op.UpdatedAt = time.Now()
}

// Snapshot возвращает глубокую копию для безопасного чтения извне
func (op *RatioOperation) Snapshot() *RatioOperation {
	cp := *op
	cp.SellOrders = append([]Order(nil), op.SellOrders...)
	cp.BuyOrders = append([]Order(nil), op.BuyOrders...)
	cp.Messages = append([]string(nil), op.Messages...)
	return &cp
}
