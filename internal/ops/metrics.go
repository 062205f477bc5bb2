package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики исполнения ратио-операций
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации
// - Alertmanager для уведомлений о проблемах

// ============ Счётчики операций ============

// OperationsTotal - количество операций по итоговому статусу
var OperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cotiza",
		Subsystem: "ops",
		Name:      "operations_total",
		Help:      "Total number of ratio operations by terminal status",
	},
	[]string{"status"}, // completed, failed, cancelled
)

// BatchesExecuted - количество исполненных батчей
var BatchesExecuted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cotiza",
		Subsystem: "ops",
		Name:      "batches_executed_total",
		Help:      "Total number of executed batches",
	},
	[]string{"pair"},
)

// ConditionChecks - проверки условия по результату
var ConditionChecks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cotiza",
		Subsystem: "ops",
		Name:      "condition_checks_total",
		Help:      "Total number of ratio condition evaluations",
	},
	[]string{"result"}, // met, not_met, no_market
)

// OrdersSubmitted - отправленные на площадку ордера
var OrdersSubmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cotiza",
		Subsystem: "venue",
		Name:      "orders_submitted_total",
		Help:      "Total number of orders submitted to the venue",
	},
	[]string{"side", "result"}, // result: filled, rejected, lost
)

// ============ Метрики состояния ============

// ActiveOperations - текущее количество операций по статусу
var ActiveOperations = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "cotiza",
		Subsystem: "ops",
		Name:      "active_operations",
		Help:      "Current number of operations by status",
	},
	[]string{"status"},
)

// VenueConnection - статус подключения к площадке
var VenueConnection = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "cotiza",
		Subsystem: "venue",
		Name:      "connection_status",
		Help:      "Venue connection status (1=connected, 0=disconnected)",
	},
)

// VenueReconnects - количество переподключений к площадке
var VenueReconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cotiza",
		Subsystem: "venue",
		Name:      "reconnects_total",
		Help:      "Total number of venue session reconnects",
	},
)

// ============ Метрики латентности ============

// BatchExecutionLatency - время исполнения батча (sell + buy)
var BatchExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cotiza",
		Subsystem: "ops",
		Name:      "batch_execution_latency_ms",
		Help:      "Time to execute a full batch (sell and buy legs) in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"pair"},
)

// RatioObserved - наблюдаемые значения ратио
var RatioObserved = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cotiza",
		Subsystem: "ops",
		Name:      "ratio_observed",
		Help:      "Observed bid/offer ratio values",
		Buckets:   []float64{0.5, 0.7, 0.8, 0.9, 0.95, 1, 1.05, 1.1, 1.2, 1.5, 2},
	},
	[]string{"pair"},
)

// ============ Вспомогательные функции ============

// RecordConditionCheck записывает результат проверки условия
func RecordConditionCheck(result string) {
	ConditionChecks.WithLabelValues(result).Inc()
}

// RecordBatch записывает исполненный батч
func RecordBatch(pair string, latencyMs float64) {
	BatchesExecuted.WithLabelValues(pair).Inc()
	BatchExecutionLatency.WithLabelValues(pair).Observe(latencyMs)
}

// RecordOperationFinished записывает терминальный статус операции
func RecordOperationFinished(status string) {
	OperationsTotal.WithLabelValues(status).Inc()
}

// RecordOrderResult записывает результат отправки ордера
func RecordOrderResult(side, result string) {
	OrdersSubmitted.WithLabelValues(side, result).Inc()
}

// UpdateVenueStatus обновляет статус подключения к площадке
func UpdateVenueStatus(connected bool) {
	if connected {
		VenueConnection.Set(1)
	} else {
		VenueConnection.Set(0)
	}
}

// RecordRatio записывает наблюдаемое значение ратио
func RecordRatio(pair string, ratio float64) {
	RatioObserved.WithLabelValues(pair).Observe(ratio)
}
