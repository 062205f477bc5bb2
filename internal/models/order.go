package models

import "time"

// Order представляет один ордер, отправленный на площадку
type Order struct {
	ClientOrderID   string     `json:"client_order_id"`             // уникален в рамках операции
	ExchangeOrderID string     `json:"exchange_order_id,omitempty"` // присваивается площадкой после ack
	Side            string     `json:"side"`                        // buy, sell
	Symbol          string     `json:"symbol"`
	Quantity        float64    `json:"quantity"`
	Price           float64    `json:"price"`
	Type            string     `json:"type"`          // market
	TimeInForce     string     `json:"time_in_force"` // IOC
	Status          string     `json:"status"`
	FilledQuantity  float64    `json:"filled_quantity"`
	AvgFillPrice    float64    `json:"avg_fill_price"`
	CreatedAt       time.Time  `json:"created_at"`
	FilledAt        *time.Time `json:"filled_at,omitempty"`
}

// Статусы ордера
const (
	OrderStatusNew       = "NEW"       // создан, отправлен на площадку
	OrderStatusAcked     = "ACKED"     // подтверждён площадкой
	OrderStatusFilled    = "FILLED"    // полностью исполнен
	OrderStatusRejected  = "REJECTED"  // отклонён площадкой
	OrderStatusCancelled = "CANCELLED" // снят
)

// Стороны ордера
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Типы ордеров и time-in-force
const (
	OrderTypeMarket = "market"
	TIFImmediate    = "IOC"
)

// IsTerminalOrderStatus возвращает true для финальных статусов ордера.
// Отчёты площадки для ордера в финальном статусе игнорируются (идемпотентность).
func IsTerminalOrderStatus(status string) bool {
	return status == OrderStatusFilled || status == OrderStatusRejected || status == OrderStatusCancelled
}
