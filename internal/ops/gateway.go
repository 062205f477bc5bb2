package ops

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cotiza/internal/models"
	"cotiza/internal/venue"
	"cotiza/pkg/ratelimit"
	"cotiza/pkg/utils"
)

// OrderSender - минимальный контракт сессии площадки для шлюза.
// Выделен в интерфейс для подмены в тестах
type OrderSender interface {
	SendOrder(entry *venue.OrderEntry) error
	IsConnected() bool
}

// lateReportRetention ограничивает время хранения отчёта, пришедшего
// после освобождения слота ожидания. Дольше этого окна за ним никто
// не вернётся: нога либо переотправлена и сверена, либо операция
// уже терминальна
const lateReportRetention = 5 * time.Minute

type retainedReport struct {
	report     venue.ExecutionReport
	receivedAt time.Time
}

// OrderGateway отправляет рыночные ордера и сопоставляет
// execution report'ы по client order id
//
// Корреляция:
//   - Перед отправкой регистрируется канал ожидания по client order id
//   - ApplyReport доставляет отчёт в канал ровно один раз
//   - Отчёт без ожидающего вызова (таймаут, разрыв) удерживается:
//     повторный Execute с тем же client order id сверяется с ним
//     до переотправки, поэтому нога не задваивается на площадке
//   - Дубликаты отчётов площадки молча отбрасываются
type OrderGateway struct {
	sender  OrderSender
	limiter *ratelimit.RateLimiter
	logger  *utils.Logger

	fillTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan venue.ExecutionReport
	late    map[string]retainedReport

	seq uint64
}

// NewOrderGateway создаёт шлюз ордеров
func NewOrderGateway(sender OrderSender, limiter *ratelimit.RateLimiter, fillTimeout time.Duration, logger *utils.Logger) *OrderGateway {
	if fillTimeout <= 0 {
		fillTimeout = 10 * time.Second
	}
	return &OrderGateway{
		sender:      sender,
		limiter:     limiter,
		fillTimeout: fillTimeout,
		logger:      logger,
		pending:     make(map[string]chan venue.ExecutionReport),
		late:        make(map[string]retainedReport),
	}
}

// NextClientOrderID выдаёт уникальный client order id вида "<opID>-<side>-<n>".
// Планировщик выдаёт его один раз на ногу батча и сохраняет при повторах,
// чтобы поздний отчёт первой отправки сверился с той же ногой
func (g *OrderGateway) NextClientOrderID(operationID, side string) string {
	n := atomic.AddUint64(&g.seq, 1)
	return fmt.Sprintf("%s-%s-%d", operationID, strings.ToLower(side[:1]), n)
}

// Execute отправляет рыночный ордер и ждёт терминального отчёта площадки.
//
// Перед отправкой сверяется с удержанными отчётами: если отчёт по этому
// client order id уже пришёл (после таймаута предыдущей попытки), ордер
// НЕ переотправляется, а берётся результат прежней отправки.
//
// Возвращает заполненный models.Order при исполнении. Ошибки:
//   - venue.ErrNotConnected (обёрнута в ErrConnectionClosed) при разрыве
//   - *RejectError (unwrap → ErrOrderRejected) при отказе площадки
//   - ctx.Err() при отмене или таймауте ожидания отчёта
func (g *OrderGateway) Execute(ctx context.Context, clientOrderID, symbol, side string, quantity float64) (*models.Order, error) {
	if report, ok := g.takeLate(clientOrderID); ok {
		g.logger.Info("reconciled late execution report, resubmission skipped",
			utils.OrderID(clientOrderID), utils.Symbol(symbol))
		return g.handleReport(clientOrderID, side, quantity, report)
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ch := make(chan venue.ExecutionReport, 1)
	g.mu.Lock()
	g.pending[clientOrderID] = ch
	g.mu.Unlock()
	defer g.release(clientOrderID)

	entry := &venue.OrderEntry{
		Type:          venue.FrameTypeOrderEntry,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      quantity,
		OrderType:     models.OrderTypeMarket,
		TimeInForce:   models.TIFImmediate,
	}

	if err := g.sender.SendOrder(entry); err != nil {
		RecordOrderResult(side, "lost")
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	g.logger.Debug("order submitted",
		utils.OrderID(clientOrderID),
		utils.Symbol(symbol),
		utils.Side(side),
		utils.Quantity(quantity),
	)

	timer := time.NewTimer(g.fillTimeout)
	defer timer.Stop()

	select {
	case report := <-ch:
		return g.handleReport(clientOrderID, side, quantity, report)
	case <-timer.C:
		RecordOrderResult(side, "lost")
		return nil, fmt.Errorf("%w: no execution report for %s within %s",
			ErrConnectionClosed, clientOrderID, g.fillTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ApplyReport доставляет отчёт площадки ожидающему вызову Execute.
// Отчёт без ожидающего вызова удерживается до сверки повторной
// отправкой той же ноги. Идемпотентен: дубликаты отбрасываются
func (g *OrderGateway) ApplyReport(report venue.ExecutionReport) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLateLocked(time.Now())

	if ch, ok := g.pending[report.ClientOrderID]; ok {
		select {
		case ch <- report:
		default:
			g.logger.Debug("duplicate execution report dropped", utils.OrderID(report.ClientOrderID))
		}
		return
	}

	if _, dup := g.late[report.ClientOrderID]; dup {
		g.logger.Debug("duplicate execution report dropped", utils.OrderID(report.ClientOrderID))
		return
	}

	g.late[report.ClientOrderID] = retainedReport{report: report, receivedAt: time.Now()}
	g.logger.Warn("late execution report retained for reconciliation",
		utils.OrderID(report.ClientOrderID), utils.String("status", report.Status))
}

func (g *OrderGateway) handleReport(clientOrderID, side string, requested float64, report venue.ExecutionReport) (*models.Order, error) {
	now := time.Now()

	switch strings.ToUpper(report.Status) {
	case models.OrderStatusFilled:
		RecordOrderResult(side, "filled")
		filled := report.Quantity
		if filled <= 0 {
			filled = requested
		}
		return &models.Order{
			ClientOrderID:   clientOrderID,
			ExchangeOrderID: report.ExchangeOrderID,
			Side:            side,
			Symbol:          report.Symbol,
			Quantity:        requested,
			Type:            models.OrderTypeMarket,
			TimeInForce:     models.TIFImmediate,
			Status:          models.OrderStatusFilled,
			FilledQuantity:  filled,
			AvgFillPrice:    report.Price,
			CreatedAt:       now,
			FilledAt:        &now,
		}, nil

	case models.OrderStatusRejected:
		RecordOrderResult(side, "rejected")
		return nil, &RejectError{ClientOrderID: clientOrderID, Reason: report.Text}

	default:
		RecordOrderResult(side, "lost")
		return nil, fmt.Errorf("unexpected execution report status %q for %s", report.Status, clientOrderID)
	}
}

// takeLate забирает удержанный отчёт по client order id, если он есть
func (g *OrderGateway) takeLate(clientOrderID string) (venue.ExecutionReport, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	retained, ok := g.late[clientOrderID]
	if !ok {
		return venue.ExecutionReport{}, false
	}
	delete(g.late, clientOrderID)
	return retained.report, true
}

// release снимает регистрацию ожидания по client order id
func (g *OrderGateway) release(clientOrderID string) {
	g.mu.Lock()
	delete(g.pending, clientOrderID)
	g.mu.Unlock()
}

// pruneLateLocked выбрасывает удержанные отчёты старше окна хранения.
// Вызывается под g.mu
func (g *OrderGateway) pruneLateLocked(now time.Time) {
	for id, retained := range g.late {
		if now.Sub(retained.receivedAt) > lateReportRetention {
			delete(g.late, id)
			g.logger.Warn("retained execution report expired unreconciled", utils.OrderID(id))
		}
	}
}
