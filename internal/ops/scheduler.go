package ops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cotiza/internal/models"
	"cotiza/pkg/retry"
	"cotiza/pkg/utils"
)

// ============================================================
// Планировщик исполнения ратио-операций
// ============================================================
//
// Каждая операция исполняется в собственной горутине и на время
// исполнения принадлежит только ей. Цикл одной итерации:
//
//  1. Проверка флага отмены (всегда первая)
//  2. Чтение котировок обеих ног; нет рынка = ждём следующий тик
//  3. Вычисление current_ratio = bid(sell) / offer(buy)
//  4. Проверка условия; провал расходует попытку при max_attempts > 0
//  5. Батч = min(remaining, max_batch_size), продажа первой,
//     покупка на фактическую выручку от продажи
//  6. remaining == 0 → финальная сверка средневзвешенного ratio
//
// Разрыв соединения не роняет операцию: нога с неизвестным исходом
// ждёт восстановления рынка и переотправляется с тем же client
// order id, шлюз сверяет поздний отчёт до повторной отправки

// QuoteSource - источник котировок для планировщика
type QuoteSource interface {
	GetTradable(symbol string) (models.Quote, bool)
}

// OrderExecutor - исполняет один рыночный ордер до терминального отчёта.
// Client order id выдаётся отдельно, чтобы повтор той же ноги шёл
// под прежним id и сверялся с отчётом первой отправки
type OrderExecutor interface {
	NextClientOrderID(operationID, side string) string
	Execute(ctx context.Context, clientOrderID, symbol, side string, quantity float64) (*models.Order, error)
}

// SchedulerConfig - настройки цикла исполнения
type SchedulerConfig struct {
	// PollInterval - период опроса котировок
	PollInterval time.Duration

	// MaxBatchSize - потолок номиналов в одном батче
	MaxBatchSize float64

	// OrderRetry - политика повторов отправки при отказе площадки.
	// На разрывы соединения бюджет не тратится: нога ждёт
	// восстановления рынка
	OrderRetry retry.Config

	// UnmetLogInterval - минимальный интервал между диагностическими
	// сообщениями о невыполненном условии при безлимитных попытках
	UnmetLogInterval time.Duration
}

// DefaultSchedulerConfig возвращает настройки по умолчанию
func DefaultSchedulerConfig() SchedulerConfig {
	orderRetry := retry.DefaultConfig()
	orderRetry.MaxRetries = 3
	orderRetry.RetryIf = retryableOrderError

	return SchedulerConfig{
		PollInterval:     500 * time.Millisecond,
		MaxBatchSize:     100,
		OrderRetry:       orderRetry,
		UnmetLogInterval: 5 * time.Second,
	}
}

// retryableOrderError: ограниченно повторяем только отказы площадки.
// Разрыв соединения не расходует бюджет - исход отправки неизвестен,
// нога переотправляется после восстановления рынка под тем же id
func retryableOrderError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrOrderRejected)
}

// errConditionLost: условие перестало выполняться между проверкой
// и отправкой продажи; батч не стартовал, операция продолжает опрос
var errConditionLost = errors.New("ratio condition lost before dispatch")

// errAwaitInterrupted: ожидание восстановления рынка прервано отменой
var errAwaitInterrupted = errors.New("market wait interrupted by cancel request")

// Handle - управляемая планировщиком операция.
// Мутации происходят в горутине планировщика под mu,
// внешний код читает через Snapshot
type Handle struct {
	mu sync.Mutex
	op *models.RatioOperation

	cancel int32
	done   chan struct{}
}

// NewHandle оборачивает операцию для передачи планировщику
func NewHandle(op *models.RatioOperation) *Handle {
	return &Handle{op: op, done: make(chan struct{})}
}

// Snapshot возвращает согласованную копию операции
func (h *Handle) Snapshot() *models.RatioOperation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.op.Snapshot()
}

// RequestCancel взводит флаг отмены. Идемпотентен.
// Возвращает false если операция уже терминальна
func (h *Handle) RequestCancel() bool {
	h.mu.Lock()
	terminal := h.op.IsTerminal()
	h.mu.Unlock()
	if terminal {
		return false
	}
	atomic.StoreInt32(&h.cancel, 1)
	return true
}

// CancelRequested возвращает true если запрошена отмена
func (h *Handle) CancelRequested() bool {
	return atomic.LoadInt32(&h.cancel) == 1
}

// Done закрывается при достижении терминального статуса
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// locked выполняет мутацию операции под блокировкой
func (h *Handle) locked(fn func(op *models.RatioOperation)) {
	h.mu.Lock()
	fn(h.op)
	h.mu.Unlock()
}

// Scheduler запускает и сопровождает горутины исполнения
type Scheduler struct {
	quotes    QuoteSource
	executor  OrderExecutor
	publisher ProgressPublisher
	logger    *utils.Logger
	cfg       SchedulerConfig

	wg sync.WaitGroup
}

// NewScheduler создаёт планировщик
func NewScheduler(quotes QuoteSource, executor OrderExecutor, publisher ProgressPublisher, cfg SchedulerConfig, logger *utils.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.UnmetLogInterval <= 0 {
		cfg.UnmetLogInterval = 5 * time.Second
	}
	return &Scheduler{
		quotes:    quotes,
		executor:  executor,
		publisher: publisher,
		logger:    logger.WithComponent("scheduler"),
		cfg:       cfg,
	}
}

// Start запускает исполнение операции в отдельной горутине
func (s *Scheduler) Start(ctx context.Context, h *Handle) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, h)
	}()
}

// Wait дожидается завершения всех запущенных операций
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// run - цикл жизни одной операции
func (s *Scheduler) run(ctx context.Context, h *Handle) {
	defer close(h.done)

	snap := h.Snapshot()
	log := s.logger.With(
		utils.OperationID(snap.ID),
		utils.Pair(snap.InstrumentToSell+"-"+snap.InstrumentToBuy),
	)

	var startErr error
	h.locked(func(op *models.RatioOperation) {
		startErr = TryTransition(op, models.StatusRunning)
	})
	if startErr != nil {
		log.Warn("operation not startable", utils.Err(startErr))
		return
	}

	s.publisher.OperationStarted(h.Snapshot())
	log.Info("operation started",
		utils.Quantity(snap.NominalesTotal),
		utils.Ratio(snap.TargetRatio),
		utils.String("condition", string(snap.Condition)),
	)

	attempts := 0
	var lastUnmetLog time.Time
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Отмена проверяется первой на каждой итерации
		if h.CancelRequested() {
			s.finishCancelled(h, log)
			return
		}

		select {
		case <-ctx.Done():
			s.finishFailed(h, log, fmt.Sprintf("service shutting down: %v", ctx.Err()))
			return
		default:
		}

		proceed, finished := s.step(ctx, h, log, &attempts, &lastUnmetLog)
		if finished {
			return
		}
		if proceed {
			// Сразу пробуем следующий батч: условие уже выполнялось
			continue
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.finishFailed(h, log, fmt.Sprintf("service shutting down: %v", ctx.Err()))
			return
		}
	}
}

// step выполняет одну итерацию цикла.
// proceed=true означает, что батч исполнен и можно не ждать тикера
func (s *Scheduler) step(ctx context.Context, h *Handle, log *utils.Logger, attempts *int, lastUnmetLog *time.Time) (proceed, finished bool) {
	snap := h.Snapshot()
	pair := snap.InstrumentToSell + "-" + snap.InstrumentToBuy

	sellQuote, okSell := s.quotes.GetTradable(snap.InstrumentToSell)
	buyQuote, okBuy := s.quotes.GetTradable(snap.InstrumentToBuy)
	if !okSell || !okBuy {
		// Нет рынка: попытка не расходуется, ждём следующий тик
		RecordConditionCheck("no_market")
		return false, false
	}

	ratio := sellQuote.Bid / buyQuote.Offer
	RecordRatio(pair, ratio)
	h.locked(func(op *models.RatioOperation) { op.LastRatio = ratio })

	if !snap.Condition.Evaluate(ratio, snap.TargetRatio) {
		RecordConditionCheck("not_met")
		diff := ratio - snap.TargetRatio

		if snap.MaxAttempts > 0 {
			*attempts++
			msg := fmt.Sprintf("attempt %d/%d: ratio %.6f does not satisfy %s %.6f (diff %+.6f)",
				*attempts, snap.MaxAttempts, ratio, snap.Condition, snap.TargetRatio, diff)
			h.locked(func(op *models.RatioOperation) { op.AppendMessage("%s", msg) })
			s.publisher.OperationProgress(h.Snapshot(), msg)
			log.Debug("condition not met", utils.Ratio(ratio), utils.Attempt(*attempts))

			if *attempts >= snap.MaxAttempts {
				s.finishFailed(h, log, fmt.Sprintf("%v: %d condition checks without a match", ErrAttemptsExhausted, *attempts))
				return false, true
			}
		} else if time.Since(*lastUnmetLog) >= s.cfg.UnmetLogInterval {
			// Безлимитные попытки: диагностика пишется с прореживанием,
			// чтобы журнал не рос на каждом тике опроса
			*lastUnmetLog = time.Now()
			msg := fmt.Sprintf("ratio %.6f does not satisfy %s %.6f (diff %+.6f)",
				ratio, snap.Condition, snap.TargetRatio, diff)
			h.locked(func(op *models.RatioOperation) { op.AppendMessage("%s", msg) })
			s.publisher.OperationProgress(h.Snapshot(), msg)
			log.Debug("condition not met", utils.Ratio(ratio))
		}
		return false, false
	}

	RecordConditionCheck("met")

	batchQty := snap.RemainingNominales
	if batchQty > s.cfg.MaxBatchSize {
		batchQty = s.cfg.MaxBatchSize
	}

	started := time.Now()
	sellOrder, buyOrder, err := s.executeBatch(ctx, h, log, snap, batchQty)
	if err != nil {
		switch {
		case errors.Is(err, errConditionLost):
			// Условие ушло до отправки продажи: батч не стартовал
			log.Debug("condition lost before dispatch, batch skipped")
			return false, false
		case errors.Is(err, errAwaitInterrupted):
			// Отмена во время ожидания рынка: цикл завершит операцию
			return false, false
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			s.finishFailed(h, log, fmt.Sprintf("batch aborted: %v", err))
			return false, true
		default:
			s.finishFailed(h, log, fmt.Sprintf("batch execution failed: %v", err))
			return false, true
		}
	}

	batchRatio := sellOrder.AvgFillPrice / buyOrder.AvgFillPrice
	RecordBatch(pair, float64(time.Since(started).Milliseconds()))

	var remaining float64
	var batchNum int
	h.locked(func(op *models.RatioOperation) {
		op.RecordBatch(sellOrder.FilledQuantity, batchRatio, *sellOrder, *buyOrder)
		op.AppendMessage("batch %d: sold %.2f %s @ %.4f, bought %.2f %s @ %.4f, realized ratio %.6f",
			op.BatchCount, sellOrder.FilledQuantity, op.InstrumentToSell, sellOrder.AvgFillPrice,
			buyOrder.FilledQuantity, op.InstrumentToBuy, buyOrder.AvgFillPrice, batchRatio)
		remaining = op.RemainingNominales
		batchNum = op.BatchCount
	})

	progress := h.Snapshot()
	s.publisher.OperationProgress(progress, fmt.Sprintf("batch %d executed, %.2f nominales remaining", batchNum, remaining))
	log.Info("batch executed",
		utils.Batch(batchNum),
		utils.Quantity(sellOrder.FilledQuantity),
		utils.Ratio(batchRatio),
	)

	if remaining <= 0 {
		s.finalize(h, log)
		return false, true
	}
	return true, false
}

// executeBatch исполняет один батч: продажа первой ноги, затем покупка
// второй на фактическую выручку.
//
// Прямо перед отправкой продажи условие перепроверяется по свежим
// котировкам: между оценкой в step и отправкой рынок мог уйти.
// Объём покупки считается от выручки и offer покупаемой ноги на момент
// отправки покупки
func (s *Scheduler) executeBatch(ctx context.Context, h *Handle, log *utils.Logger, snap *models.RatioOperation, qty float64) (*models.Order, *models.Order, error) {
	sellQuote, okSell := s.quotes.GetTradable(snap.InstrumentToSell)
	buyQuote, okBuy := s.quotes.GetTradable(snap.InstrumentToBuy)
	if !okSell || !okBuy {
		return nil, nil, errConditionLost
	}
	if !snap.Condition.Evaluate(sellQuote.Bid/buyQuote.Offer, snap.TargetRatio) {
		return nil, nil, errConditionLost
	}

	sellOrder, err := s.executeLeg(ctx, h, log, snap.ID, snap.InstrumentToSell, models.SideSell, qty, false)
	if err != nil {
		return nil, nil, fmt.Errorf("sell leg: %w", err)
	}

	// Объём покупки определяется реальной выручкой, не котировкой
	proceeds := sellOrder.FilledQuantity * sellOrder.AvgFillPrice

	var buyQty float64
	for {
		q, ok := s.quotes.GetTradable(snap.InstrumentToBuy)
		if ok {
			buyQty = proceeds / q.Offer
			break
		}
		// Продажа уже исполнена: покупка обязана состояться,
		// ждём возвращения рынка сколько потребуется
		if werr := s.awaitMarket(ctx, h, snap.InstrumentToBuy, true); werr != nil {
			return nil, nil, fmt.Errorf("buy leg after sell of %.2f: %w", sellOrder.FilledQuantity, werr)
		}
	}

	buyOrder, err := s.executeLeg(ctx, h, log, snap.ID, snap.InstrumentToBuy, models.SideBuy, buyQty, true)
	if err != nil {
		return nil, nil, fmt.Errorf("buy leg after sell of %.2f: %w", sellOrder.FilledQuantity, err)
	}

	return sellOrder, buyOrder, nil
}

// executeLeg доводит одну ногу до терминального отчёта.
//
// Отказы площадки повторяются ограниченно по OrderRetry, каждый повтор
// после отказа идёт с новым client order id: состояние отказанного
// ордера известно. Разрыв соединения бюджет не тратит: нога ждёт
// восстановления рынка и переотправляется с ТЕМ ЖЕ id, шлюз сверяет
// поздний отчёт первой отправки до повторной.
//
// mustComplete=true (покупка после исполненной продажи) игнорирует
// флаг отмены: батч обязан закрыться второй ногой
func (s *Scheduler) executeLeg(ctx context.Context, h *Handle, log *utils.Logger, operationID, symbol, side string, qty float64, mustComplete bool) (*models.Order, error) {
	legID := s.executor.NextClientOrderID(operationID, side)

	for {
		order, err := retry.DoWithResult(ctx, func() (*models.Order, error) {
			o, e := s.executor.Execute(ctx, legID, symbol, side, qty)
			if e != nil && errors.Is(e, ErrOrderRejected) {
				legID = s.executor.NextClientOrderID(operationID, side)
			}
			return o, e
		}, s.cfg.OrderRetry)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, ErrConnectionClosed) {
			return nil, err
		}

		log.Warn("order submission lost, waiting for market to resume",
			utils.OrderID(legID),
			utils.Symbol(symbol),
			utils.Err(err),
		)
		if werr := s.awaitMarket(ctx, h, symbol, mustComplete); werr != nil {
			return nil, werr
		}
	}
}

// awaitMarket ждёт пригодную котировку по символу. Пауза в котировках
// трактуется как отсутствие рынка: операция остаётся RUNNING.
// При mustComplete=false ожидание прерывается запросом отмены
func (s *Scheduler) awaitMarket(ctx context.Context, h *Handle, symbol string, mustComplete bool) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !mustComplete && h.CancelRequested() {
			return errAwaitInterrupted
		}
		if _, ok := s.quotes.GetTradable(symbol); ok {
			return nil
		}
		RecordConditionCheck("no_market")
	}
}

// finalize выполняет итоговую сверку: средневзвешенный ratio всей операции
// обязан удовлетворять исходному условию
func (s *Scheduler) finalize(h *Handle, log *utils.Logger) {
	snap := h.Snapshot()

	if !snap.Condition.Evaluate(snap.WeightedAverageRatio, snap.TargetRatio) {
		s.finishFailed(h, log, fmt.Sprintf("%v: %.6f %s %.6f does not hold",
			ErrRatioConditionViolated, snap.WeightedAverageRatio, snap.Condition, snap.TargetRatio))
		return
	}

	h.locked(func(op *models.RatioOperation) {
		if err := TryTransition(op, models.StatusCompleted); err != nil {
			log.Error("completion transition failed", utils.Err(err))
			return
		}
		op.AppendMessage("operation completed: %.2f nominales in %d batches, weighted average ratio %.6f",
			op.CompletedNominales, op.BatchCount, op.WeightedAverageRatio)
	})

	RecordOperationFinished(models.StatusCompleted)
	s.publisher.OperationCompleted(h.Snapshot())
	log.Info("operation completed",
		utils.Ratio(snap.WeightedAverageRatio),
		utils.Batch(snap.BatchCount),
	)
}

func (s *Scheduler) finishCancelled(h *Handle, log *utils.Logger) {
	h.locked(func(op *models.RatioOperation) {
		if err := TryTransition(op, models.StatusCancelled); err != nil {
			log.Error("cancel transition failed", utils.Err(err))
			return
		}
		op.AppendMessage("operation cancelled with %.2f nominales remaining", op.RemainingNominales)
	})

	RecordOperationFinished(models.StatusCancelled)
	s.publisher.OperationCancelled(h.Snapshot())
	log.Info("operation cancelled")
}

func (s *Scheduler) finishFailed(h *Handle, log *utils.Logger, reason string) {
	h.locked(func(op *models.RatioOperation) {
		if err := TryTransition(op, models.StatusFailed); err != nil {
			log.Error("failure transition failed", utils.Err(err))
			return
		}
		op.Error = reason
		op.AppendMessage("operation failed: %s", reason)
	})

	RecordOperationFinished(models.StatusFailed)
	s.publisher.OperationFailed(h.Snapshot(), reason)
	log.Warn("operation failed", utils.String("reason", reason))
}
