//go:build integration

// Package integration contains integration tests for the ratio operation engine.
//
// These tests verify the correct interaction between components:
// - API integration tests: full HTTP request cycle
// - WebSocket tests: commands and live progress streaming
// - Database tests: operation archive round-trips (require Postgres)
//
// Integration tests use build tag "integration" to separate from unit tests.
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cotiza/internal/api"
	"cotiza/internal/models"
	"cotiza/internal/ops"
	"cotiza/internal/quotes"
	"cotiza/internal/service"
	"cotiza/internal/websocket"
	"cotiza/pkg/retry"
	"cotiza/pkg/utils"
)

// fillExecutor исполняет каждый ордер мгновенно и полностью
// по заданной цене инструмента
type fillExecutor struct {
	mu         sync.Mutex
	fillPrices map[string]float64
	orders     int
	seq        int
}

func (e *fillExecutor) NextClientOrderID(operationID, side string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return fmt.Sprintf("%s-%s-%d", operationID, side, e.seq)
}

func (e *fillExecutor) Execute(ctx context.Context, clientOrderID, symbol, side string, quantity float64) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	price, ok := e.fillPrices[symbol]
	if !ok {
		return nil, fmt.Errorf("no fill price for %s", symbol)
	}

	e.orders++
	now := time.Now()
	return &models.Order{
		ClientOrderID:  clientOrderID,
		Side:           side,
		Symbol:         symbol,
		Quantity:       quantity,
		Status:         models.OrderStatusFilled,
		FilledQuantity: quantity,
		AvgFillPrice:   price,
		CreatedAt:      now,
		FilledAt:       &now,
	}, nil
}

func (e *fillExecutor) orderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orders
}

// testStack - собранное в памяти приложение: рынок, планировщик,
// сервис, hub и HTTP сервер с полным роутером
type testStack struct {
	server   *httptest.Server
	cache    *quotes.Cache
	executor *fillExecutor
	hub      *websocket.Hub
	svc      *service.OperationService
	cancel   context.CancelFunc
}

// newTestStack поднимает стек как main, но со стабовым исполнителем
// ордеров и быстрым циклом планировщика
func newTestStack(t *testing.T) *testStack {
	t.Helper()

	logger := utils.InitLogger(utils.LogConfig{Level: "error"})

	cache := quotes.NewCache()
	// bid(AL30)/offer(AL30D) = 68000/70000 ~= 0.9714
	cache.Set(models.Quote{Symbol: "AL30", Bid: 68000, Offer: 68500, Timestamp: time.Now()})
	cache.Set(models.Quote{Symbol: "AL30D", Bid: 69500, Offer: 70000, Timestamp: time.Now()})

	executor := &fillExecutor{fillPrices: map[string]float64{
		"AL30":  68000,
		"AL30D": 70000,
	}}

	hub := websocket.NewHub(logger)
	go hub.Run()

	publisher := ops.NewConflatingPublisher(websocket.NewHubPublisher(hub))

	orderRetry := retry.DefaultConfig()
	orderRetry.InitialDelay = time.Millisecond
	orderRetry.JitterFactor = 0

	scheduler := ops.NewScheduler(cache, executor, publisher, ops.SchedulerConfig{
		PollInterval: 5 * time.Millisecond,
		MaxBatchSize: 50,
		OrderRetry:   orderRetry,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	svc := service.NewOperationService(ctx, scheduler, nil, logger)

	router := api.SetupRoutes(&api.Dependencies{
		OperationService: svc,
		Hub:              hub,
		CommandRouter:    websocket.NewCommandRouter(svc, logger),
	})

	server := httptest.NewServer(router)

	stack := &testStack{
		server:   server,
		cache:    cache,
		executor: executor,
		hub:      hub,
		svc:      svc,
		cancel:   cancel,
	}

	t.Cleanup(func() {
		server.Close()
		cancel()
		scheduler.Wait()
		publisher.Wait()
		hub.Stop()
	})

	return stack
}

// waitOperationStatus опрашивает сервис до достижения ожидаемого статуса
func waitOperationStatus(t *testing.T, stack *testStack, id, want string, timeout time.Duration) *models.RatioOperation {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		op, err := stack.svc.Get(id)
		if err == nil && op.Status == want {
			return op
		}
		time.Sleep(5 * time.Millisecond)
	}

	op, err := stack.svc.Get(id)
	if err != nil {
		t.Fatalf("operation %s not found while waiting for %s: %v", id, want, err)
	}
	t.Fatalf("operation %s status = %s, want %s within %v", id, op.Status, want, timeout)
	return nil
}
