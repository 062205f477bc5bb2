package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cotiza/internal/models"
	"cotiza/internal/ops"
	"cotiza/pkg/retry"
	"cotiza/pkg/utils"
)

// ============================================================
// Моки зависимостей планировщика
// ============================================================

type stubQuotes struct {
	mu     sync.Mutex
	quotes map[string]models.Quote
}

func newStubQuotes() *stubQuotes {
	return &stubQuotes{quotes: make(map[string]models.Quote)}
}

func (s *stubQuotes) set(symbol string, bid, offer float64) {
	s.mu.Lock()
	s.quotes[symbol] = models.Quote{Symbol: symbol, Bid: bid, Offer: offer, Timestamp: time.Now()}
	s.mu.Unlock()
}

func (s *stubQuotes) GetTradable(symbol string) (models.Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	if !ok || q.Bid <= 0 || q.Offer <= 0 {
		return models.Quote{}, false
	}
	return q, true
}

type stubExecutor struct {
	mu         sync.Mutex
	fillPrices map[string]float64
	seq        int
}

func (s *stubExecutor) NextClientOrderID(operationID, side string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("%s-%s-%d", operationID, side, s.seq)
}

func (s *stubExecutor) Execute(ctx context.Context, clientOrderID, symbol, side string, quantity float64) (*models.Order, error) {
	s.mu.Lock()
	price, ok := s.fillPrices[symbol]
	s.mu.Unlock()
	if !ok {
		return nil, &ops.RejectError{ClientOrderID: clientOrderID, Reason: "unknown symbol"}
	}

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

type stubArchive struct {
	mu    sync.Mutex
	saved []*models.RatioOperation
	err   error
}

func (s *stubArchive) SaveOperation(ctx context.Context, op *models.RatioOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, op)
	return nil
}

func (s *stubArchive) GetOperation(ctx context.Context, id string) (*models.RatioOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.saved {
		if op.ID == id {
			return op, nil
		}
	}
	return nil, errors.New("operation not found in archive")
}

func (s *stubArchive) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func newTestService(q *stubQuotes, exec *stubExecutor, archive *stubArchive) *OperationService {
	logger := utils.InitLogger(utils.LogConfig{Level: "error"})

	orderRetry := retry.DefaultConfig()
	orderRetry.MaxRetries = 2
	orderRetry.InitialDelay = time.Millisecond
	orderRetry.JitterFactor = 0

	sched := ops.NewScheduler(q, exec, ops.NopPublisher{}, ops.SchedulerConfig{
		PollInterval: 5 * time.Millisecond,
		MaxBatchSize: 25,
		OrderRetry:   orderRetry,
	}, logger)

	var arch OperationArchive
	if archive != nil {
		arch = archive
	}
	return NewOperationService(context.Background(), sched, arch, logger)
}

func validRequest() models.OperationRequest {
	return models.OperationRequest{
		Pair:             models.PairSpec{"AL30", "AL30D"},
		InstrumentToSell: "AL30",
		Nominales:        50,
		TargetRatio:      1.0,
		Condition:        models.ConditionLTE,
		ClientID:         "client-7",
	}
}

func marketUp() (*stubQuotes, *stubExecutor) {
	q := newStubQuotes()
	q.set("AL30", 68000, 68500)
	q.set("AL30D", 69500, 70000)

	exec := &stubExecutor{fillPrices: map[string]float64{
		"AL30":  68000,
		"AL30D": 70000,
	}}
	return q, exec
}

func waitTerminal(t *testing.T, svc *OperationService, id string, timeout time.Duration) *models.RatioOperation {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		op, err := svc.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if op.IsTerminal() {
			return op
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("operation did not reach terminal status")
	return nil
}

// ============================================================
// Тесты валидации
// ============================================================

func TestCreate_Validation(t *testing.T) {
	q, exec := marketUp()
	svc := newTestService(q, exec, nil)

	tests := []struct {
		name   string
		mutate func(*models.OperationRequest)
	}{
		{name: "empty pair side", mutate: func(r *models.OperationRequest) { r.Pair[1] = "" }},
		{name: "identical instruments", mutate: func(r *models.OperationRequest) { r.Pair[1] = "AL30" }},
		{name: "missing instrument_to_sell", mutate: func(r *models.OperationRequest) { r.InstrumentToSell = "" }},
		{name: "sell not in pair", mutate: func(r *models.OperationRequest) { r.InstrumentToSell = "GD30" }},
		{name: "zero nominales", mutate: func(r *models.OperationRequest) { r.Nominales = 0 }},
		{name: "negative nominales", mutate: func(r *models.OperationRequest) { r.Nominales = -5 }},
		{name: "zero target ratio", mutate: func(r *models.OperationRequest) { r.TargetRatio = 0 }},
		{name: "invalid condition", mutate: func(r *models.OperationRequest) { r.Condition = "!=" }},
		{name: "empty condition", mutate: func(r *models.OperationRequest) { r.Condition = "" }},
		{name: "missing client_id", mutate: func(r *models.OperationRequest) { r.ClientID = "" }},
		{name: "negative max_attempts", mutate: func(r *models.OperationRequest) { r.MaxAttempts = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			_, err := svc.Create(context.Background(), req)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ops.ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}

			var vErr *ops.ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("expected *ValidationError, got %T", err)
			}
		})
	}

	// Невалидные запросы не попадают в реестр
	if n := len(svc.List()); n != 0 {
		t.Errorf("registry must stay empty after rejected requests, got %d", n)
	}
}

// ============================================================
// Тесты жизненного цикла
// ============================================================

func TestCreate_RunsToCompletion(t *testing.T) {
	q, exec := marketUp()
	archive := &stubArchive{}
	svc := newTestService(q, exec, archive)

	created, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("operation must get an id")
	}
	if created.Status != models.StatusPending && created.Status != models.StatusRunning {
		t.Errorf("fresh operation status = %s", created.Status)
	}

	final := waitTerminal(t, svc, created.ID, 5*time.Second)
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED; error: %s", final.Status, final.Error)
	}
	if final.CompletedNominales != 50 {
		t.Errorf("completed = %f, want 50", final.CompletedNominales)
	}

	// Терминальная операция остаётся в реестре
	again, err := svc.Get(created.ID)
	if err != nil {
		t.Fatalf("Get after completion failed: %v", err)
	}
	if again.Status != models.StatusCompleted {
		t.Errorf("terminal operation must stay queryable")
	}

	// И попадает в архив
	deadline := time.Now().Add(2 * time.Second)
	for archive.savedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if archive.savedCount() != 1 {
		t.Errorf("archive saves = %d, want 1", archive.savedCount())
	}
}

func TestCancel_ActiveOperation(t *testing.T) {
	// Рынка нет: операция крутится и её можно отменить
	q := newStubQuotes()
	svc := newTestService(q, &stubExecutor{fillPrices: map[string]float64{}}, nil)

	created, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := svc.Cancel(created.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	final := waitTerminal(t, svc, created.ID, 5*time.Second)
	if final.Status != models.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", final.Status)
	}

	// Повторная отмена терминальной операции
	if _, err := svc.Cancel(created.ID); !errors.Is(err, ops.ErrOperationTerminal) {
		t.Errorf("expected ErrOperationTerminal, got %v", err)
	}
}

func TestCancel_UnknownOperation(t *testing.T) {
	q, exec := marketUp()
	svc := newTestService(q, exec, nil)

	if _, err := svc.Cancel("op-missing"); !errors.Is(err, ops.ErrOperationNotFound) {
		t.Errorf("expected ErrOperationNotFound, got %v", err)
	}
}

func TestGet_UnknownOperation(t *testing.T) {
	q, exec := marketUp()
	svc := newTestService(q, exec, nil)

	if _, err := svc.Get("op-missing"); !errors.Is(err, ops.ErrOperationNotFound) {
		t.Errorf("expected ErrOperationNotFound, got %v", err)
	}
}

func TestList_ReturnsAllInCreationOrder(t *testing.T) {
	q, exec := marketUp()
	svc := newTestService(q, exec, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		req := validRequest()
		op, err := svc.Create(context.Background(), req)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		ids = append(ids, op.ID)
	}

	list := svc.List()
	if len(list) != 3 {
		t.Fatalf("list size = %d, want 3", len(list))
	}
	for i, op := range list {
		if op.ID != ids[i] {
			t.Errorf("list[%d] = %s, want %s (creation order)", i, op.ID, ids[i])
		}
	}
}

func TestListByClient(t *testing.T) {
	q, exec := marketUp()
	svc := newTestService(q, exec, nil)

	reqA := validRequest()
	reqA.ClientID = "client-a"
	reqB := validRequest()
	reqB.ClientID = "client-b"

	if _, err := svc.Create(context.Background(), reqA); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Create(context.Background(), reqB); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Create(context.Background(), reqA); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	forA := svc.ListByClient("client-a")
	if len(forA) != 2 {
		t.Errorf("client-a operations = %d, want 2", len(forA))
	}
	for _, op := range forA {
		if op.ClientID != "client-a" {
			t.Errorf("foreign operation in client filter: %s", op.ClientID)
		}
	}
}

func TestArchiveFailureDoesNotAffectOperation(t *testing.T) {
	q, exec := marketUp()
	archive := &stubArchive{err: errors.New("db down")}
	svc := newTestService(q, exec, archive)

	created, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	final := waitTerminal(t, svc, created.ID, 5*time.Second)
	if final.Status != models.StatusCompleted {
		t.Errorf("archive failure must not affect the operation, status = %s", final.Status)
	}
}

func TestOperationIDsUnique(t *testing.T) {
	q, exec := marketUp()
	svc := newTestService(q, exec, nil)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		op, err := svc.Create(context.Background(), validRequest())
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if seen[op.ID] {
			t.Fatalf("duplicate operation id: %s", op.ID)
		}
		seen[op.ID] = true
	}
}

func TestOperationService_GetFallsBackToArchive(t *testing.T) {
	archive := &stubArchive{}
	svc := newTestService(newStubQuotes(), &stubExecutor{fillPrices: map[string]float64{}}, archive)

	// Операция из предыдущего запуска процесса: есть в архиве, нет в реестре
	old := models.NewRatioOperation("op-aaaa000011112222", [2]string{"AL30", "AL30D"}, "AL30",
		100, 0.98, models.ConditionLTE, "client-7", 0)
	old.Status = models.StatusCompleted
	archive.saved = append(archive.saved, old)

	got, err := svc.Get("op-aaaa000011112222")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", got.Status)
	}

	if _, err := svc.Get("op-missing"); !errors.Is(err, ops.ErrOperationNotFound) {
		t.Errorf("err = %v, want ErrOperationNotFound", err)
	}
}
