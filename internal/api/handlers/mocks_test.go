package handlers

import (
	"context"
	"fmt"
	"sync"

	"cotiza/internal/models"
	"cotiza/internal/ops"
)

// ============ Mock Operation Service ============

// MockOperationService мок для OperationServiceInterface
type MockOperationService struct {
	operations map[string]*models.RatioOperation
	order      []string
	createErr  error
	nextID     int
	mu         sync.RWMutex
}

// NewMockOperationService создает новый мок сервиса операций
func NewMockOperationService() *MockOperationService {
	return &MockOperationService{
		operations: make(map[string]*models.RatioOperation),
		nextID:     1,
	}
}

func (m *MockOperationService) Create(_ context.Context, req models.OperationRequest) (*models.RatioOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return nil, m.createErr
	}
	if !req.Condition.Valid() {
		return nil, &ops.ValidationError{Field: "condition", Reason: "unsupported comparison operator"}
	}

	id := fmt.Sprintf("op-%04d", m.nextID)
	m.nextID++

	op := models.NewRatioOperation(id, [2]string(req.Pair), req.InstrumentToSell,
		req.Nominales, req.TargetRatio, req.Condition, req.ClientID, req.MaxAttempts)
	m.operations[id] = op
	m.order = append(m.order, id)
	return op.Snapshot(), nil
}

func (m *MockOperationService) Cancel(id string) (*models.RatioOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[id]
	if !ok {
		return nil, ops.ErrOperationNotFound
	}
	if op.IsTerminal() {
		return op.Snapshot(), ops.ErrOperationTerminal
	}
	op.Status = models.StatusCancelled
	return op.Snapshot(), nil
}

func (m *MockOperationService) Get(id string) (*models.RatioOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.operations[id]
	if !ok {
		return nil, ops.ErrOperationNotFound
	}
	return op.Snapshot(), nil
}

func (m *MockOperationService) List() []*models.RatioOperation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*models.RatioOperation, 0, len(m.order))
	for _, id := range m.order {
		list = append(list, m.operations[id].Snapshot())
	}
	return list
}

func (m *MockOperationService) ListByClient(clientID string) []*models.RatioOperation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*models.RatioOperation, 0)
	for _, id := range m.order {
		if op := m.operations[id]; op.ClientID == clientID {
			list = append(list, op.Snapshot())
		}
	}
	return list
}
