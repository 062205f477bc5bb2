package service

import (
	"context"

	"cotiza/internal/models"
)

// OperationServiceInterface - контракт сервиса операций для HTTP/WS слоёв.
// Позволяет подменять сервис моками в тестах handlers
type OperationServiceInterface interface {
	Create(ctx context.Context, req models.OperationRequest) (*models.RatioOperation, error)
	Cancel(id string) (*models.RatioOperation, error)
	Get(id string) (*models.RatioOperation, error)
	List() []*models.RatioOperation
	ListByClient(clientID string) []*models.RatioOperation
}
