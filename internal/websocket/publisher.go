package websocket

import (
	"cotiza/internal/models"
)

// HubPublisher транслирует события жизненного цикла операций в Hub.
// Реализует ops.ProgressPublisher; планировщик оборачивает его в
// ops.ConflatingPublisher, чтобы не заваливать клиентов прогрессом
type HubPublisher struct {
	hub *Hub
}

// NewHubPublisher создает публикатор поверх hub
func NewHubPublisher(hub *Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (p *HubPublisher) OperationStarted(op *models.RatioOperation) {
	p.hub.Broadcast(NewOperationStartedMessage(op.ID))
}

func (p *HubPublisher) OperationProgress(op *models.RatioOperation, message string) {
	p.hub.Broadcast(NewOperationProgressMessage(op, message))
}

func (p *HubPublisher) OperationCancelled(op *models.RatioOperation) {
	p.hub.Broadcast(NewOperationCancelledMessage(op.ID, lastMessage(op, "operation cancelled by client request")))
}

func (p *HubPublisher) OperationFailed(op *models.RatioOperation, reason string) {
	p.hub.Broadcast(NewOperationProgressMessage(op, reason))
}

func (p *HubPublisher) OperationCompleted(op *models.RatioOperation) {
	p.hub.Broadcast(NewOperationProgressMessage(op, lastMessage(op, "operation completed")))
}

func lastMessage(op *models.RatioOperation, fallback string) string {
	if n := len(op.Messages); n > 0 {
		return op.Messages[n-1]
	}
	return fallback
}
