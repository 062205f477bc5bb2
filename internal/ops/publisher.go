package ops

import (
	"sync"

	"cotiza/internal/models"
)

// ProgressPublisher - получатель событий жизненного цикла операции.
// Реализуется websocket-хабом; планировщик знает только этот контракт
type ProgressPublisher interface {
	OperationStarted(op *models.RatioOperation)
	OperationProgress(op *models.RatioOperation, message string)
	OperationCancelled(op *models.RatioOperation)
	OperationFailed(op *models.RatioOperation, reason string)
	OperationCompleted(op *models.RatioOperation)
}

// NopPublisher отбрасывает все события. Для тестов планировщика
type NopPublisher struct{}

func (NopPublisher) OperationStarted(*models.RatioOperation)          {}
func (NopPublisher) OperationProgress(*models.RatioOperation, string) {}
func (NopPublisher) OperationCancelled(*models.RatioOperation)        {}
func (NopPublisher) OperationFailed(*models.RatioOperation, string)   {}
func (NopPublisher) OperationCompleted(*models.RatioOperation)        {}

// ConflatingPublisher ограничивает поток прогресса: на каждую операцию
// в полёте не больше одной публикации, промежуточные снапшоты схлопываются
// до последнего. Терминальные события проходят синхронно и не схлопываются
type ConflatingPublisher struct {
	next ProgressPublisher

	mu       sync.Mutex
	idle     *sync.Cond
	inflight map[string]bool
	pending  map[string]progressEvent

	wg sync.WaitGroup
}

type progressEvent struct {
	op      *models.RatioOperation
	message string
}

// NewConflatingPublisher оборачивает публикатор схлопыванием прогресса
func NewConflatingPublisher(next ProgressPublisher) *ConflatingPublisher {
	p := &ConflatingPublisher{
		next:     next,
		inflight: make(map[string]bool),
		pending:  make(map[string]progressEvent),
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

func (p *ConflatingPublisher) OperationStarted(op *models.RatioOperation) {
	p.next.OperationStarted(op)
}

// OperationProgress публикует снапшот асинхронно. Если по операции уже
// идёт публикация, снапшот откладывается и затирает предыдущий отложенный
func (p *ConflatingPublisher) OperationProgress(op *models.RatioOperation, message string) {
	p.mu.Lock()
	if p.inflight[op.ID] {
		p.pending[op.ID] = progressEvent{op: op, message: message}
		p.mu.Unlock()
		return
	}
	p.inflight[op.ID] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.drain(op.ID, progressEvent{op: op, message: message})
}

func (p *ConflatingPublisher) drain(opID string, ev progressEvent) {
	defer p.wg.Done()
	for {
		p.next.OperationProgress(ev.op, ev.message)

		p.mu.Lock()
		next, ok := p.pending[opID]
		if !ok {
			delete(p.inflight, opID)
			p.idle.Broadcast()
			p.mu.Unlock()
			return
		}
		delete(p.pending, opID)
		p.mu.Unlock()
		ev = next
	}
}

// flush дожидается доставки отложенного прогресса по операции,
// чтобы терминальное событие не обогнало последний снапшот
func (p *ConflatingPublisher) flush(opID string) {
	p.mu.Lock()
	for p.inflight[opID] {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

func (p *ConflatingPublisher) OperationCancelled(op *models.RatioOperation) {
	p.flush(op.ID)
	p.next.OperationCancelled(op)
}

func (p *ConflatingPublisher) OperationFailed(op *models.RatioOperation, reason string) {
	p.flush(op.ID)
	p.next.OperationFailed(op, reason)
}

func (p *ConflatingPublisher) OperationCompleted(op *models.RatioOperation) {
	p.flush(op.ID)
	p.next.OperationCompleted(op)
}

// Wait дожидается завершения всех асинхронных публикаций.
// Используется при останове сервиса
func (p *ConflatingPublisher) Wait() {
	p.wg.Wait()
}
