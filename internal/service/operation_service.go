package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"cotiza/internal/models"
	"cotiza/internal/ops"
	"cotiza/pkg/retry"
	"cotiza/pkg/utils"
)

// archiveTimeout ограничивает запись терминальной операции в архив
const archiveTimeout = 5 * time.Second

// OperationArchive сохраняет терминальные операции во внешнее хранилище
// и отдаёт их для status-запросов после рестарта сервиса.
// Реализуется repository.OperationRepository; nil допустим (без архива)
type OperationArchive interface {
	SaveOperation(ctx context.Context, op *models.RatioOperation) error
	GetOperation(ctx context.Context, id string) (*models.RatioOperation, error)
}

// OperationService - бизнес-логика ратио-операций: валидация запросов,
// реестр операций и управление их жизненным циклом.
//
// Реестр append-only: терминальные операции остаются доступными
// для status-запросов на всё время жизни процесса
type OperationService struct {
	scheduler *ops.Scheduler
	archive   OperationArchive
	logger    *utils.Logger

	// baseCtx живёт от старта до graceful shutdown процесса: горутина
	// исполнения не должна обрываться вместе с HTTP-запросом, который её создал
	baseCtx context.Context

	mu       sync.RWMutex
	registry map[string]*ops.Handle
	order    []string // порядок создания для списков
}

// NewOperationService создаёт сервис операций. baseCtx задаёт время жизни
// запускаемых операций; его отмена переводит активные операции в FAILED
func NewOperationService(baseCtx context.Context, scheduler *ops.Scheduler, archive OperationArchive, logger *utils.Logger) *OperationService {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &OperationService{
		scheduler: scheduler,
		archive:   archive,
		logger:    logger.WithComponent("operation_service"),
		baseCtx:   baseCtx,
		registry:  make(map[string]*ops.Handle),
	}
}

// Create валидирует запрос, регистрирует операцию и запускает исполнение.
// Ошибки валидации синхронны и оборачивают ops.ErrInvalidRequest
func (s *OperationService) Create(ctx context.Context, req models.OperationRequest) (*models.RatioOperation, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	op := models.NewRatioOperation(
		newOperationID(),
		[2]string(req.Pair),
		req.InstrumentToSell,
		req.Nominales,
		req.TargetRatio,
		req.Condition,
		req.ClientID,
		req.MaxAttempts,
	)
	h := ops.NewHandle(op)

	s.mu.Lock()
	s.registry[op.ID] = h
	s.order = append(s.order, op.ID)
	s.mu.Unlock()

	s.scheduler.Start(s.baseCtx, h)
	go s.archiveWhenDone(h)

	s.logger.Info("operation created",
		utils.OperationID(op.ID),
		utils.ClientID(op.ClientID),
		utils.Pair(op.InstrumentToSell+"-"+op.InstrumentToBuy),
		utils.Quantity(op.NominalesTotal),
	)

	return h.Snapshot(), nil
}

// Cancel взводит флаг отмены. Фактическая отмена происходит на ближайшей
// итерации планировщика; возвращается снапшот на момент запроса
func (s *OperationService) Cancel(id string) (*models.RatioOperation, error) {
	h, ok := s.lookup(id)
	if !ok {
		return nil, ops.ErrOperationNotFound
	}

	if !h.RequestCancel() {
		return h.Snapshot(), ops.ErrOperationTerminal
	}

	s.logger.Info("cancel requested", utils.OperationID(id))
	return h.Snapshot(), nil
}

// Get возвращает снапшот операции по ID.
// Реестр первичен; промах по реестру (операция из прошлого запуска
// процесса) добирается из архива
func (s *OperationService) Get(id string) (*models.RatioOperation, error) {
	h, ok := s.lookup(id)
	if ok {
		return h.Snapshot(), nil
	}

	if s.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()

		op, err := s.archive.GetOperation(ctx, id)
		if err == nil {
			return op, nil
		}
		s.logger.Debug("archive lookup failed", utils.OperationID(id), utils.Err(err))
	}

	return nil, ops.ErrOperationNotFound
}

// List возвращает снапшоты всех операций в порядке создания
func (s *OperationService) List() []*models.RatioOperation {
	s.mu.RLock()
	ids := append([]string(nil), s.order...)
	handles := make([]*ops.Handle, 0, len(ids))
	for _, id := range ids {
		handles = append(handles, s.registry[id])
	}
	s.mu.RUnlock()

	out := make([]*models.RatioOperation, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	return out
}

// ListByClient возвращает операции одного клиента
func (s *OperationService) ListByClient(clientID string) []*models.RatioOperation {
	all := s.List()
	out := all[:0]
	for _, op := range all {
		if op.ClientID == clientID {
			out = append(out, op)
		}
	}
	return out
}

func (s *OperationService) lookup(id string) (*ops.Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.registry[id]
	return h, ok
}

// archiveWhenDone дожидается терминального статуса и сохраняет операцию
// в архив. Ошибка архивации не влияет на результат операции
func (s *OperationService) archiveWhenDone(h *ops.Handle) {
	<-h.Done()

	if s.archive == nil {
		return
	}

	snap := h.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	archiveRetry := retry.ArchiveConfig()
	archiveRetry.RetryIf = retry.RetryIfNotContext

	err := retry.Do(ctx, func() error {
		return s.archive.SaveOperation(ctx, snap)
	}, archiveRetry)
	if err != nil {
		s.logger.Error("operation archive failed",
			utils.OperationID(snap.ID),
			utils.Err(err),
		)
	}
}

// validateRequest проверяет запрос перед созданием операции
func validateRequest(req models.OperationRequest) error {
	if req.Pair[0] == "" || req.Pair[1] == "" {
		return &ops.ValidationError{Field: "pair", Reason: "both instruments are required"}
	}
	if req.Pair[0] == req.Pair[1] {
		return &ops.ValidationError{Field: "pair", Reason: "instruments must differ"}
	}
	if req.InstrumentToSell == "" {
		return &ops.ValidationError{Field: "instrument_to_sell", Reason: "required"}
	}
	if !req.Pair.Contains(req.InstrumentToSell) {
		return &ops.ValidationError{Field: "instrument_to_sell", Reason: fmt.Sprintf("%q is not part of the pair", req.InstrumentToSell)}
	}
	if req.Nominales <= 0 {
		return &ops.ValidationError{Field: "nominales", Reason: "must be greater than 0"}
	}
	if req.TargetRatio <= 0 {
		return &ops.ValidationError{Field: "target_ratio", Reason: "must be greater than 0"}
	}
	if !req.Condition.Valid() {
		return &ops.ValidationError{Field: "condition", Reason: fmt.Sprintf("unsupported operator %q", req.Condition)}
	}
	if req.ClientID == "" {
		return &ops.ValidationError{Field: "client_id", Reason: "required"}
	}
	if req.MaxAttempts < 0 {
		return &ops.ValidationError{Field: "max_attempts", Reason: "must be non-negative"}
	}
	return nil
}

// newOperationID генерирует идентификатор вида "op-<16 hex>"
func newOperationID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return "op-" + hex.EncodeToString(b[:])
}
