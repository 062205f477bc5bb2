package handlers

import (
	"errors"
	"net/http"

	"cotiza/internal/models"
	"cotiza/internal/ops"
	"cotiza/internal/service"

	"github.com/gorilla/mux"
)

// OperationHandler отвечает за управление ratio-операциями
//
// Endpoints:
// - POST /api/v1/operations              - запуск новой операции
// - GET /api/v1/operations               - список операций
// - GET /api/v1/operations/{id}          - снапшот конкретной операции
// - POST /api/v1/operations/{id}/cancel  - запрос отмены
type OperationHandler struct {
	operationService service.OperationServiceInterface
}

// NewOperationHandler создает новый OperationHandler с внедрением зависимостей
func NewOperationHandler(operationService service.OperationServiceInterface) *OperationHandler {
	return &OperationHandler{
		operationService: operationService,
	}
}

// CreateOperation запускает новую ratio-операцию
// POST /api/v1/operations
//
// Request Body:
//
//	{
//	  "pair": ["AL30", "AL30D"],
//	  "instrument_to_sell": "AL30",
//	  "nominales": 100.0,
//	  "target_ratio": 0.98,
//	  "condition": "<=",
//	  "client_id": "client-7",
//	  "max_attempts": 10
//	}
//
// Поле pair принимает и массив из двух тикеров, и строку "AL30-AL30D".
//
// Response:
// - 201 Created: операция принята, тело содержит снапшот со статусом PENDING
// - 400 Bad Request: невалидные параметры
func (h *OperationHandler) CreateOperation(w http.ResponseWriter, r *http.Request) {
	var req models.OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return
	}

	op, err := h.operationService.Create(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, op)
}

// GetOperations возвращает список операций
// GET /api/v1/operations
//
// Query Parameters:
// - client_id: фильтр по клиенту
//
// Response:
// - 200 OK: массив снапшотов в порядке создания
func (h *OperationHandler) GetOperations(w http.ResponseWriter, r *http.Request) {
	var list []*models.RatioOperation
	if clientID := r.URL.Query().Get("client_id"); clientID != "" {
		list = h.operationService.ListByClient(clientID)
	} else {
		list = h.operationService.List()
	}

	h.respondWithJSON(w, http.StatusOK, list)
}

// GetOperation возвращает снапшот операции по ID
// GET /api/v1/operations/{id}
//
// Response:
// - 200 OK: снапшот операции
// - 404 Not Found: операция не найдена
func (h *OperationHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	op, err := h.operationService.Get(vars["id"])
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, op)
}

// CancelOperation запрашивает отмену операции
// POST /api/v1/operations/{id}/cancel
//
// Отмена кооперативная: запрос выставляет флаг, планировщик завершает
// операцию между батчами. Уже исполненные батчи не откатываются.
//
// Response:
// - 202 Accepted: отмена запрошена, тело содержит текущий снапшот
// - 404 Not Found: операция не найдена
// - 409 Conflict: операция уже в терминальном статусе
func (h *OperationHandler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	op, err := h.operationService.Cancel(vars["id"])
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusAccepted, op)
}

// handleServiceError отображает ошибки сервиса на HTTP статусы
func (h *OperationHandler) handleServiceError(w http.ResponseWriter, err error) {
	var vErr *ops.ValidationError

	switch {
	case errors.As(err, &vErr):
		h.respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid operation request", vErr.Error())

	case errors.Is(err, ops.ErrInvalidRequest):
		h.respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid operation request", err.Error())

	case errors.Is(err, ops.ErrOperationNotFound):
		h.respondWithError(w, http.StatusNotFound, "operation_not_found", "Operation not found", "")

	case errors.Is(err, ops.ErrOperationTerminal):
		h.respondWithError(w, http.StatusConflict, "operation_terminal", "Operation already reached a terminal status", "")

	default:
		h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal server error", err.Error())
	}
}

// respondWithJSON отправляет JSON ответ
func (h *OperationHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondWithError отправляет JSON ответ с ошибкой
func (h *OperationHandler) respondWithError(w http.ResponseWriter, statusCode int, code, message, details string) {
	response := ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	}
	h.respondWithJSON(w, statusCode, response)
}
