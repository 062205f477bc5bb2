package websocket

import (
	"context"
	"errors"
	"fmt"

	"cotiza/internal/models"
	"cotiza/internal/ops"
	"cotiza/pkg/utils"
)

// Действия входящих команд
const (
	ActionStartOperation  = "start_ratio_operation"
	ActionCancelOperation = "cancel_operation"
	ActionGetStatus       = "get_operation_status"
)

// Коды ошибок во фреймах error
const (
	errCodeBadMessage     = "bad_message"
	errCodeUnknownAction  = "unknown_action"
	errCodeInvalidRequest = "invalid_request"
	errCodeNotFound       = "operation_not_found"
	errCodeTerminal       = "operation_terminal"
	errCodeInternal       = "internal_error"
)

// Command - входящая команда клиента.
// Тело запроса start_ratio_operation лежит плоско рядом с action,
// cancel/status используют только operation_id
type Command struct {
	Action      string `json:"action"`
	OperationID string `json:"operation_id,omitempty"`

	models.OperationRequest
}

// OperationAPI - операции сервиса, доступные по WebSocket командам.
// Реализуется service.OperationService
type OperationAPI interface {
	Create(ctx context.Context, req models.OperationRequest) (*models.RatioOperation, error)
	Cancel(id string) (*models.RatioOperation, error)
	Get(id string) (*models.RatioOperation, error)
}

// commandHandler обрабатывает одну разобранную команду и возвращает
// фрейм-ответ для отправившего клиента
type commandHandler func(ctx context.Context, cmd *Command) interface{}

// CommandRouter диспетчеризует входящие WebSocket команды
//
// Маршрутизация идёт через явную таблицу action -> обработчик.
// Ответ возвращается только клиенту, отправившему команду; broadcast
// события жизненного цикла (started/progress/cancelled) при этом идут
// всем клиентам через Hub независимо от этого пути
type CommandRouter struct {
	api    OperationAPI
	logger *utils.Logger
	table  map[string]commandHandler
}

// NewCommandRouter создает диспетчер команд поверх сервиса операций
func NewCommandRouter(api OperationAPI, logger *utils.Logger) *CommandRouter {
	if logger == nil {
		logger = utils.L()
	}
	r := &CommandRouter{
		api:    api,
		logger: logger.WithComponent("ws_commands"),
	}
	r.table = map[string]commandHandler{
		ActionStartOperation:  r.handleStart,
		ActionCancelOperation: r.handleCancel,
		ActionGetStatus:       r.handleStatus,
	}
	return r
}

// Dispatch разбирает сырое сообщение и вызывает обработчик по action.
// Всегда возвращает фрейм-ответ (результат или error)
func (r *CommandRouter) Dispatch(ctx context.Context, raw []byte) interface{} {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		r.logger.Warn("unparseable command", utils.Err(err))
		return NewErrorMessage("", errCodeBadMessage, fmt.Sprintf("cannot parse command: %v", err))
	}

	handler, ok := r.table[cmd.Action]
	if !ok {
		return NewErrorMessage("", errCodeUnknownAction, fmt.Sprintf("unknown action %q", cmd.Action))
	}
	return handler(ctx, &cmd)
}

func (r *CommandRouter) handleStart(ctx context.Context, cmd *Command) interface{} {
	op, err := r.api.Create(ctx, cmd.OperationRequest)
	if err != nil {
		return r.errorFrame("", err)
	}
	return NewOperationStartedMessage(op.ID)
}

func (r *CommandRouter) handleCancel(ctx context.Context, cmd *Command) interface{} {
	op, err := r.api.Cancel(cmd.OperationID)
	if err != nil {
		return r.errorFrame(cmd.OperationID, err)
	}
	return NewOperationCancelledMessage(op.ID, "cancellation requested")
}

func (r *CommandRouter) handleStatus(ctx context.Context, cmd *Command) interface{} {
	op, err := r.api.Get(cmd.OperationID)
	if err != nil {
		return r.errorFrame(cmd.OperationID, err)
	}
	step := ""
	if n := len(op.Messages); n > 0 {
		step = op.Messages[n-1]
	}
	return NewOperationProgressMessage(op, step)
}

// errorFrame отображает ошибку сервиса на фрейм error
func (r *CommandRouter) errorFrame(operationID string, err error) *ErrorMessage {
	switch {
	case errors.Is(err, ops.ErrInvalidRequest):
		return NewErrorMessage(operationID, errCodeInvalidRequest, err.Error())
	case errors.Is(err, ops.ErrOperationNotFound):
		return NewErrorMessage(operationID, errCodeNotFound, err.Error())
	case errors.Is(err, ops.ErrOperationTerminal):
		return NewErrorMessage(operationID, errCodeTerminal, err.Error())
	}
	r.logger.Error("command failed", utils.OperationID(operationID), utils.Err(err))
	return NewErrorMessage(operationID, errCodeInternal, err.Error())
}
