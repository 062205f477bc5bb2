package websocket

import (
	"context"
	"testing"

	"cotiza/internal/models"
	"cotiza/internal/ops"
)

// fakeAPI - управляемая замена сервиса операций
type fakeAPI struct {
	created   []models.OperationRequest
	cancelled []string
	fetched   []string

	op  *models.RatioOperation
	err error
}

func (f *fakeAPI) Create(_ context.Context, req models.OperationRequest) (*models.RatioOperation, error) {
	f.created = append(f.created, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.op, nil
}

func (f *fakeAPI) Cancel(id string) (*models.RatioOperation, error) {
	f.cancelled = append(f.cancelled, id)
	if f.err != nil {
		return nil, f.err
	}
	return f.op, nil
}

func (f *fakeAPI) Get(id string) (*models.RatioOperation, error) {
	f.fetched = append(f.fetched, id)
	if f.err != nil {
		return nil, f.err
	}
	return f.op, nil
}

func newTestRouter(api *fakeAPI) *CommandRouter {
	return NewCommandRouter(api, testLogger())
}

func TestCommandRouter_StartOperation(t *testing.T) {
	api := &fakeAPI{op: testOperation()}
	router := newTestRouter(api)

	raw := []byte(`{
		"action": "start_ratio_operation",
		"pair": ["AL30", "AL30D"],
		"instrument_to_sell": "AL30",
		"nominales": 100,
		"target_ratio": 0.98,
		"condition": "<=",
		"client_id": "client-7"
	}`)

	reply := router.Dispatch(context.Background(), raw)

	started, ok := reply.(*OperationStartedMessage)
	if !ok {
		t.Fatalf("reply = %T, want *OperationStartedMessage", reply)
	}
	if started.OperationID != "op-test" {
		t.Errorf("operation_id = %q, want op-test", started.OperationID)
	}

	if len(api.created) != 1 {
		t.Fatalf("Create called %d times, want 1", len(api.created))
	}
	req := api.created[0]
	if req.Pair != (models.PairSpec{"AL30", "AL30D"}) {
		t.Errorf("pair = %v", req.Pair)
	}
	if req.InstrumentToSell != "AL30" || req.Nominales != 100 || req.TargetRatio != 0.98 {
		t.Errorf("unexpected request: %+v", req)
	}
	if req.Condition != models.ConditionLTE || req.ClientID != "client-7" {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestCommandRouter_StartOperation_HyphenPair(t *testing.T) {
	api := &fakeAPI{op: testOperation()}
	router := newTestRouter(api)

	raw := []byte(`{
		"action": "start_ratio_operation",
		"pair": "AL30-AL30D",
		"instrument_to_sell": "AL30",
		"nominales": 50,
		"target_ratio": 1.0,
		"condition": "<=",
		"client_id": "client-7"
	}`)

	reply := router.Dispatch(context.Background(), raw)

	if _, ok := reply.(*OperationStartedMessage); !ok {
		t.Fatalf("reply = %T, want *OperationStartedMessage", reply)
	}
	if len(api.created) != 1 {
		t.Fatalf("Create called %d times, want 1", len(api.created))
	}
	if api.created[0].Pair != (models.PairSpec{"AL30", "AL30D"}) {
		t.Errorf("pair = %v, want [AL30 AL30D]", api.created[0].Pair)
	}
}

func TestCommandRouter_CancelOperation(t *testing.T) {
	op := testOperation()
	api := &fakeAPI{op: op}
	router := newTestRouter(api)

	raw := []byte(`{"action": "cancel_operation", "operation_id": "op-test"}`)
	reply := router.Dispatch(context.Background(), raw)

	cancelled, ok := reply.(*OperationCancelledMessage)
	if !ok {
		t.Fatalf("reply = %T, want *OperationCancelledMessage", reply)
	}
	if cancelled.OperationID != "op-test" {
		t.Errorf("operation_id = %q", cancelled.OperationID)
	}
	if len(api.cancelled) != 1 || api.cancelled[0] != "op-test" {
		t.Errorf("Cancel calls = %v, want [op-test]", api.cancelled)
	}
}

func TestCommandRouter_GetStatus(t *testing.T) {
	op := testOperation()
	op.AppendMessage("attempt 1/3: ratio 0.971400 does not satisfy <= 0.900000")
	api := &fakeAPI{op: op}
	router := newTestRouter(api)

	raw := []byte(`{"action": "get_operation_status", "operation_id": "op-test"}`)
	reply := router.Dispatch(context.Background(), raw)

	progress, ok := reply.(*OperationProgressMessage)
	if !ok {
		t.Fatalf("reply = %T, want *OperationProgressMessage", reply)
	}
	if progress.OperationID != "op-test" {
		t.Errorf("operation_id = %q", progress.OperationID)
	}
	if progress.Status != "running" {
		t.Errorf("status = %q, want running", progress.Status)
	}
	if progress.CurrentStep != op.Messages[len(op.Messages)-1] {
		t.Errorf("current_step = %q, want last diagnostic message", progress.CurrentStep)
	}
	if len(api.fetched) != 1 || api.fetched[0] != "op-test" {
		t.Errorf("Get calls = %v, want [op-test]", api.fetched)
	}
}

func TestCommandRouter_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		apiErr   error
		wantCode string
	}{
		{
			name:     "unknown action",
			raw:      `{"action": "drop_tables"}`,
			wantCode: "unknown_action",
		},
		{
			name:     "unparseable json",
			raw:      `{action: nope`,
			wantCode: "bad_message",
		},
		{
			name:     "invalid request",
			raw:      `{"action": "start_ratio_operation"}`,
			apiErr:   &ops.ValidationError{Field: "pair", Reason: "both instruments are required"},
			wantCode: "invalid_request",
		},
		{
			name:     "operation not found",
			raw:      `{"action": "get_operation_status", "operation_id": "op-missing"}`,
			apiErr:   ops.ErrOperationNotFound,
			wantCode: "operation_not_found",
		},
		{
			name:     "cancel of terminal operation",
			raw:      `{"action": "cancel_operation", "operation_id": "op-test"}`,
			apiErr:   ops.ErrOperationTerminal,
			wantCode: "operation_terminal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{err: tt.apiErr}
			router := newTestRouter(api)

			reply := router.Dispatch(context.Background(), []byte(tt.raw))

			errMsg, ok := reply.(*ErrorMessage)
			if !ok {
				t.Fatalf("reply = %T, want *ErrorMessage", reply)
			}
			if errMsg.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", errMsg.Code, tt.wantCode)
			}
			if errMsg.Message == "" {
				t.Error("error message is empty")
			}
		})
	}
}

func TestCommandRouter_DispatchTableCoversAllActions(t *testing.T) {
	router := newTestRouter(&fakeAPI{op: testOperation()})

	for _, action := range []string{ActionStartOperation, ActionCancelOperation, ActionGetStatus} {
		if _, ok := router.table[action]; !ok {
			t.Errorf("no handler registered for action %q", action)
		}
	}
	if len(router.table) != 3 {
		t.Errorf("dispatch table has %d entries, want 3", len(router.table))
	}
}
