package billpay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propledger/propledger/internal/saga"
	"github.com/propledger/propledger/internal/shared"
)

type fakeSagaRepo struct {
	sagas map[uuid.UUID]saga.Saga
}

func (r *fakeSagaRepo) Insert(_ context.Context, sg saga.Saga) error {
	r.sagas[sg.ID] = sg
	return nil
}

func (r *fakeSagaRepo) Get(_ context.Context, id uuid.UUID) (saga.Saga, error) {
	sg, ok := r.sagas[id]
	if !ok {
		return saga.Saga{}, shared.ErrNotFound
	}
	return sg, nil
}

func (r *fakeSagaRepo) Heartbeat(_ context.Context, id uuid.UUID, at time.Time) error {
	sg := r.sagas[id]
	sg.HeartbeatAt = at
	r.sagas[id] = sg
	return nil
}

func (r *fakeSagaRepo) Advance(_ context.Context, id uuid.UUID, fromStep, nextStep int, payload json.RawMessage, at time.Time) (bool, error) {
	sg, ok := r.sagas[id]
	if !ok || sg.Status != saga.StatusRunning || sg.CurrentStep != fromStep {
		return false, nil
	}
	sg.CurrentStep = nextStep
	sg.Payload = payload
	r.sagas[id] = sg
	return true, nil
}

func (r *fakeSagaRepo) Transition(_ context.Context, id uuid.UUID, from []saga.Status, to saga.Status, reason string, payload json.RawMessage, _ time.Time) (bool, error) {
	sg, ok := r.sagas[id]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if sg.Status == st {
			sg.Status = to
			if reason != "" {
				sg.FailureReason = reason
			}
			if payload != nil {
				sg.Payload = payload
			}
			r.sagas[id] = sg
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeSagaRepo) ListStalled(context.Context, time.Time) ([]saga.Saga, error) {
	return nil, nil
}

type noopEnqueuer struct {
	calls int
}

func (q *noopEnqueuer) EnqueueSagaStep(context.Context, uuid.UUID, int) error {
	q.calls++
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *testEnv, *fakeSagaRepo, *noopEnqueuer) {
	t.Helper()
	env := newTestEnv(t)
	repo := &fakeSagaRepo{sagas: make(map[uuid.UUID]saga.Saga)}
	q := &noopEnqueuer{}
	runner := saga.NewRunner(saga.NewService(repo, nil), q, nil, nil)
	runner.Register(env.exec)
	return NewHandler(runner, env.exec, 0, nil), env, repo, q
}

func postBillPay(t *testing.T, h *Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	r := chi.NewRouter()
	h.MountRoutes(r)
	req := httptest.NewRequest(http.MethodPost, "/bill-pay", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func validRequest() map[string]any {
	return map[string]any{
		"vendor_id":          7,
		"invoice_number":     "INV-1001",
		"amount":             "500.00",
		"method":             "check",
		"expense_account_id": 500,
		"date":               "2026-03-15",
		"allocations": []map[string]any{
			{"property_id": 11, "owner_id": 1, "amount": "500.00"},
		},
		"trace_id":     "trace-42",
		"initiated_by": "ap@propledger.test",
	}
}

func TestStartAcceptsValidRequest(t *testing.T) {
	h, _, repo, q := newTestHandler(t)

	rec := postBillPay(t, h, validRequest())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp startResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotEmpty(t, resp.SagaID)

	sg, err := repo.Get(context.Background(), uuid.MustParse(resp.SagaID))
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRunning, sg.Status)
	assert.Equal(t, Steps, sg.Steps)
	assert.Equal(t, "trace-42", sg.TraceID)
	assert.Equal(t, 1, q.calls, "step 0 must be enqueued")
}

func TestStartRejectsMalformedBody(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	r := chi.NewRouter()
	h.MountRoutes(r)
	req := httptest.NewRequest(http.MethodPost, "/bill-pay", bytes.NewReader([]byte("{")))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartValidatesFields(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	missingVendor := validRequest()
	delete(missingVendor, "vendor_id")
	assert.Equal(t, http.StatusUnprocessableEntity, postBillPay(t, h, missingVendor).Code)

	badMethod := validRequest()
	badMethod["method"] = "barter"
	assert.Equal(t, http.StatusUnprocessableEntity, postBillPay(t, h, badMethod).Code)

	badAmount := validRequest()
	badAmount["amount"] = "lots"
	assert.Equal(t, http.StatusUnprocessableEntity, postBillPay(t, h, badAmount).Code)

	badDate := validRequest()
	badDate["date"] = "03/15/2026"
	assert.Equal(t, http.StatusUnprocessableEntity, postBillPay(t, h, badDate).Code)
}

// The second submission races the first saga, which has only just started.
// The invoice claim taken before Start must reject it regardless of how far
// the first saga has run.
func TestStartRejectsDuplicateInvoiceWith409(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	first := postBillPay(t, h, validRequest())
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())

	rec := postBillPay(t, h, validRequest())
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp startResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(shared.CodeDuplicatePayment), resp.Error.Code)
}

func TestStartRejectsUnbalancedAllocationsWith422(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	unbalanced := validRequest()
	unbalanced["allocations"] = []map[string]any{
		{"property_id": 11, "owner_id": 1, "amount": "400.00"},
	}
	rec := postBillPay(t, h, unbalanced)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp startResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(shared.CodeInvalidPayload), resp.Error.Code)
}
