package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeExecutor struct {
	sagaType     Type
	steps        []string
	execErr      map[int]error
	compensate   bool
	executed     []int
	compensated  int
	payloadAfter func(step int) json.RawMessage
}

func (e *fakeExecutor) Type() Type      { return e.sagaType }
func (e *fakeExecutor) Steps() []string { return e.steps }

func (e *fakeExecutor) Execute(_ context.Context, sg Saga) (json.RawMessage, error) {
	e.executed = append(e.executed, sg.CurrentStep)
	if err := e.execErr[sg.CurrentStep]; err != nil {
		return nil, err
	}
	if e.payloadAfter != nil {
		return e.payloadAfter(sg.CurrentStep), nil
	}
	return sg.Payload, nil
}

func (e *fakeExecutor) Compensate(context.Context, Saga) { e.compensated++ }
func (e *fakeExecutor) CompensateOnFailure() bool        { return e.compensate }

type fakeEnqueuer struct {
	calls []int
	err   error
}

func (q *fakeEnqueuer) EnqueueSagaStep(_ context.Context, _ uuid.UUID, step int) error {
	q.calls = append(q.calls, step)
	return q.err
}

type fakeMetrics struct {
	started, completed, failed, compensated int
	steps                                   []string
}

func (m *fakeMetrics) SagaStarted(string)     { m.started++ }
func (m *fakeMetrics) SagaCompleted(string)   { m.completed++ }
func (m *fakeMetrics) SagaFailed(string)      { m.failed++ }
func (m *fakeMetrics) SagaCompensated(string) { m.compensated++ }
func (m *fakeMetrics) StepDuration(_, step string, _ time.Duration) {
	m.steps = append(m.steps, step)
}

func newTestRunner(exec *fakeExecutor) (*Runner, *fakeEnqueuer, *fakeMetrics, *Service) {
	svc := NewService(newMemRepo(), nil)
	q := &fakeEnqueuer{}
	m := &fakeMetrics{}
	r := NewRunner(svc, q, nil, m)
	r.Register(exec)
	return r, q, m, svc
}

func TestRunnerStartEnqueuesFirstStep(t *testing.T) {
	exec := &fakeExecutor{sagaType: TypeBillPay, steps: []string{"a", "b"}}
	r, q, m, _ := newTestRunner(exec)

	sg, err := r.Start(context.Background(), StartInput{
		Type:    TypeBillPay,
		Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(sg.Steps) != 2 {
		t.Fatalf("steps not taken from executor: %v", sg.Steps)
	}
	if len(q.calls) != 1 || q.calls[0] != 0 {
		t.Fatalf("enqueue calls = %v, want [0]", q.calls)
	}
	if m.started != 1 {
		t.Fatalf("started metric = %d, want 1", m.started)
	}
}

func TestRunnerStartRejectsUnknownType(t *testing.T) {
	exec := &fakeExecutor{sagaType: TypeBillPay, steps: []string{"a"}}
	r, _, _, _ := newTestRunner(exec)

	if _, err := r.Start(context.Background(), StartInput{Type: TypePeriodClose, Payload: json.RawMessage(`{}`)}); err == nil {
		t.Fatal("expected error for unregistered saga type")
	}
}

func TestRunnerDrivesSagaToCompletion(t *testing.T) {
	exec := &fakeExecutor{sagaType: TypeBillPay, steps: []string{"a", "b"}}
	r, q, m, svc := newTestRunner(exec)
	ctx := context.Background()

	sg, err := r.Start(ctx, StartInput{Type: TypeBillPay, Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, step := range []int{0, 1} {
		if err := r.HandleStep(ctx, sg.ID, step); err != nil {
			t.Fatalf("HandleStep(%d): %v", step, err)
		}
	}

	got, _ := svc.Get(ctx, sg.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if len(q.calls) != 2 {
		// Start enqueues step 0, step 0 enqueues step 1, step 1 completes.
		t.Fatalf("enqueue calls = %v, want [0 1]", q.calls)
	}
	if m.completed != 1 {
		t.Fatalf("completed metric = %d, want 1", m.completed)
	}
	if len(m.steps) != 2 || m.steps[0] != "a" || m.steps[1] != "b" {
		t.Fatalf("step durations recorded for %v, want [a b]", m.steps)
	}
}

func TestRunnerDropsStaleDeliveries(t *testing.T) {
	exec := &fakeExecutor{sagaType: TypeBillPay, steps: []string{"a", "b"}}
	r, _, _, _ := newTestRunner(exec)
	ctx := context.Background()

	sg, err := r.Start(ctx, StartInput{Type: TypeBillPay, Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.HandleStep(ctx, sg.ID, 0); err != nil {
		t.Fatalf("HandleStep(0): %v", err)
	}
	// Redelivery of step 0 must not re-execute.
	if err := r.HandleStep(ctx, sg.ID, 0); err != nil {
		t.Fatalf("redelivered HandleStep(0): %v", err)
	}
	if len(exec.executed) != 1 {
		t.Fatalf("executions = %v, want exactly one", exec.executed)
	}

	// Unknown saga IDs are dropped, not retried.
	if err := r.HandleStep(ctx, uuid.New(), 0); err != nil {
		t.Fatalf("unknown saga: %v", err)
	}
}

func TestRunnerFailureCompensatesWhenExecutorOptsIn(t *testing.T) {
	exec := &fakeExecutor{
		sagaType:   TypeBillPay,
		steps:      []string{"a", "b"},
		execErr:    map[int]error{1: errors.New("insufficient funds")},
		compensate: true,
	}
	r, _, m, svc := newTestRunner(exec)
	ctx := context.Background()

	sg, err := r.Start(ctx, StartInput{Type: TypeBillPay, Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.HandleStep(ctx, sg.ID, 0); err != nil {
		t.Fatalf("HandleStep(0): %v", err)
	}
	// The failing step must not surface an error to the queue.
	if err := r.HandleStep(ctx, sg.ID, 1); err != nil {
		t.Fatalf("failing HandleStep(1): %v", err)
	}

	got, _ := svc.Get(ctx, sg.ID)
	if got.Status != StatusCompensated {
		t.Fatalf("status = %s, want compensated", got.Status)
	}
	if got.FailureReason == "" {
		t.Fatal("failure reason not recorded")
	}
	if exec.compensated != 1 {
		t.Fatalf("compensate calls = %d, want 1", exec.compensated)
	}
	if m.failed != 1 || m.compensated != 1 {
		t.Fatalf("metrics failed=%d compensated=%d, want 1/1", m.failed, m.compensated)
	}
}

func TestRunnerFailureWithoutCompensation(t *testing.T) {
	exec := &fakeExecutor{
		sagaType: TypePeriodClose,
		steps:    []string{"a"},
		execErr:  map[int]error{0: errors.New("trial balance off")},
	}
	r, _, m, svc := newTestRunner(exec)
	ctx := context.Background()

	sg, err := r.Start(ctx, StartInput{Type: TypePeriodClose, Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.HandleStep(ctx, sg.ID, 0); err != nil {
		t.Fatalf("HandleStep: %v", err)
	}

	got, _ := svc.Get(ctx, sg.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if exec.compensated != 0 {
		t.Fatal("compensation must not run when the executor opts out")
	}
	if m.failed != 1 || m.compensated != 0 {
		t.Fatalf("metrics failed=%d compensated=%d, want 1/0", m.failed, m.compensated)
	}
}

func TestRunnerIgnoresTerminalSagas(t *testing.T) {
	exec := &fakeExecutor{sagaType: TypeBillPay, steps: []string{"a"}}
	r, _, _, svc := newTestRunner(exec)
	ctx := context.Background()

	sg, err := r.Start(ctx, StartInput{Type: TypeBillPay, Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Fail(ctx, sg.ID, "operator abort"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := r.HandleStep(ctx, sg.ID, 0); err != nil {
		t.Fatalf("HandleStep on failed saga: %v", err)
	}
	if len(exec.executed) != 0 {
		t.Fatal("terminal saga must not execute steps")
	}
}
