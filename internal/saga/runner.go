package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/propledger/propledger/internal/shared"
)

// Executor is a concrete saga: a fixed step sequence plus the domain logic
// for each step and its compensation. Execute runs the saga's current step
// against the current payload and returns the enriched payload. Every step
// must be safe to re-run with the same payload; delivery is at-least-once.
type Executor interface {
	Type() Type
	Steps() []string
	Execute(ctx context.Context, sg Saga) (json.RawMessage, error)
	// Compensate walks the completed steps in reverse. Per-step errors are
	// logged and skipped so a partial compensation still leaves an audit
	// trail instead of a stuck saga.
	Compensate(ctx context.Context, sg Saga)
	// CompensateOnFailure reports whether a step failure triggers the
	// reverse walk. Period close aborts without compensation.
	CompensateOnFailure() bool
}

// Enqueuer schedules the asynchronous execution of a saga step.
type Enqueuer interface {
	EnqueueSagaStep(ctx context.Context, sagaID uuid.UUID, step int) error
}

// Metrics receives saga lifecycle observations.
type Metrics interface {
	SagaStarted(sagaType string)
	SagaCompleted(sagaType string)
	SagaFailed(sagaType string)
	SagaCompensated(sagaType string)
	StepDuration(sagaType, step string, d time.Duration)
}

// Runner couples the orchestrator to the registered executors. Each step
// completes by enqueueing an event carrying the next step; a worker picks
// it up, possibly in another process. A saga is suspended whenever it waits
// for that redelivery.
type Runner struct {
	svc       *Service
	enqueue   Enqueuer
	logger    *slog.Logger
	metrics   Metrics
	executors map[Type]Executor
}

func NewRunner(svc *Service, enqueue Enqueuer, logger *slog.Logger, metrics Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		svc:       svc,
		enqueue:   enqueue,
		logger:    logger,
		metrics:   metrics,
		executors: make(map[Type]Executor),
	}
}

// Register adds a concrete saga to the runner.
func (r *Runner) Register(exec Executor) {
	r.executors[exec.Type()] = exec
}

// Start creates the saga and schedules its first step.
func (r *Runner) Start(ctx context.Context, in StartInput) (Saga, error) {
	exec, ok := r.executors[in.Type]
	if !ok {
		return Saga{}, fmt.Errorf("saga: no executor registered for %s", in.Type)
	}
	in.Steps = exec.Steps()
	sg, err := r.svc.Start(ctx, in)
	if err != nil {
		return Saga{}, err
	}
	if r.metrics != nil {
		r.metrics.SagaStarted(string(sg.Type))
	}
	if err := r.enqueue.EnqueueSagaStep(ctx, sg.ID, 0); err != nil {
		return Saga{}, err
	}
	return sg, nil
}

// HandleStep executes one step delivery. Stale or duplicate deliveries are
// dropped. Step failures are converted into the saga failure path here and
// never bubble out as handler errors: blind queue-level retry of a
// money-moving step is unsafe, so retry-vs-compensate is decided by the
// executor, not the transport.
func (r *Runner) HandleStep(ctx context.Context, sagaID uuid.UUID, step int) error {
	sg, err := r.svc.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			r.logger.Warn("step delivery for unknown saga", slog.String("saga_id", sagaID.String()))
			return nil
		}
		return err
	}
	if sg.Terminal() || sg.Status != StatusRunning {
		return nil
	}
	if sg.CurrentStep != step {
		r.logger.Debug("dropping stale step delivery",
			slog.String("saga_id", sagaID.String()),
			slog.Int("delivered", step),
			slog.Int("current", sg.CurrentStep))
		return nil
	}
	exec, ok := r.executors[sg.Type]
	if !ok {
		return fmt.Errorf("saga: no executor registered for %s", sg.Type)
	}

	if err := r.svc.Heartbeat(ctx, sg.ID); err != nil {
		return err
	}

	started := time.Now()
	payload, execErr := exec.Execute(ctx, sg)
	if r.metrics != nil {
		r.metrics.StepDuration(string(sg.Type), sg.StepName(), time.Since(started))
	}
	if execErr != nil {
		r.fail(ctx, exec, sg, execErr)
		return nil
	}
	return r.advance(ctx, sg, payload)
}

func (r *Runner) advance(ctx context.Context, sg Saga, payload json.RawMessage) error {
	next, err := r.svc.Advance(ctx, sg.ID, sg.CurrentStep, payload)
	if err != nil {
		if errors.Is(err, ErrStaleStep) {
			return nil
		}
		return err
	}
	if next.Status == StatusCompleted {
		if r.metrics != nil {
			r.metrics.SagaCompleted(string(sg.Type))
		}
		return nil
	}
	return r.enqueue.EnqueueSagaStep(ctx, sg.ID, next.CurrentStep)
}

func (r *Runner) fail(ctx context.Context, exec Executor, sg Saga, execErr error) {
	reason := execErr.Error()
	if code := shared.CodeOf(execErr); code != "" {
		reason = string(code) + ": " + execErr.Error()
	}
	r.logger.Error("saga step failed",
		slog.String("saga_id", sg.ID.String()),
		slog.String("step", sg.StepName()),
		slog.Any("error", execErr))
	if err := r.svc.Fail(ctx, sg.ID, reason); err != nil {
		r.logger.Error("mark saga failed", slog.String("saga_id", sg.ID.String()), slog.Any("error", err))
		return
	}
	if r.metrics != nil {
		r.metrics.SagaFailed(string(sg.Type))
	}
	if !exec.CompensateOnFailure() {
		return
	}
	if err := r.svc.BeginCompensation(ctx, sg.ID); err != nil {
		r.logger.Error("begin compensation", slog.String("saga_id", sg.ID.String()), slog.Any("error", err))
		return
	}
	exec.Compensate(ctx, sg)
	if err := r.svc.FinishCompensation(ctx, sg.ID); err != nil {
		r.logger.Error("finish compensation", slog.String("saga_id", sg.ID.String()), slog.Any("error", err))
		return
	}
	if r.metrics != nil {
		r.metrics.SagaCompensated(string(sg.Type))
	}
}
