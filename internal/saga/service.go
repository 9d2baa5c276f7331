package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/propledger/propledger/internal/shared"
)

// ErrStaleStep indicates a step execution raced a redelivered event and
// lost; the work was already done. Callers drop the delivery.
var ErrStaleStep = fmt.Errorf("saga: stale step delivery")

// ErrInvalidTransition indicates a status change the state machine forbids.
var ErrInvalidTransition = fmt.Errorf("saga: invalid status transition")

// StartInput bundles parameters for creating a saga.
type StartInput struct {
	// ID, when set, becomes the saga's id. Callers that claim durable
	// resources before Start supply it so the claim and the saga share a
	// key; zero means generate one.
	ID          uuid.UUID
	Type        Type
	Steps       []string
	Payload     json.RawMessage
	TraceID     string
	InitiatedBy string
	Timeout     time.Duration
}

// Service is the generic saga orchestrator. It owns saga records
// exclusively: concrete sagas mutate their state only through these
// methods, and every transition is guarded in SQL so at-least-once event
// delivery cannot double-advance an instance.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Start persists a new running saga at step 0. Structural validation of the
// payload is the caller's job; Start only rejects inputs no saga could run
// with.
func (s *Service) Start(ctx context.Context, in StartInput) (Saga, error) {
	if in.Type == "" {
		return Saga{}, shared.NewDomainError(shared.CodeInvalidPayload, "saga type required")
	}
	if len(in.Steps) == 0 {
		return Saga{}, shared.NewDomainError(shared.CodeInvalidPayload, "step sequence required")
	}
	if len(in.Payload) == 0 {
		return Saga{}, shared.NewDomainError(shared.CodeInvalidPayload, "payload required")
	}
	if in.Timeout <= 0 {
		in.Timeout = 5 * time.Minute
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := s.now()
	sg := Saga{
		ID:          in.ID,
		Type:        in.Type,
		Steps:       in.Steps,
		CurrentStep: 0,
		Status:      StatusRunning,
		Payload:     in.Payload,
		TraceID:     in.TraceID,
		InitiatedBy: in.InitiatedBy,
		Timeout:     in.Timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
		HeartbeatAt: now,
	}
	if err := s.repo.Insert(ctx, sg); err != nil {
		return Saga{}, err
	}
	s.logger.Info("saga started",
		slog.String("saga_id", sg.ID.String()),
		slog.String("type", string(sg.Type)),
		slog.String("steps", joinSteps(sg.Steps)),
		slog.String("trace_id", sg.TraceID))
	return sg, nil
}

// Get loads one saga record.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Saga, error) {
	return s.repo.Get(ctx, id)
}

// Heartbeat refreshes the liveness timestamp. Step handlers call this at
// the start of every execution so the watchdog can tell stalled from slow.
func (s *Service) Heartbeat(ctx context.Context, id uuid.UUID) error {
	return s.repo.Heartbeat(ctx, id, s.now())
}

// Advance persists the enriched payload and moves the saga to nextStep.
// Advancing past the last step completes the saga. The fromStep guard makes
// duplicate deliveries of the same step event lose cleanly.
func (s *Service) Advance(ctx context.Context, id uuid.UUID, fromStep int, payload json.RawMessage) (Saga, error) {
	sg, err := s.repo.Get(ctx, id)
	if err != nil {
		return Saga{}, err
	}
	nextStep := fromStep + 1
	if nextStep >= len(sg.Steps) {
		if err := s.Complete(ctx, id, payload); err != nil {
			return Saga{}, err
		}
		return s.repo.Get(ctx, id)
	}
	ok, err := s.repo.Advance(ctx, id, fromStep, nextStep, payload, s.now())
	if err != nil {
		return Saga{}, err
	}
	if !ok {
		return Saga{}, ErrStaleStep
	}
	sg.CurrentStep = nextStep
	sg.Payload = payload
	return sg, nil
}

// Complete marks terminal success. A duplicate completion with the same
// payload is silently accepted: at-least-once delivery means the final step
// event can arrive twice.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, payload json.RawMessage) error {
	ok, err := s.repo.Transition(ctx, id, []Status{StatusRunning}, StatusCompleted, "", payload, s.now())
	if err != nil {
		return err
	}
	if ok {
		s.logger.Info("saga completed", slog.String("saga_id", id.String()))
		return nil
	}
	sg, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if sg.Status == StatusCompleted && bytes.Equal(sg.Payload, payload) {
		return nil
	}
	return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, sg.Status)
}

// Fail marks the saga failed with a reason. It does not run compensation;
// that is the concrete saga's responsibility, driven by BeginCompensation
// and a reverse walk of the completed steps.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	ok, err := s.repo.Transition(ctx, id, []Status{StatusRunning}, StatusFailed, reason, nil, s.now())
	if err != nil {
		return err
	}
	if !ok {
		sg, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if sg.Status == StatusFailed {
			return nil
		}
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, sg.Status)
	}
	s.logger.Warn("saga failed",
		slog.String("saga_id", id.String()),
		slog.String("reason", reason))
	return nil
}

// BeginCompensation moves a failed saga into compensating.
func (s *Service) BeginCompensation(ctx context.Context, id uuid.UUID) error {
	ok, err := s.repo.Transition(ctx, id, []Status{StatusFailed}, StatusCompensating, "", nil, s.now())
	if err != nil {
		return err
	}
	if !ok {
		sg, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if sg.Status == StatusCompensating {
			return nil
		}
		return fmt.Errorf("%w: compensate from %s", ErrInvalidTransition, sg.Status)
	}
	return nil
}

// FinishCompensation marks the reverse walk done.
func (s *Service) FinishCompensation(ctx context.Context, id uuid.UUID) error {
	ok, err := s.repo.Transition(ctx, id, []Status{StatusCompensating}, StatusCompensated, "", nil, s.now())
	if err != nil {
		return err
	}
	if !ok {
		sg, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if sg.Status == StatusCompensated {
			return nil
		}
		return fmt.Errorf("%w: compensated from %s", ErrInvalidTransition, sg.Status)
	}
	s.logger.Info("saga compensated", slog.String("saga_id", id.String()))
	return nil
}

// Abandoned returns running or compensating sagas whose heartbeat has gone
// quiet past their timeout. They are surfaced, not rolled back: the true
// terminal state of a stalled saga is unknown and auto-compensation could
// reverse a side effect that never happened.
func (s *Service) Abandoned(ctx context.Context) ([]Saga, error) {
	return s.repo.ListStalled(ctx, s.now())
}
