package saga

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies a concrete saga.
type Type string

const (
	TypeBillPay     Type = "bill_pay"
	TypePeriodClose Type = "period_close"
)

// Status captures the saga lifecycle. Transitions are one-way:
// running -> completed | failed; failed -> compensating -> compensated.
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// Saga is a durable workflow instance. It is created once, mutated only by
// the orchestrator, and never deleted; terminal sagas remain as audit
// records.
type Saga struct {
	ID            uuid.UUID
	Type          Type
	Steps         []string
	CurrentStep   int
	Status        Status
	Payload       json.RawMessage
	TraceID       string
	InitiatedBy   string
	FailureReason string
	Timeout       time.Duration
	CreatedAt     time.Time
	UpdatedAt     time.Time
	HeartbeatAt   time.Time
}

// StepName returns the human-readable name of the current step, or
// "terminal" past the end of the sequence.
func (s Saga) StepName() string {
	if s.CurrentStep >= 0 && s.CurrentStep < len(s.Steps) {
		return s.Steps[s.CurrentStep]
	}
	return "terminal"
}

// Terminal reports whether the saga can no longer make progress.
func (s Saga) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed || s.Status == StatusCompensated
}
