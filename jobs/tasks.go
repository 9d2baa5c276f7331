package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue for background jobs.
	QueueDefault = "default"
	// QueueSagas carries saga step deliveries. It outweighs the other
	// queues so money movement is not starved by event fan-out.
	QueueSagas = "sagas"

	// TaskTypeSagaStep delivers one step of one saga instance.
	TaskTypeSagaStep = "saga:step"
	// TaskTypeWatchdogScan triggers a scan for stalled sagas.
	TaskTypeWatchdogScan = "saga:watchdog_scan"
)

// SagaStepPayload identifies the step a delivery is for. The step index
// makes redeliveries of old steps detectable and droppable.
type SagaStepPayload struct {
	SagaID string `json:"saga_id"`
	Step   int    `json:"step"`
}

// NewSagaStepTask constructs the step delivery task.
func NewSagaStepTask(sagaID uuid.UUID, step int) (*asynq.Task, error) {
	data, err := json.Marshal(SagaStepPayload{SagaID: sagaID.String(), Step: step})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSagaStep, data), nil
}

// NewWatchdogScanTask constructs the periodic watchdog task.
func NewWatchdogScanTask() *asynq.Task {
	return asynq.NewTask(TaskTypeWatchdogScan, nil)
}
