package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypeDispatch is the asynq task type carrying event envelopes to the
// worker-side dispatcher.
const TaskTypeDispatch = "events:dispatch"

// QueueEvents is the queue events are published on.
const QueueEvents = "events"

// AsynqBus publishes events as asynq tasks. Redis-backed delivery gives the
// at-least-once guarantee; consumers must tolerate duplicates.
type AsynqBus struct {
	client *asynq.Client
	now    func() time.Time
}

// NewAsynqBus constructs the bus from shared redis options.
func NewAsynqBus(opts asynq.RedisClientOpt) *AsynqBus {
	return &AsynqBus{client: asynq.NewClient(opts), now: time.Now}
}

// Emit marshals payload and enqueues the envelope. It does not wait for
// consumption.
func (b *AsynqBus) Emit(ctx context.Context, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", eventType, err)
	}
	env := Envelope{Type: eventType, Data: data, EmittedAt: b.now()}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	task := asynq.NewTask(TaskTypeDispatch, raw)
	if _, err := b.client.EnqueueContext(ctx, task, asynq.Queue(QueueEvents), asynq.MaxRetry(10)); err != nil {
		return fmt.Errorf("events: enqueue %s: %w", eventType, err)
	}
	return nil
}

// Close releases the underlying asynq client.
func (b *AsynqBus) Close() error {
	return b.client.Close()
}
