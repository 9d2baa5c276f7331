package events

import (
	"context"
	"encoding/json"
	"time"
)

// Domain event types emitted by the saga engine. Consumers (bank rail,
// notification service) subscribe by type; delivery is at-least-once and
// emitters never block on consumption.
const (
	TypeBillPayCompleted             = "bill_pay.completed"
	TypeBillPayCompensationCompleted = "bill_pay.compensation.completed"
	TypePeriodClosed                 = "period.closed"
	Type1099ThresholdReached         = "vendor.1099_threshold_reached"
	TypeSagaAbandoned                = "saga.abandoned"

	TypeBankACHVendorPayment = "bank.ach.vendor_payment"
	TypeBankWireInitiate     = "bank.wire.initiate"
	TypeBankACHCancel        = "bank.ach.cancel"
	TypeNotificationSend     = "notification.send"
)

// Envelope wraps an emitted event for transport.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// Bus publishes domain events with at-least-once semantics. Emit is
// fire-and-forget from the caller's perspective: a returned error means the
// event could not be enqueued, not that it was not consumed.
type Bus interface {
	Emit(ctx context.Context, eventType string, payload any) error
}
