package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/propledger/propledger/internal/events"
)

// BankGateway receives payment instructions. The production implementation
// talks to the bank rail; the worker falls back to logging when none is
// configured.
type BankGateway interface {
	SubmitPayment(ctx context.Context, instr events.PaymentInstruction) error
	CancelPayment(ctx context.Context, instr events.PaymentInstruction) error
}

// Notifier delivers vendor and owner notifications.
type Notifier interface {
	Send(ctx context.Context, n events.Notification) error
}

// Dispatcher routes event envelopes to their consumers. Unrouted event
// types are logged and acknowledged; at-least-once delivery means every
// consumer here must tolerate duplicates.
type Dispatcher struct {
	bank     BankGateway
	notifier Notifier
	logger   *slog.Logger
}

func NewDispatcher(bank BankGateway, notifier Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{bank: bank, notifier: notifier, logger: logger}
}

// Handle is the asynq handler for event dispatch tasks.
func (d *Dispatcher) Handle(ctx context.Context, t *asynq.Task) error {
	var env events.Envelope
	if err := json.Unmarshal(t.Payload(), &env); err != nil {
		d.logger.Error("event envelope decode", slog.Any("error", err))
		return asynq.SkipRetry
	}
	switch env.Type {
	case events.TypeBankACHVendorPayment, events.TypeBankWireInitiate:
		return d.bankSubmit(ctx, env)
	case events.TypeBankACHCancel:
		return d.bankCancel(ctx, env)
	case events.TypeNotificationSend:
		return d.notify(ctx, env)
	default:
		// Completion, compensation, threshold and abandonment events have
		// no in-process consumer; they exist for external subscribers and
		// the audit trail.
		d.logger.Info("event emitted",
			slog.String("type", env.Type),
			slog.String("data", string(env.Data)))
		return nil
	}
}

func (d *Dispatcher) bankSubmit(ctx context.Context, env events.Envelope) error {
	var instr events.PaymentInstruction
	if err := json.Unmarshal(env.Data, &instr); err != nil {
		d.logger.Error("payment instruction decode", slog.Any("error", err))
		return asynq.SkipRetry
	}
	if d.bank == nil {
		d.logger.Info("payment instruction",
			slog.String("type", env.Type),
			slog.String("saga_id", instr.SagaID),
			slog.String("amount", instr.Amount),
			slog.String("method", instr.Method))
		return nil
	}
	return d.bank.SubmitPayment(ctx, instr)
}

func (d *Dispatcher) bankCancel(ctx context.Context, env events.Envelope) error {
	var instr events.PaymentInstruction
	if err := json.Unmarshal(env.Data, &instr); err != nil {
		d.logger.Error("payment cancel decode", slog.Any("error", err))
		return asynq.SkipRetry
	}
	if d.bank == nil {
		d.logger.Info("payment cancel",
			slog.String("saga_id", instr.SagaID),
			slog.String("method", instr.Method))
		return nil
	}
	return d.bank.CancelPayment(ctx, instr)
}

func (d *Dispatcher) notify(ctx context.Context, env events.Envelope) error {
	var n events.Notification
	if err := json.Unmarshal(env.Data, &n); err != nil {
		d.logger.Error("notification decode", slog.Any("error", err))
		return asynq.SkipRetry
	}
	if d.notifier == nil {
		d.logger.Info("notification",
			slog.String("recipient", n.Recipient),
			slog.String("subject", n.Subject))
		return nil
	}
	return d.notifier.Send(ctx, n)
}
