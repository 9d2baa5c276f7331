package billpay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/propledger/propledger/internal/events"
	"github.com/propledger/propledger/internal/ledger"
	"github.com/propledger/propledger/internal/payments"
	"github.com/propledger/propledger/internal/saga"
	"github.com/propledger/propledger/internal/shared"
)

// Compensate reverses the durable effects of the completed steps, newest
// first. Every action is guarded by an existence check so the walk is safe
// to re-run, and per-step errors are logged but do not stop the remaining
// steps: a partial compensation with an audit trail beats a stuck saga.
func (e *Executor) Compensate(ctx context.Context, sg saga.Saga) {
	sagaID := sg.ID.String()
	logger := e.logger.With(slog.String("saga_id", sagaID))

	p, err := decodePayload(sg.Payload)
	if err != nil {
		logger.Error("compensation: decode payload", slog.Any("error", err))
		return
	}

	e.voidPayment(ctx, logger, sagaID)
	e.revert1099(ctx, logger, sagaID, p)
	e.reverseEntry(ctx, logger, sagaID, p)

	if err := e.bus.Emit(ctx, events.TypeBillPayCompensationCompleted, events.SagaResult{
		SagaID:  sagaID,
		TraceID: sg.TraceID,
		Reason:  sg.FailureReason,
	}); err != nil {
		logger.Error("compensation: emit completion event", slog.Any("error", err))
	}
}

// voidPayment cancels the bank instruction and marks the payment record
// voided. The record stays: voided, never deleted.
func (e *Executor) voidPayment(ctx context.Context, logger *slog.Logger, sagaID string) {
	payment, err := e.payments.GetBySaga(ctx, sagaID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return
		}
		logger.Error("compensation: load payment", slog.Any("error", err))
		return
	}
	if payment.Status == payments.StatusVoided {
		return
	}
	// A claim row without an instrument means the saga failed before
	// GeneratePayment; there is no bank instruction to cancel, the void
	// alone releases the invoice.
	if payment.CheckNumber != nil || payment.ACHTraceNumber != nil || payment.WireReference != nil {
		instruction := events.PaymentInstruction{
			SagaID:    sagaID,
			PaymentID: payment.ID,
			VendorID:  payment.VendorID,
			Amount:    payment.Amount.StringFixed(2),
			Method:    string(payment.Method),
		}
		if err := e.bus.Emit(ctx, events.TypeBankACHCancel, instruction); err != nil {
			logger.Error("compensation: emit cancel", slog.Any("error", err))
		}
	}
	if err := e.payments.SetStatus(ctx, payment.ID, payments.StatusVoided); err != nil {
		logger.Error("compensation: void payment", slog.Any("error", err))
		return
	}
	logger.Info("compensation: payment voided", slog.Int64("payment_id", payment.ID))
}

// revert1099 removes this saga's year-to-date contribution, floored at zero.
func (e *Executor) revert1099(ctx context.Context, logger *slog.Logger, sagaID string, p Payload) {
	if !p.Requires1099 {
		return
	}
	total, err := e.payments.RemoveYTDBySaga(ctx, sagaID)
	if err != nil {
		logger.Error("compensation: revert 1099", slog.Any("error", err))
		return
	}
	logger.Info("compensation: 1099 reverted",
		slog.Int64("vendor_id", p.VendorID),
		slog.String("ytd", total.StringFixed(2)))
}

// reverseEntry posts the sign-flipped reversal and reverts the bill to
// unpaid. An existing reversal tagged with the saga id means a prior walk
// already got here.
func (e *Executor) reverseEntry(ctx context.Context, logger *slog.Logger, sagaID string, p Payload) {
	entry, found, err := e.ledger.FindEntryBySaga(ctx, sagaID, ledger.EntryTypeBillPayment)
	if err != nil {
		logger.Error("compensation: find journal entry", slog.Any("error", err))
		return
	}
	if !found {
		return
	}
	if _, reversed, err := e.ledger.FindEntryBySaga(ctx, sagaID, ledger.EntryTypeReversal); err != nil {
		logger.Error("compensation: find reversal", slog.Any("error", err))
		return
	} else if !reversed {
		reversal, err := e.ledger.ReverseEntry(ctx, entry.ID, e.now(), "bill pay compensation")
		if err != nil {
			logger.Error("compensation: reverse journal entry", slog.Any("error", err))
			return
		}
		logger.Info("compensation: journal entry reversed",
			slog.Int64("entry_id", entry.ID),
			slog.Int64("reversal_id", reversal.ID))
	}
	if p.BillID != nil {
		if err := e.vendors.MarkBillUnpaid(ctx, *p.BillID); err != nil {
			logger.Error("compensation: revert bill", slog.Any("error", err))
		}
	}
}
