package billpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/propledger/propledger/internal/compliance"
	"github.com/propledger/propledger/internal/events"
	"github.com/propledger/propledger/internal/ledger"
	"github.com/propledger/propledger/internal/owners"
	"github.com/propledger/propledger/internal/payments"
	"github.com/propledger/propledger/internal/saga"
	"github.com/propledger/propledger/internal/shared"
	"github.com/propledger/propledger/internal/vendors"
)

// DefaultTimeout bounds how long a bill pay saga may go without a heartbeat
// before the watchdog surfaces it.
const DefaultTimeout = 5 * time.Minute

// Executor implements the six-step bill pay saga. All monetary postings are
// delegated to the ledger engine; this package owns only the payment and
// 1099 records.
type Executor struct {
	ledger   *ledger.Service
	vendors  vendors.Repository
	owners   owners.Repository
	payments payments.Repository
	oracle   compliance.Oracle
	bus      events.Bus
	locker   *shared.AdvisoryLocker
	logger   *slog.Logger
	now      func() time.Time
}

func NewExecutor(
	ledgerSvc *ledger.Service,
	vendorRepo vendors.Repository,
	ownerRepo owners.Repository,
	paymentRepo payments.Repository,
	oracle compliance.Oracle,
	bus events.Bus,
	locker *shared.AdvisoryLocker,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		ledger:   ledgerSvc,
		vendors:  vendorRepo,
		owners:   ownerRepo,
		payments: paymentRepo,
		oracle:   oracle,
		bus:      bus,
		locker:   locker,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (e *Executor) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

func (e *Executor) Type() saga.Type { return saga.TypeBillPay }

func (e *Executor) Steps() []string { return Steps }

func (e *Executor) CompensateOnFailure() bool { return true }

// CheckPreconditions runs the validations required before Start and claims
// the (vendor, invoice) pair under the unique payment index. The claim is
// the system's idempotency boundary against double submission: it is
// durable before the first step runs, so a second saga for the same invoice
// is rejected no matter how far the first has progressed. The claim is
// released by compensation (voided) or by ReleaseClaim when the saga never
// starts.
func (e *Executor) CheckPreconditions(ctx context.Context, sagaID uuid.UUID, p Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return e.payments.ClaimInvoice(ctx, payments.ClaimInput{
		SagaID:        sagaID.String(),
		VendorID:      p.VendorID,
		BillID:        p.BillID,
		InvoiceNumber: p.InvoiceNumber,
		Amount:        p.Amount,
		Method:        p.Method,
	})
}

// ReleaseClaim frees the invoice claimed by CheckPreconditions when the
// saga could not be started.
func (e *Executor) ReleaseClaim(ctx context.Context, sagaID uuid.UUID) error {
	return e.payments.ReleaseClaim(ctx, sagaID.String())
}

func (e *Executor) Execute(ctx context.Context, sg saga.Saga) (json.RawMessage, error) {
	p, err := decodePayload(sg.Payload)
	if err != nil {
		return nil, fmt.Errorf("billpay: decode payload: %w", err)
	}
	switch sg.StepName() {
	case StepValidateBill:
		err = e.validateBill(ctx, &p)
	case StepAllocateExpense:
		err = e.allocateExpense(ctx, &p)
	case StepCreateJournalEntry:
		err = e.createJournalEntry(ctx, sg, &p)
	case StepTrack1099:
		err = e.track1099(ctx, sg, &p)
	case StepGeneratePayment:
		err = e.generatePayment(ctx, sg, &p)
	case StepSendNotification:
		err = e.sendNotification(ctx, sg, &p)
	default:
		err = fmt.Errorf("billpay: unknown step %q", sg.StepName())
	}
	if err != nil {
		return nil, err
	}
	return p.encode()
}

func (e *Executor) validateBill(ctx context.Context, p *Payload) error {
	vendor, err := e.vendors.GetVendor(ctx, p.VendorID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NewDomainError(shared.CodeVendorInactive, "vendor %d does not exist", p.VendorID)
		}
		return err
	}
	if !vendor.Active {
		return shared.NewDomainError(shared.CodeVendorInactive, "vendor %s is inactive", vendor.Name)
	}

	account, err := e.ledger.GetAccount(ctx, p.ExpenseAccountID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NewDomainError(shared.CodeInvalidAccount, "expense account %d does not exist", p.ExpenseAccountID)
		}
		return err
	}
	if account.Type != ledger.AccountTypeExpense {
		return shared.NewDomainError(shared.CodeInvalidAccount, "account %s is %s, want expense", account.Code, account.Type)
	}

	limit, err := e.oracle.GetPaymentAuthorizationLimit(ctx)
	if err != nil {
		return err
	}
	if p.Amount.GreaterThan(limit) {
		return shared.NewDomainError(shared.CodeAuthorizationLimit,
			"payment %s exceeds authorization limit %s", p.Amount.StringFixed(2), limit.StringFixed(2))
	}

	if p.BillID != nil {
		bill, err := e.vendors.GetBill(ctx, *p.BillID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return shared.NewDomainError(shared.CodeInvalidPayload, "bill %d does not exist", *p.BillID)
			}
			return err
		}
		if bill.Status != vendors.BillStatusUnpaid {
			return shared.NewDomainError(shared.CodeBillAlreadyPaid, "bill %d is already %s", bill.ID, bill.Status)
		}
		if p.Amount.GreaterThan(bill.AmountDue) {
			return shared.NewDomainError(shared.CodeInvalidPayload,
				"payment %s exceeds amount due %s", p.Amount.StringFixed(2), bill.AmountDue.StringFixed(2))
		}
	}

	p.Requires1099 = vendor.Requires1099
	if p.TaxYear == 0 {
		p.TaxYear = p.Date.Year()
	}
	return nil
}

// allocateExpense resolves each allocation and checks the owner's available
// balance. Insufficient funds are a hard stop; nothing durable exists yet,
// so a failure here needs no compensation. The authoritative check is
// repeated under lock in createJournalEntry.
func (e *Executor) allocateExpense(ctx context.Context, p *Payload) error {
	for _, a := range p.Allocations {
		property, err := e.owners.GetProperty(ctx, a.PropertyID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return shared.NewDomainError(shared.CodeInvalidPayload, "property %d does not exist", a.PropertyID)
			}
			return err
		}
		if _, err := e.owners.GetOwner(ctx, a.OwnerID); err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return shared.NewDomainError(shared.CodeInvalidPayload, "owner %d does not exist", a.OwnerID)
			}
			return err
		}
		available, err := e.ledger.OwnerAvailableBalance(ctx, a.OwnerID, a.PropertyID)
		if err != nil {
			return err
		}
		if available.LessThan(a.Amount) {
			return shared.NewDomainError(shared.CodeInsufficientFunds,
				"owner %d has %s available for %s, allocation needs %s",
				a.OwnerID, available.StringFixed(2), property.Name, a.Amount.StringFixed(2))
		}
	}
	return nil
}

// createJournalEntry posts the balanced entry: one debit per allocation
// against the expense account and a single credit to the trust bank. The
// balance check re-runs here under per-(owner, property) advisory locks so
// a concurrent saga against the same owner cannot overdraw between check
// and post.
func (e *Executor) createJournalEntry(ctx context.Context, sg saga.Saga, p *Payload) error {
	sagaID := sg.ID.String()
	if existing, found, err := e.ledger.FindEntryBySaga(ctx, sagaID, ledger.EntryTypeBillPayment); err != nil {
		return err
	} else if found {
		p.JournalEntryID = existing.ID
		return e.linkBill(ctx, p)
	}

	release, err := e.lockAllocations(ctx, p.Allocations)
	if err != nil {
		return err
	}
	defer release()

	for _, a := range p.Allocations {
		available, err := e.ledger.OwnerAvailableBalance(ctx, a.OwnerID, a.PropertyID)
		if err != nil {
			return err
		}
		if available.LessThan(a.Amount) {
			return shared.NewDomainError(shared.CodeInsufficientFunds,
				"owner %d balance dropped to %s under contention", a.OwnerID, available.StringFixed(2))
		}
	}

	trust, err := e.ledger.TrustAccount(ctx)
	if err != nil {
		return err
	}
	vendorID := p.VendorID
	postings := make([]ledger.PostingInput, 0, len(p.Allocations)+1)
	for i := range p.Allocations {
		a := p.Allocations[i]
		postings = append(postings, ledger.PostingInput{
			AccountID:  p.ExpenseAccountID,
			Amount:     a.Amount,
			PropertyID: &p.Allocations[i].PropertyID,
			OwnerID:    &p.Allocations[i].OwnerID,
			VendorID:   &vendorID,
		})
	}
	postings = append(postings, ledger.PostingInput{
		AccountID: trust.ID,
		Amount:    p.Amount.Neg(),
	})

	meta := map[string]any{
		"saga_id":        sagaID,
		"vendor_id":      p.VendorID,
		"invoice_number": p.InvoiceNumber,
		"trace_id":       sg.TraceID,
	}
	if p.BillID != nil {
		meta["bill_id"] = *p.BillID
	}
	entry, err := e.ledger.CreateEntry(ctx, ledger.CreateEntryInput{
		Date:        p.Date,
		Type:        ledger.EntryTypeBillPayment,
		Description: fmt.Sprintf("Vendor payment %s", p.InvoiceNumber),
		Metadata:    meta,
		Postings:    postings,
	})
	if err != nil {
		return err
	}
	p.JournalEntryID = entry.ID
	return e.linkBill(ctx, p)
}

func (e *Executor) linkBill(ctx context.Context, p *Payload) error {
	if p.BillID == nil || p.JournalEntryID == 0 {
		return nil
	}
	_, err := e.vendors.MarkBillPaid(ctx, *p.BillID, p.JournalEntryID)
	return err
}

// lockAllocations takes the advisory locks in a stable order so two sagas
// sharing owner/property pairs never deadlock.
func (e *Executor) lockAllocations(ctx context.Context, allocations []Allocation) (func(), error) {
	keys := make([]string, 0, len(allocations))
	seen := make(map[string]struct{}, len(allocations))
	for _, a := range allocations {
		key := shared.OwnerPropertyLockKey(a.OwnerID, a.PropertyID)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, key := range keys {
		release, err := e.locker.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func (e *Executor) track1099(ctx context.Context, sg saga.Saga, p *Payload) error {
	if !p.Requires1099 {
		return nil
	}
	total, added, err := e.payments.AddYTDBySaga(ctx, sg.ID.String(), p.VendorID, p.TaxYear, p.Amount)
	if err != nil {
		return err
	}
	previous := total.Sub(p.Amount)
	p.YTD1099 = total
	threshold, err := e.oracle.Get1099Threshold(ctx)
	if err != nil {
		return err
	}
	// added guards the redelivered step: the contribution already counted,
	// so the crossing was already announced.
	if added && total.GreaterThanOrEqual(threshold) && previous.LessThan(threshold) {
		evt := events.ThresholdReached{
			VendorID:  p.VendorID,
			TaxYear:   p.TaxYear,
			YTDAmount: total.StringFixed(2),
			Threshold: threshold.StringFixed(2),
		}
		if err := e.bus.Emit(ctx, events.Type1099ThresholdReached, evt); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) generatePayment(ctx context.Context, sg saga.Saga, p *Payload) error {
	sagaID := sg.ID.String()
	instrument := instrumentFor(sagaID, p.Method)
	payment, err := e.payments.UpsertBySaga(ctx, payments.CreateInput{
		SagaID:         sagaID,
		VendorID:       p.VendorID,
		BillID:         p.BillID,
		InvoiceNumber:  p.InvoiceNumber,
		Amount:         p.Amount,
		Method:         p.Method,
		CheckNumber:    instrument.checkNumber,
		ACHTraceNumber: instrument.achTrace,
		WireReference:  instrument.wireRef,
		JournalEntryID: p.JournalEntryID,
	})
	if err != nil {
		return err
	}
	p.PaymentID = payment.ID
	p.CheckNumber = payment.CheckNumber
	p.ACHTraceNumber = payment.ACHTraceNumber
	p.WireReference = payment.WireReference

	instruction := events.PaymentInstruction{
		SagaID:    sagaID,
		PaymentID: payment.ID,
		VendorID:  p.VendorID,
		Amount:    p.Amount.StringFixed(2),
		Method:    string(p.Method),
	}
	eventType := events.TypeBankACHVendorPayment
	switch p.Method {
	case payments.MethodWire:
		eventType = events.TypeBankWireInitiate
		if payment.WireReference != nil {
			instruction.WireReference = *payment.WireReference
		}
	case payments.MethodACH:
		if payment.ACHTraceNumber != nil {
			instruction.ACHTraceNumber = *payment.ACHTraceNumber
		}
	default:
		if payment.CheckNumber != nil {
			instruction.CheckNumber = *payment.CheckNumber
		}
	}
	return e.bus.Emit(ctx, eventType, instruction)
}

func (e *Executor) sendNotification(ctx context.Context, sg saga.Saga, p *Payload) error {
	sagaID := sg.ID.String()
	vendor, err := e.vendors.GetVendor(ctx, p.VendorID)
	if err != nil {
		return err
	}
	body := fmt.Sprintf("Payment of %s for invoice %s has been issued.", p.Amount.StringFixed(2), p.InvoiceNumber)
	if err := e.bus.Emit(ctx, events.TypeNotificationSend, events.Notification{
		Recipient: vendor.Email,
		Subject:   "Payment issued",
		Body:      body,
		SagaID:    sagaID,
	}); err != nil {
		return err
	}
	notified := make(map[int64]struct{}, len(p.Allocations))
	for _, a := range p.Allocations {
		if _, ok := notified[a.OwnerID]; ok {
			continue
		}
		notified[a.OwnerID] = struct{}{}
		owner, err := e.owners.GetOwner(ctx, a.OwnerID)
		if err != nil {
			return err
		}
		if err := e.bus.Emit(ctx, events.TypeNotificationSend, events.Notification{
			Recipient: owner.Email,
			Subject:   "Expense paid from your trust balance",
			Body:      fmt.Sprintf("An expense of %s was paid to %s.", a.Amount.StringFixed(2), vendor.Name),
			SagaID:    sagaID,
		}); err != nil {
			return err
		}
	}

	if p.PaymentID != 0 {
		if err := e.payments.SetStatus(ctx, p.PaymentID, payments.StatusPaid); err != nil {
			return err
		}
	}
	return e.bus.Emit(ctx, events.TypeBillPayCompleted, events.SagaResult{
		SagaID:         sagaID,
		TraceID:        sg.TraceID,
		JournalEntryID: p.JournalEntryID,
	})
}

type instrument struct {
	checkNumber *string
	achTrace    *string
	wireRef     *string
}

// instrumentFor derives the payment instrument deterministically from the
// saga id so a re-run of GeneratePayment produces the same number instead
// of a second instruction.
func instrumentFor(sagaID string, method payments.Method) instrument {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sagaID))
	n := h.Sum32() % 100000000
	switch method {
	case payments.MethodACH:
		v := fmt.Sprintf("ACH%08d", n)
		return instrument{achTrace: &v}
	case payments.MethodWire:
		v := fmt.Sprintf("WIRE%08d", n)
		return instrument{wireRef: &v}
	default:
		v := fmt.Sprintf("CHK%08d", n)
		return instrument{checkNumber: &v}
	}
}
