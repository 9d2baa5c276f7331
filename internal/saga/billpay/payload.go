package billpay

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propledger/propledger/internal/payments"
	"github.com/propledger/propledger/internal/shared"
)

// Step names in execution order.
const (
	StepValidateBill       = "validate_bill"
	StepAllocateExpense    = "allocate_expense"
	StepCreateJournalEntry = "create_journal_entry"
	StepTrack1099          = "track_1099"
	StepGeneratePayment    = "generate_payment"
	StepSendNotification   = "send_notification"
)

// Steps is the fixed step sequence of a bill pay saga.
var Steps = []string{
	StepValidateBill,
	StepAllocateExpense,
	StepCreateJournalEntry,
	StepTrack1099,
	StepGeneratePayment,
	StepSendNotification,
}

// Allocation charges part of the payment to one property's owner.
type Allocation struct {
	PropertyID int64           `json:"property_id"`
	OwnerID    int64           `json:"owner_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// Payload is the bill pay saga's append-only enriched record. Each step
// fills in its own fields and never rewrites earlier ones; the whole value
// is re-persisted on every advance.
type Payload struct {
	Version int `json:"version"`

	VendorID         int64           `json:"vendor_id"`
	BillID           *int64          `json:"bill_id,omitempty"`
	InvoiceNumber    string          `json:"invoice_number"`
	Amount           decimal.Decimal `json:"amount"`
	Method           payments.Method `json:"method"`
	Memo             string          `json:"memo,omitempty"`
	ExpenseAccountID int64           `json:"expense_account_id"`
	Date             time.Time       `json:"date"`
	Allocations      []Allocation    `json:"allocations"`

	// Enriched by ValidateBill.
	Requires1099 bool `json:"requires_1099,omitempty"`
	TaxYear      int  `json:"tax_year,omitempty"`

	// Enriched by CreateJournalEntry.
	JournalEntryID int64 `json:"journal_entry_id,omitempty"`

	// Enriched by Track1099.
	YTD1099 decimal.Decimal `json:"ytd_1099,omitempty"`

	// Enriched by GeneratePayment.
	PaymentID      int64   `json:"payment_id,omitempty"`
	CheckNumber    *string `json:"check_number,omitempty"`
	ACHTraceNumber *string `json:"ach_trace_number,omitempty"`
	WireReference  *string `json:"wire_reference,omitempty"`
}

// Validate enforces the structural preconditions checked before a saga is
// started. Failures here never enter persisted state.
func (p Payload) Validate() error {
	if p.VendorID == 0 {
		return shared.NewDomainError(shared.CodeInvalidPayload, "vendor id required")
	}
	if p.InvoiceNumber == "" {
		return shared.NewDomainError(shared.CodeInvalidPayload, "invoice number required")
	}
	if !p.Amount.IsPositive() {
		return shared.NewDomainError(shared.CodeInvalidPayload, "payment amount must be positive")
	}
	if p.ExpenseAccountID == 0 {
		return shared.NewDomainError(shared.CodeInvalidPayload, "expense account required")
	}
	switch p.Method {
	case payments.MethodCheck, payments.MethodACH, payments.MethodWire, payments.MethodCreditCard:
	default:
		return shared.NewDomainError(shared.CodeInvalidPayload, "unknown payment method %q", p.Method)
	}
	if len(p.Allocations) == 0 {
		return shared.NewDomainError(shared.CodeInvalidPayload, "at least one allocation required")
	}
	sum := decimal.Zero
	for idx, a := range p.Allocations {
		if a.PropertyID == 0 || a.OwnerID == 0 {
			return shared.NewDomainError(shared.CodeInvalidPayload, "allocation %d missing property or owner", idx)
		}
		if !a.Amount.IsPositive() {
			return shared.NewDomainError(shared.CodeInvalidPayload, "allocation %d amount must be positive", idx)
		}
		sum = sum.Add(a.Amount)
	}
	if !shared.WithinTolerance(sum.Sub(p.Amount), shared.CentTolerance) {
		return shared.NewDomainError(shared.CodeInvalidPayload,
			"allocations sum to %s, payment amount is %s", sum.StringFixed(2), p.Amount.StringFixed(2))
	}
	return nil
}

func decodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

func (p Payload) encode() (json.RawMessage, error) {
	return json.Marshal(p)
}
