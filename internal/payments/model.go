package payments

import (
	"time"

	"github.com/shopspring/decimal"
)

// Method enumerates supported payment rails.
type Method string

const (
	MethodCheck      Method = "check"
	MethodACH        Method = "ach"
	MethodWire       Method = "wire"
	MethodCreditCard Method = "credit_card"
)

// Status enumerates the payment lifecycle. Voided payments are kept, never
// deleted; the record is the audit trail of the compensation.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusVoided  Status = "voided"
)

// VendorPayment is the durable record of one payment instruction handed to
// the bank rail.
type VendorPayment struct {
	ID             int64
	SagaID         string
	VendorID       int64
	BillID         *int64
	InvoiceNumber  string
	Amount         decimal.Decimal
	Method         Method
	Status         Status
	CheckNumber    *string
	ACHTraceNumber *string
	WireReference  *string
	JournalEntryID int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Vendor1099 accumulates year-to-date reportable payments per vendor and
// tax year.
type Vendor1099 struct {
	VendorID  int64
	TaxYear   int
	YTDAmount decimal.Decimal
	UpdatedAt time.Time
}
