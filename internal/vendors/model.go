package vendors

import (
	"time"

	"github.com/shopspring/decimal"
)

// Vendor is a payee. Requires1099 marks vendors whose payments accumulate
// toward reporting obligations.
type Vendor struct {
	ID           int64
	Name         string
	Email        string
	Active       bool
	Requires1099 bool
	CreatedAt    time.Time
}

// BillStatus enumerates bill payment states.
type BillStatus string

const (
	BillStatusUnpaid BillStatus = "unpaid"
	BillStatusPaid   BillStatus = "paid"
)

// Bill is an invoice received from a vendor. Paying marks it paid and links
// the journal entry; compensation reverts it to unpaid.
type Bill struct {
	ID             int64
	VendorID       int64
	InvoiceNumber  string
	AmountDue      decimal.Decimal
	Status         BillStatus
	JournalEntryID *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
