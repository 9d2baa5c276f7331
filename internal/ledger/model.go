package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType enumerates the five fundamental account classes.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
	AccountTypeRevenue   AccountType = "revenue"
	AccountTypeExpense   AccountType = "expense"
)

// Account subtypes with ledger-level meaning.
const (
	SubtypeTrustBank         = "trust_bank"
	SubtypeOwnerFunds        = "owner_funds"
	SubtypeTenantDeposits    = "tenant_deposits"
	SubtypeOutstandingChecks = "outstanding_checks"
	SubtypeRetainedEarnings  = "retained_earnings"
	SubtypeExpense           = "expense"
)

// Account is one row of the chart of accounts. Balances are derived from
// postings, never stored.
type Account struct {
	ID        int64
	Code      string
	Name      string
	Type      AccountType
	Subtype   string
	CreatedAt time.Time
}

// Entry types recognised by the engine. The column is free-form text; these
// are the values the sagas write.
const (
	EntryTypeBillPayment = "bill_payment"
	EntryTypeClosing     = "closing"
	EntryTypeReversal    = "reversal"
)

// JournalEntry is an atomic, immutable accounting fact. Entries are created
// once and never mutated; corrections happen by reversal.
type JournalEntry struct {
	ID              int64
	Date            time.Time
	Type            string
	Description     string
	PeriodID        int64
	Metadata        map[string]any
	ReversesEntryID *int64
	CreatedAt       time.Time
	Postings        []Posting
}

// Posting is one line of a journal entry: a signed amount against an
// account, positive for debit and negative for credit, with optional
// property/owner/vendor dimensions.
type Posting struct {
	ID         int64
	EntryID    int64
	AccountID  int64
	Amount     decimal.Decimal
	PropertyID *int64
	OwnerID    *int64
	VendorID   *int64
	CreatedAt  time.Time
}

// AccountActivity is a per-account sum of postings within a period.
type AccountActivity struct {
	AccountID int64
	Type      AccountType
	Balance   decimal.Decimal
}
