package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propledger/propledger/internal/shared"
)

// PostingInput describes one line of a posting request.
type PostingInput struct {
	AccountID  int64
	Amount     decimal.Decimal
	PropertyID *int64
	OwnerID    *int64
	VendorID   *int64
}

// CreateEntryInput groups fields required to create a journal entry.
// PeriodID may be zero, in which case the open period covering Date is
// resolved at posting time.
type CreateEntryInput struct {
	Date            time.Time
	Type            string
	Description     string
	PeriodID        int64
	Metadata        map[string]any
	ReversesEntryID *int64
	Postings        []PostingInput
}

// Validate enforces the structural preconditions on a posting request,
// including the zero-sum invariant. Amounts are decimal throughout; the
// tolerance exists for callers that derived amounts from rate arithmetic.
func (in CreateEntryInput) Validate() error {
	if in.Date.IsZero() {
		return fmt.Errorf("ledger: entry date required")
	}
	if in.Type == "" {
		return fmt.Errorf("ledger: entry type required")
	}
	if len(in.Postings) == 0 {
		return shared.NewDomainError(shared.CodeUnbalancedEntry, "entry requires at least one posting")
	}
	sum := decimal.Zero
	for idx, p := range in.Postings {
		if p.AccountID == 0 {
			return shared.NewDomainError(shared.CodeInvalidAccount, "posting %d missing account", idx)
		}
		if p.Amount.IsZero() {
			return fmt.Errorf("ledger: posting %d has zero amount", idx)
		}
		sum = sum.Add(p.Amount)
	}
	if !shared.WithinTolerance(sum, shared.EntryTolerance) {
		return shared.NewDomainError(shared.CodeUnbalancedEntry, "postings sum to %s, want 0", sum.StringFixed(4))
	}
	return nil
}

// accountIDs returns the distinct account ids referenced by the postings.
func (in CreateEntryInput) accountIDs() []int64 {
	seen := make(map[int64]struct{}, len(in.Postings))
	ids := make([]int64, 0, len(in.Postings))
	for _, p := range in.Postings {
		if _, ok := seen[p.AccountID]; ok {
			continue
		}
		seen[p.AccountID] = struct{}{}
		ids = append(ids, p.AccountID)
	}
	return ids
}
