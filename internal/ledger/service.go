package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propledger/propledger/internal/shared"
)

// Service is the ledger engine. It is the only writer of journal entries
// and postings; every money movement in the system flows through
// CreateEntry, which enforces the zero-sum invariant.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateEntry validates and durably persists a journal entry with all of
// its postings as one atomic unit. The target period is locked for the
// duration of the transaction; a closed period rejects the posting.
func (s *Service) CreateEntry(ctx context.Context, in CreateEntryInput) (JournalEntry, error) {
	if err := in.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period, err := s.resolvePeriod(ctx, tx, in)
		if err != nil {
			return err
		}
		if period.Closed {
			return shared.NewDomainError(shared.CodeClosedPeriod, "period %s is closed", period.Code)
		}
		if in.Date.Before(period.StartDate) || in.Date.After(period.EndDate) {
			return fmt.Errorf("ledger: entry date %s outside period %s", in.Date.Format("2006-01-02"), period.Code)
		}
		in.PeriodID = period.ID

		missing, err := tx.MissingAccounts(ctx, in.accountIDs())
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return shared.NewDomainError(shared.CodeInvalidAccount, "unknown accounts %v", missing)
		}

		inserted, err := tx.InsertEntry(ctx, in)
		if err != nil {
			return err
		}
		postings, err := tx.InsertPostings(ctx, inserted.ID, in.Postings)
		if err != nil {
			return err
		}
		inserted.Postings = postings
		entry = inserted
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.logger.Info("journal entry posted",
		slog.Int64("entry_id", entry.ID),
		slog.String("type", entry.Type),
		slog.Int("postings", len(entry.Postings)))
	return entry, nil
}

func (s *Service) resolvePeriod(ctx context.Context, tx TxRepository, in CreateEntryInput) (period periodView, err error) {
	if in.PeriodID != 0 {
		p, err := tx.GetPeriodForUpdate(ctx, in.PeriodID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return periodView{}, shared.NewDomainError(shared.CodeClosedPeriod, "period %d does not exist", in.PeriodID)
			}
			return periodView{}, err
		}
		return periodView{ID: p.ID, Code: p.Code, StartDate: p.StartDate, EndDate: p.EndDate, Closed: p.Closed}, nil
	}
	p, err := tx.FindOpenPeriodByDate(ctx, in.Date)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return periodView{}, shared.NewDomainError(shared.CodeClosedPeriod, "no open period covers %s", in.Date.Format("2006-01-02"))
		}
		return periodView{}, err
	}
	return periodView{ID: p.ID, Code: p.Code, StartDate: p.StartDate, EndDate: p.EndDate, Closed: p.Closed}, nil
}

type periodView struct {
	ID        int64
	Code      string
	StartDate time.Time
	EndDate   time.Time
	Closed    bool
}

// ReverseEntry creates a new entry with every posting amount negated and a
// back-reference to the original. The reversal runs through CreateEntry so
// the balance invariant is re-verified rather than assumed.
func (s *Service) ReverseEntry(ctx context.Context, entryID int64, reversalDate time.Time, reason string) (JournalEntry, error) {
	original, err := s.repo.GetEntryWithPostings(ctx, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	postings := make([]PostingInput, 0, len(original.Postings))
	for _, p := range original.Postings {
		postings = append(postings, PostingInput{
			AccountID:  p.AccountID,
			Amount:     p.Amount.Neg(),
			PropertyID: p.PropertyID,
			OwnerID:    p.OwnerID,
			VendorID:   p.VendorID,
		})
	}
	meta := map[string]any{"reversal_reason": reason}
	for k, v := range original.Metadata {
		meta[k] = v
	}
	originalID := original.ID
	return s.CreateEntry(ctx, CreateEntryInput{
		Date:            reversalDate,
		Type:            EntryTypeReversal,
		Description:     fmt.Sprintf("Reversal of entry %d: %s", original.ID, reason),
		Metadata:        meta,
		ReversesEntryID: &originalID,
		Postings:        postings,
	})
}

// GetEntry returns an entry with its postings.
func (s *Service) GetEntry(ctx context.Context, entryID int64) (JournalEntry, error) {
	return s.repo.GetEntryWithPostings(ctx, entryID)
}

// FindEntryBySaga locates the entry a saga already created, if any.
func (s *Service) FindEntryBySaga(ctx context.Context, sagaID string, entryType string) (JournalEntry, bool, error) {
	return s.repo.FindEntryBySaga(ctx, sagaID, entryType)
}

// AccountBalance returns the derived balance of an account, optionally as
// of a date. Balances are read-many, write-never-directly.
func (s *Service) AccountBalance(ctx context.Context, accountID int64, asOf *time.Time) (decimal.Decimal, error) {
	return s.repo.AccountBalance(ctx, accountID, asOf)
}

// OwnerAvailableBalance returns the funds an owner holds for a property.
func (s *Service) OwnerAvailableBalance(ctx context.Context, ownerID, propertyID int64) (decimal.Decimal, error) {
	return s.repo.OwnerAvailableBalance(ctx, ownerID, propertyID)
}

// TrialBalanceTotal sums every posting in the period. Zero means the books
// balance.
func (s *Service) TrialBalanceTotal(ctx context.Context, periodID int64) (decimal.Decimal, error) {
	return s.repo.TrialBalanceTotal(ctx, periodID)
}

// PeriodActivity returns per-account posting sums for the period,
// optionally restricted to account types.
func (s *Service) PeriodActivity(ctx context.Context, periodID int64, types []AccountType) ([]AccountActivity, error) {
	return s.repo.PeriodActivity(ctx, periodID, types)
}

// TypeTotals sums postings per account type as of a date.
func (s *Service) TypeTotals(ctx context.Context, asOf time.Time) (map[AccountType]decimal.Decimal, error) {
	return s.repo.TypeTotals(ctx, asOf)
}

// GetAccount loads one chart-of-accounts row.
func (s *Service) GetAccount(ctx context.Context, id int64) (Account, error) {
	return s.repo.GetAccount(ctx, id)
}

// TrustAccount returns the trust bank account.
func (s *Service) TrustAccount(ctx context.Context) (Account, error) {
	return s.repo.FindAccountBySubtype(ctx, SubtypeTrustBank)
}

// RetainedEarningsAccount returns the equity account closing entries post to.
func (s *Service) RetainedEarningsAccount(ctx context.Context) (Account, error) {
	return s.repo.FindAccountBySubtype(ctx, SubtypeRetainedEarnings)
}

// TrustIntegrity verifies that owner balances plus tenant deposits plus
// outstanding checks equal the trust bank balance. A mismatch means trust
// money is unaccounted for and blocks a period close.
func (s *Service) TrustIntegrity(ctx context.Context) error {
	ownerTotal, err := s.repo.OwnerBalancesTotal(ctx)
	if err != nil {
		return err
	}
	deposits, err := s.repo.SubtypeBalance(ctx, SubtypeTenantDeposits)
	if err != nil {
		return err
	}
	checks, err := s.repo.SubtypeBalance(ctx, SubtypeOutstandingChecks)
	if err != nil {
		return err
	}
	bank, err := s.repo.SubtypeBalance(ctx, SubtypeTrustBank)
	if err != nil {
		return err
	}
	// Liability subtypes carry credit (negative) balances; negate to compare
	// against the debit-positive bank balance.
	expected := ownerTotal.Add(deposits.Neg()).Add(checks.Neg())
	if !shared.WithinTolerance(expected.Sub(bank), shared.CentTolerance) {
		return shared.NewDomainError(shared.CodeTrustIntegrity,
			"trust accounts %s do not cover bank balance %s", expected.StringFixed(2), bank.StringFixed(2))
	}
	return nil
}
