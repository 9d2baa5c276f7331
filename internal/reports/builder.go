package reports

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/propledger/propledger/internal/ledger"
	"github.com/propledger/propledger/internal/periods"
)

// Builder assembles the three close artifacts from derived ledger sums.
type Builder struct {
	ledger  *ledger.Service
	periods *periods.Service
	repo    Repository
}

func NewBuilder(ledgerSvc *ledger.Service, periodSvc *periods.Service, repo Repository) *Builder {
	return &Builder{ledger: ledgerSvc, periods: periodSvc, repo: repo}
}

// Build generates and persists all artifacts for the period. Safe to re-run;
// existing artifacts are kept untouched.
func (b *Builder) Build(ctx context.Context, periodID int64, sagaID string) ([]Artifact, error) {
	period, err := b.periods.Get(ctx, periodID)
	if err != nil {
		return nil, err
	}

	// The two ledger scans are independent; run them together.
	var (
		activity []ledger.AccountActivity
		totals   map[ledger.AccountType]decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		activity, err = b.ledger.PeriodActivity(gctx, periodID, nil)
		return err
	})
	g.Go(func() error {
		var err error
		totals, err = b.ledger.TypeTotals(gctx, period.EndDate)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tbRows := make([]TrialBalanceRow, 0, len(activity))
	revenue := decimal.Zero
	expenses := decimal.Zero
	for _, act := range activity {
		tbRows = append(tbRows, TrialBalanceRow{
			AccountID: act.AccountID,
			Type:      string(act.Type),
			Balance:   act.Balance.StringFixed(2),
		})
		switch act.Type {
		case ledger.AccountTypeRevenue:
			revenue = revenue.Add(act.Balance)
		case ledger.AccountTypeExpense:
			expenses = expenses.Add(act.Balance)
		}
	}

	sheet := BalanceSheet{
		AsOf:        period.EndDate.Format("2006-01-02"),
		Assets:      totals[ledger.AccountTypeAsset].StringFixed(2),
		Liabilities: totals[ledger.AccountTypeLiability].Neg().StringFixed(2),
		Equity:      totals[ledger.AccountTypeEquity].Neg().StringFixed(2),
	}
	statement := IncomeStatement{
		PeriodID:  periodID,
		Revenue:   revenue.Neg().StringFixed(2),
		Expenses:  expenses.StringFixed(2),
		NetIncome: revenue.Neg().Sub(expenses).StringFixed(2),
	}

	out := make([]Artifact, 0, 3)
	for _, pair := range []struct {
		kind string
		data any
	}{
		{KindTrialBalance, tbRows},
		{KindBalanceSheet, sheet},
		{KindIncomeStatement, statement},
	} {
		art, err := b.repo.Upsert(ctx, periodID, sagaID, pair.kind, pair.data)
		if err != nil {
			return nil, err
		}
		out = append(out, art)
	}
	return out, nil
}
