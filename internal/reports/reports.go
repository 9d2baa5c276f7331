// Package reports produces the immutable artifacts a period close leaves
// behind. Artifacts reference a closed period and are never regenerated in
// place; a re-run of the generating step finds its existing rows.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Artifact kinds.
const (
	KindTrialBalance    = "trial_balance"
	KindBalanceSheet    = "balance_sheet"
	KindIncomeStatement = "income_statement"
)

// Artifact is one immutable report document.
type Artifact struct {
	ID        int64
	PeriodID  int64
	SagaID    string
	Kind      string
	Data      json.RawMessage
	CreatedAt time.Time
}

// TrialBalanceRow is one line of the trial balance artifact.
type TrialBalanceRow struct {
	AccountID int64  `json:"account_id"`
	Type      string `json:"type"`
	Balance   string `json:"balance"`
}

// BalanceSheet summarises cumulative balances as of the period end.
type BalanceSheet struct {
	AsOf        string `json:"as_of"`
	Assets      string `json:"assets"`
	Liabilities string `json:"liabilities"`
	Equity      string `json:"equity"`
}

// IncomeStatement summarises the period's operations.
type IncomeStatement struct {
	PeriodID  int64  `json:"period_id"`
	Revenue   string `json:"revenue"`
	Expenses  string `json:"expenses"`
	NetIncome string `json:"net_income"`
}

// Repository persists artifacts keyed by (period, kind).
type Repository interface {
	// Upsert stores an artifact unless one already exists for the period and
	// kind; the existing artifact wins because closed-period reports are
	// immutable.
	Upsert(ctx context.Context, periodID int64, sagaID, kind string, data any) (Artifact, error)
	ListByPeriod(ctx context.Context, periodID int64) ([]Artifact, error)
}

type repository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db, now: time.Now}
}

func (r *repository) Upsert(ctx context.Context, periodID int64, sagaID, kind string, data any) (Artifact, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Artifact{}, err
	}
	art := Artifact{PeriodID: periodID, SagaID: sagaID, Kind: kind, Data: raw}
	err = r.db.QueryRow(ctx, `INSERT INTO report_artifacts (period_id, saga_id, kind, data, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (period_id, kind) DO NOTHING
RETURNING id, created_at`, periodID, sagaID, kind, raw, r.now()).Scan(&art.ID, &art.CreatedAt)
	if err == nil {
		return art, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Artifact{}, err
	}
	err = r.db.QueryRow(ctx, `SELECT id, period_id, saga_id, kind, data, created_at
FROM report_artifacts WHERE period_id=$1 AND kind=$2`, periodID, kind).
		Scan(&art.ID, &art.PeriodID, &art.SagaID, &art.Kind, &art.Data, &art.CreatedAt)
	if err != nil {
		return Artifact{}, err
	}
	return art, nil
}

func (r *repository) ListByPeriod(ctx context.Context, periodID int64) ([]Artifact, error) {
	rows, err := r.db.Query(ctx, `SELECT id, period_id, saga_id, kind, data, created_at
FROM report_artifacts WHERE period_id=$1 ORDER BY kind`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.PeriodID, &a.SagaID, &a.Kind, &a.Data, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
