package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/propledger/propledger/internal/periods"
	"github.com/propledger/propledger/internal/shared"
)

// Repository encapsulates DB operations for the ledger. Entry creation runs
// through WithTx so the entry and all its postings land atomically.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetEntryWithPostings(ctx context.Context, entryID int64) (JournalEntry, error)
	FindEntryBySaga(ctx context.Context, sagaID string, entryType string) (JournalEntry, bool, error)
	GetAccount(ctx context.Context, id int64) (Account, error)
	FindAccountBySubtype(ctx context.Context, subtype string) (Account, error)

	AccountBalance(ctx context.Context, accountID int64, asOf *time.Time) (decimal.Decimal, error)
	OwnerAvailableBalance(ctx context.Context, ownerID, propertyID int64) (decimal.Decimal, error)
	OwnerBalancesTotal(ctx context.Context) (decimal.Decimal, error)
	SubtypeBalance(ctx context.Context, subtype string) (decimal.Decimal, error)
	TrialBalanceTotal(ctx context.Context, periodID int64) (decimal.Decimal, error)
	PeriodActivity(ctx context.Context, periodID int64, types []AccountType) ([]AccountActivity, error)
	// TypeTotals sums postings per account type as of a date, for statement
	// artifacts.
	TypeTotals(ctx context.Context, asOf time.Time) (map[AccountType]decimal.Decimal, error)
}

// TxRepository exposes methods available within a posting transaction.
type TxRepository interface {
	GetPeriodForUpdate(ctx context.Context, periodID int64) (periods.Period, error)
	FindOpenPeriodByDate(ctx context.Context, date time.Time) (periods.Period, error)
	MissingAccounts(ctx context.Context, ids []int64) ([]int64, error)
	InsertEntry(ctx context.Context, in CreateEntryInput) (JournalEntry, error)
	InsertPostings(ctx context.Context, entryID int64, postings []PostingInput) ([]Posting, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	if err := fn(ctx, &txRepository{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const entryColumns = `id, date, type, description, period_id, metadata, reverses_entry_id, created_at`

func scanEntry(row pgx.Row) (JournalEntry, error) {
	var e JournalEntry
	err := row.Scan(&e.ID, &e.Date, &e.Type, &e.Description, &e.PeriodID, &e.Metadata, &e.ReversesEntryID, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, shared.ErrNotFound
		}
		return JournalEntry{}, err
	}
	return e, nil
}

func (r *repository) GetEntryWithPostings(ctx context.Context, entryID int64) (JournalEntry, error) {
	entry, err := scanEntry(r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1`, entryID))
	if err != nil {
		return JournalEntry{}, err
	}
	postings, err := r.postingsFor(ctx, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	entry.Postings = postings
	return entry, nil
}

// FindEntryBySaga is the idempotency probe: a step re-run with the same
// payload finds the entry it already created instead of posting twice.
func (r *repository) FindEntryBySaga(ctx context.Context, sagaID string, entryType string) (JournalEntry, bool, error) {
	entry, err := scanEntry(r.db.QueryRow(ctx, `SELECT `+entryColumns+`
FROM journal_entries WHERE metadata->>'saga_id'=$1 AND type=$2 ORDER BY id LIMIT 1`, sagaID, entryType))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return JournalEntry{}, false, nil
		}
		return JournalEntry{}, false, err
	}
	postings, err := r.postingsFor(ctx, entry.ID)
	if err != nil {
		return JournalEntry{}, false, err
	}
	entry.Postings = postings
	return entry, true, nil
}

func (r *repository) postingsFor(ctx context.Context, entryID int64) ([]Posting, error) {
	rows, err := r.db.Query(ctx, `SELECT id, entry_id, account_id, amount, property_id, owner_id, vendor_id, created_at
FROM postings WHERE entry_id=$1 ORDER BY id`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var postings []Posting
	for rows.Next() {
		var p Posting
		if err := rows.Scan(&p.ID, &p.EntryID, &p.AccountID, &p.Amount, &p.PropertyID, &p.OwnerID, &p.VendorID, &p.CreatedAt); err != nil {
			return nil, err
		}
		postings = append(postings, p)
	}
	return postings, rows.Err()
}

func (r *repository) GetAccount(ctx context.Context, id int64) (Account, error) {
	var a Account
	err := r.db.QueryRow(ctx, `SELECT id, code, name, type, subtype, created_at FROM accounts WHERE id=$1`, id).
		Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.Subtype, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, shared.ErrNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func (r *repository) FindAccountBySubtype(ctx context.Context, subtype string) (Account, error) {
	var a Account
	err := r.db.QueryRow(ctx, `SELECT id, code, name, type, subtype, created_at FROM accounts WHERE subtype=$1 ORDER BY id LIMIT 1`, subtype).
		Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.Subtype, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, shared.ErrNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func (r *repository) AccountBalance(ctx context.Context, accountID int64, asOf *time.Time) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(p.amount), 0) FROM postings p
JOIN journal_entries e ON e.id = p.entry_id WHERE p.account_id=$1`
	args := []any{accountID}
	if asOf != nil {
		query += ` AND e.date <= $2`
		args = append(args, *asOf)
	}
	var sum decimal.Decimal
	if err := r.db.QueryRow(ctx, query, args...).Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

// OwnerAvailableBalance derives the funds an owner holds for a property.
// Owner contributions post as credits carrying the (owner, property) dims,
// expenses as debits, so the available balance is the negated sum.
func (r *repository) OwnerAvailableBalance(ctx context.Context, ownerID, propertyID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM postings
WHERE owner_id=$1 AND property_id=$2`, ownerID, propertyID).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum.Neg(), nil
}

func (r *repository) OwnerBalancesTotal(ctx context.Context) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM postings WHERE owner_id IS NOT NULL`).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum.Neg(), nil
}

func (r *repository) SubtypeBalance(ctx context.Context, subtype string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(p.amount), 0) FROM postings p
JOIN accounts a ON a.id = p.account_id WHERE a.subtype=$1`, subtype).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func (r *repository) TrialBalanceTotal(ctx context.Context, periodID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(p.amount), 0) FROM postings p
JOIN journal_entries e ON e.id = p.entry_id WHERE e.period_id=$1`, periodID).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func (r *repository) PeriodActivity(ctx context.Context, periodID int64, types []AccountType) ([]AccountActivity, error) {
	query := `SELECT a.id, a.type, COALESCE(SUM(p.amount), 0)
FROM postings p
JOIN journal_entries e ON e.id = p.entry_id
JOIN accounts a ON a.id = p.account_id
WHERE e.period_id=$1`
	args := []any{periodID}
	if len(types) > 0 {
		query += ` AND a.type = ANY($2)`
		names := make([]string, 0, len(types))
		for _, t := range types {
			names = append(names, string(t))
		}
		args = append(args, names)
	}
	query += ` GROUP BY a.id, a.type ORDER BY a.id`
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountActivity
	for rows.Next() {
		var act AccountActivity
		if err := rows.Scan(&act.AccountID, &act.Type, &act.Balance); err != nil {
			return nil, err
		}
		out = append(out, act)
	}
	return out, rows.Err()
}

func (r *repository) TypeTotals(ctx context.Context, asOf time.Time) (map[AccountType]decimal.Decimal, error) {
	rows, err := r.db.Query(ctx, `SELECT a.type, COALESCE(SUM(p.amount), 0)
FROM postings p
JOIN journal_entries e ON e.id = p.entry_id
JOIN accounts a ON a.id = p.account_id
WHERE e.date <= $1
GROUP BY a.type`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	totals := make(map[AccountType]decimal.Decimal)
	for rows.Next() {
		var t AccountType
		var sum decimal.Decimal
		if err := rows.Scan(&t, &sum); err != nil {
			return nil, err
		}
		totals[t] = sum
	}
	return totals, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

// GetPeriodForUpdate locks the period row for the duration of the posting
// transaction so a concurrent close cannot slip between the open check and
// the insert.
func (r *txRepository) GetPeriodForUpdate(ctx context.Context, periodID int64) (periods.Period, error) {
	var p periods.Period
	err := r.tx.QueryRow(ctx, `SELECT id, code, start_date, end_date, closed, closed_at, closed_by, created_at, updated_at
FROM periods WHERE id=$1 FOR UPDATE`, periodID).
		Scan(&p.ID, &p.Code, &p.StartDate, &p.EndDate, &p.Closed, &p.ClosedAt, &p.ClosedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return periods.Period{}, shared.ErrNotFound
		}
		return periods.Period{}, err
	}
	return p, nil
}

func (r *txRepository) FindOpenPeriodByDate(ctx context.Context, date time.Time) (periods.Period, error) {
	var p periods.Period
	err := r.tx.QueryRow(ctx, `SELECT id, code, start_date, end_date, closed, closed_at, closed_by, created_at, updated_at
FROM periods WHERE closed=false AND $1 BETWEEN start_date AND end_date ORDER BY start_date LIMIT 1 FOR UPDATE`, date).
		Scan(&p.ID, &p.Code, &p.StartDate, &p.EndDate, &p.Closed, &p.ClosedAt, &p.ClosedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return periods.Period{}, shared.ErrNotFound
		}
		return periods.Period{}, err
	}
	return p, nil
}

func (r *txRepository) MissingAccounts(ctx context.Context, ids []int64) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT id FROM accounts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := make(map[int64]struct{}, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var missing []int64
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (r *txRepository) InsertEntry(ctx context.Context, in CreateEntryInput) (JournalEntry, error) {
	meta := in.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_entries (date, type, description, period_id, metadata, reverses_entry_id)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at`, in.Date, in.Type, in.Description, in.PeriodID, meta, in.ReversesEntryID)
	entry := JournalEntry{
		Date:            in.Date,
		Type:            in.Type,
		Description:     in.Description,
		PeriodID:        in.PeriodID,
		Metadata:        meta,
		ReversesEntryID: in.ReversesEntryID,
	}
	if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) InsertPostings(ctx context.Context, entryID int64, postings []PostingInput) ([]Posting, error) {
	out := make([]Posting, 0, len(postings))
	for _, p := range postings {
		row := r.tx.QueryRow(ctx, `INSERT INTO postings (entry_id, account_id, amount, property_id, owner_id, vendor_id)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id, created_at`, entryID, p.AccountID, p.Amount, p.PropertyID, p.OwnerID, p.VendorID)
		posting := Posting{
			EntryID:    entryID,
			AccountID:  p.AccountID,
			Amount:     p.Amount,
			PropertyID: p.PropertyID,
			OwnerID:    p.OwnerID,
			VendorID:   p.VendorID,
		}
		if err := row.Scan(&posting.ID, &posting.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, posting)
	}
	return out, nil
}
