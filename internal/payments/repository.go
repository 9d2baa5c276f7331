package payments

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/propledger/propledger/internal/shared"
)

// ClaimInput identifies the invoice a starting saga wants to pay.
type ClaimInput struct {
	SagaID        string
	VendorID      int64
	BillID        *int64
	InvoiceNumber string
	Amount        decimal.Decimal
	Method        Method
}

// CreateInput captures the fields of a new payment record.
type CreateInput struct {
	SagaID         string
	VendorID       int64
	BillID         *int64
	InvoiceNumber  string
	Amount         decimal.Decimal
	Method         Method
	CheckNumber    *string
	ACHTraceNumber *string
	WireReference  *string
	JournalEntryID int64
}

// Repository persists vendor payments and 1099 accumulators.
type Repository interface {
	// ClaimInvoice inserts the pending payment row before the saga starts.
	// The unique index on non-voided (vendor_id, invoice_number) rows is the
	// at-most-once boundary per invoice: a second claim fails with
	// DUPLICATE_PAYMENT no matter how far the first saga has progressed.
	// Re-claiming with the same saga id is a no-op.
	ClaimInvoice(ctx context.Context, in ClaimInput) error
	// ReleaseClaim voids a claim that never became a saga, freeing the
	// invoice for resubmission. A claim past pending is left alone.
	ReleaseClaim(ctx context.Context, sagaID string) error
	// UpsertBySaga fills the payment instrument onto the saga's claimed row,
	// inserting the row if no claim exists. Safe to re-run; the instrument
	// is derived deterministically from the saga id by the caller.
	UpsertBySaga(ctx context.Context, in CreateInput) (VendorPayment, error)
	GetBySaga(ctx context.Context, sagaID string) (VendorPayment, error)
	SetStatus(ctx context.Context, id int64, status Status) error

	// AddYTDBySaga additively updates the (vendor, tax year) accumulator at
	// most once per saga and returns the new total. A re-run of the step
	// finds its contribution row, leaves the total unchanged and reports
	// added=false.
	AddYTDBySaga(ctx context.Context, sagaID string, vendorID int64, taxYear int, amount decimal.Decimal) (total decimal.Decimal, added bool, err error)
	// RemoveYTDBySaga reverts a saga's contribution, flooring the
	// accumulator at zero. Removing an absent contribution is a no-op.
	RemoveYTDBySaga(ctx context.Context, sagaID string) (decimal.Decimal, error)
	GetYTD(ctx context.Context, vendorID int64, taxYear int) (decimal.Decimal, error)
}

type repository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db, now: time.Now}
}

const paymentColumns = `id, saga_id, vendor_id, bill_id, invoice_number, amount, method, status, check_number, ach_trace_number, wire_reference, journal_entry_id, created_at, updated_at`

func scanPayment(row pgx.Row) (VendorPayment, error) {
	var p VendorPayment
	err := row.Scan(&p.ID, &p.SagaID, &p.VendorID, &p.BillID, &p.InvoiceNumber, &p.Amount, &p.Method, &p.Status,
		&p.CheckNumber, &p.ACHTraceNumber, &p.WireReference, &p.JournalEntryID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VendorPayment{}, shared.ErrNotFound
		}
		return VendorPayment{}, err
	}
	return p, nil
}

func (r *repository) ClaimInvoice(ctx context.Context, in ClaimInput) error {
	now := r.now()
	_, err := r.db.Exec(ctx, `INSERT INTO vendor_payments
(saga_id, vendor_id, bill_id, invoice_number, amount, method, status, journal_entry_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,'pending',0,$7,$7)
ON CONFLICT (saga_id) DO NOTHING`,
		in.SagaID, in.VendorID, in.BillID, in.InvoiceNumber, in.Amount, in.Method, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return shared.NewDomainError(shared.CodeDuplicatePayment,
				"invoice %s for vendor %d already has a payment", in.InvoiceNumber, in.VendorID)
		}
		return err
	}
	return nil
}

func (r *repository) ReleaseClaim(ctx context.Context, sagaID string) error {
	_, err := r.db.Exec(ctx, `UPDATE vendor_payments SET status='voided', updated_at=$2
WHERE saga_id=$1 AND status='pending' AND journal_entry_id=0`, sagaID, r.now())
	return err
}

func (r *repository) UpsertBySaga(ctx context.Context, in CreateInput) (VendorPayment, error) {
	now := r.now()
	row := r.db.QueryRow(ctx, `INSERT INTO vendor_payments
(saga_id, vendor_id, bill_id, invoice_number, amount, method, status, check_number, ach_trace_number, wire_reference, journal_entry_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,'pending',$7,$8,$9,$10,$11,$11)
ON CONFLICT (saga_id) DO UPDATE SET
bill_id=EXCLUDED.bill_id, check_number=EXCLUDED.check_number,
ach_trace_number=EXCLUDED.ach_trace_number, wire_reference=EXCLUDED.wire_reference,
journal_entry_id=EXCLUDED.journal_entry_id, updated_at=EXCLUDED.updated_at
RETURNING `+paymentColumns,
		in.SagaID, in.VendorID, in.BillID, in.InvoiceNumber, in.Amount, in.Method,
		in.CheckNumber, in.ACHTraceNumber, in.WireReference, in.JournalEntryID, now)
	return scanPayment(row)
}

func (r *repository) GetBySaga(ctx context.Context, sagaID string) (VendorPayment, error) {
	return scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM vendor_payments WHERE saga_id=$1`, sagaID))
}

func (r *repository) SetStatus(ctx context.Context, id int64, status Status) error {
	cmd, err := r.db.Exec(ctx, `UPDATE vendor_payments SET status=$2, updated_at=$3 WHERE id=$1`, id, status, r.now())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *repository) AddYTDBySaga(ctx context.Context, sagaID string, vendorID int64, taxYear int, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	var (
		total decimal.Decimal
		added bool
	)
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, `INSERT INTO vendor_1099_entries (saga_id, vendor_id, tax_year, amount, created_at)
VALUES ($1,$2,$3,$4,$5) ON CONFLICT (saga_id) DO NOTHING`, sagaID, vendorID, taxYear, amount, r.now())
		if err != nil {
			return err
		}
		added = cmd.RowsAffected() > 0
		if added {
			if _, err := tx.Exec(ctx, `INSERT INTO vendor_1099_tracking (vendor_id, tax_year, ytd_amount, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (vendor_id, tax_year) DO UPDATE SET ytd_amount = vendor_1099_tracking.ytd_amount + EXCLUDED.ytd_amount, updated_at = EXCLUDED.updated_at`,
				vendorID, taxYear, amount, r.now()); err != nil {
				return err
			}
		}
		return tx.QueryRow(ctx, `SELECT ytd_amount FROM vendor_1099_tracking WHERE vendor_id=$1 AND tax_year=$2`,
			vendorID, taxYear).Scan(&total)
	})
	if err != nil {
		return decimal.Zero, false, err
	}
	return total, added, nil
}

func (r *repository) RemoveYTDBySaga(ctx context.Context, sagaID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var (
			vendorID int64
			taxYear  int
			amount   decimal.Decimal
		)
		err := tx.QueryRow(ctx, `DELETE FROM vendor_1099_entries WHERE saga_id=$1
RETURNING vendor_id, tax_year, amount`, sagaID).Scan(&vendorID, &taxYear, &amount)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		return tx.QueryRow(ctx, `UPDATE vendor_1099_tracking
SET ytd_amount = GREATEST(ytd_amount - $3, 0), updated_at = $4
WHERE vendor_id=$1 AND tax_year=$2
RETURNING ytd_amount`, vendorID, taxYear, amount, r.now()).Scan(&total)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (r *repository) GetYTD(ctx context.Context, vendorID int64, taxYear int) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT ytd_amount FROM vendor_1099_tracking WHERE vendor_id=$1 AND tax_year=$2`, vendorID, taxYear).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return total, nil
}
