package vendors

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propledger/propledger/internal/shared"
)

// Repository reads vendors and bills and flips bill payment state.
type Repository interface {
	GetVendor(ctx context.Context, id int64) (Vendor, error)
	GetBill(ctx context.Context, id int64) (Bill, error)
	// MarkBillPaid links the journal entry; only an unpaid bill flips.
	MarkBillPaid(ctx context.Context, billID, journalEntryID int64) (bool, error)
	// MarkBillUnpaid reverts a bill during compensation.
	MarkBillUnpaid(ctx context.Context, billID int64) error
}

type repository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db, now: time.Now}
}

func (r *repository) GetVendor(ctx context.Context, id int64) (Vendor, error) {
	var v Vendor
	err := r.db.QueryRow(ctx, `SELECT id, name, email, active, requires_1099, created_at FROM vendors WHERE id=$1`, id).
		Scan(&v.ID, &v.Name, &v.Email, &v.Active, &v.Requires1099, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Vendor{}, shared.ErrNotFound
		}
		return Vendor{}, err
	}
	return v, nil
}

func (r *repository) GetBill(ctx context.Context, id int64) (Bill, error) {
	var b Bill
	err := r.db.QueryRow(ctx, `SELECT id, vendor_id, invoice_number, amount_due, status, journal_entry_id, created_at, updated_at
FROM bills WHERE id=$1`, id).
		Scan(&b.ID, &b.VendorID, &b.InvoiceNumber, &b.AmountDue, &b.Status, &b.JournalEntryID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bill{}, shared.ErrNotFound
		}
		return Bill{}, err
	}
	return b, nil
}

func (r *repository) MarkBillPaid(ctx context.Context, billID, journalEntryID int64) (bool, error) {
	cmd, err := r.db.Exec(ctx, `UPDATE bills SET status='paid', journal_entry_id=$2, updated_at=$3
WHERE id=$1 AND status='unpaid'`, billID, journalEntryID, r.now())
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *repository) MarkBillUnpaid(ctx context.Context, billID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE bills SET status='unpaid', journal_entry_id=NULL, updated_at=$2 WHERE id=$1`, billID, r.now())
	return err
}
