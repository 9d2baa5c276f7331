package periods

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propledger/propledger/internal/shared"
)

// Repository encapsulates DB operations for accounting periods.
type Repository interface {
	Get(ctx context.Context, id int64) (Period, error)
	FindOpenByDate(ctx context.Context, date time.Time) (Period, error)
	// Close marks the period closed. Returns the number of rows changed so
	// the service can distinguish a first close from a repeat.
	Close(ctx context.Context, id int64, closedBy string, at time.Time) (bool, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const periodColumns = `id, code, start_date, end_date, closed, closed_at, closed_by, created_at, updated_at`

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	err := row.Scan(&p.ID, &p.Code, &p.StartDate, &p.EndDate, &p.Closed, &p.ClosedAt, &p.ClosedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, shared.ErrNotFound
		}
		return Period{}, err
	}
	return p, nil
}

func (r *repository) Get(ctx context.Context, id int64) (Period, error) {
	return scanPeriod(r.db.QueryRow(ctx, `SELECT `+periodColumns+` FROM periods WHERE id=$1`, id))
}

// FindOpenByDate returns the open period covering the supplied date.
func (r *repository) FindOpenByDate(ctx context.Context, date time.Time) (Period, error) {
	return scanPeriod(r.db.QueryRow(ctx, `SELECT `+periodColumns+`
FROM periods WHERE closed=false AND $1 BETWEEN start_date AND end_date ORDER BY start_date LIMIT 1`, date))
}

func (r *repository) Close(ctx context.Context, id int64, closedBy string, at time.Time) (bool, error) {
	cmd, err := r.db.Exec(ctx, `UPDATE periods SET closed=true, closed_at=$2, closed_by=$3, updated_at=$2
WHERE id=$1 AND closed=false`, id, at, closedBy)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}
