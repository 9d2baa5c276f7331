// Package owners provides the read side of owner and property master data
// consumed by the bill pay saga's allocation checks.
package owners

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propledger/propledger/internal/shared"
)

// Owner is a property owner whose trust funds pay expenses.
type Owner struct {
	ID    int64
	Name  string
	Email string
}

// Property is a managed property.
type Property struct {
	ID      int64
	Name    string
	OwnerID int64
}

// Repository resolves owners and properties.
type Repository interface {
	GetOwner(ctx context.Context, id int64) (Owner, error)
	GetProperty(ctx context.Context, id int64) (Property, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) GetOwner(ctx context.Context, id int64) (Owner, error) {
	var o Owner
	err := r.db.QueryRow(ctx, `SELECT id, name, email FROM owners WHERE id=$1`, id).Scan(&o.ID, &o.Name, &o.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Owner{}, shared.ErrNotFound
		}
		return Owner{}, err
	}
	return o, nil
}

func (r *repository) GetProperty(ctx context.Context, id int64) (Property, error) {
	var p Property
	err := r.db.QueryRow(ctx, `SELECT id, name, owner_id FROM properties WHERE id=$1`, id).Scan(&p.ID, &p.Name, &p.OwnerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Property{}, shared.ErrNotFound
		}
		return Property{}, err
	}
	return p, nil
}
