package periods

import (
	"context"
	"errors"
	"time"

	"github.com/propledger/propledger/internal/shared"
)

// Service owns the accounting-period lifecycle.
type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) Get(ctx context.Context, id int64) (Period, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) FindOpenByDate(ctx context.Context, date time.Time) (Period, error) {
	return s.repo.FindOpenByDate(ctx, date)
}

// Close sets the closed flag. Closing an already-closed period is a no-op,
// not an error, so retried saga steps stay idempotent.
func (s *Service) Close(ctx context.Context, id int64, closedBy string) (Period, error) {
	if _, err := s.repo.Close(ctx, id, closedBy, s.now()); err != nil {
		return Period{}, err
	}
	return s.repo.Get(ctx, id)
}

// EnsureOpen returns a closed-period domain error when the period rejects
// postings.
func (s *Service) EnsureOpen(ctx context.Context, id int64) error {
	period, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NewDomainError(shared.CodeClosedPeriod, "period %d does not exist", id)
		}
		return err
	}
	if period.Closed {
		return shared.NewDomainError(shared.CodeClosedPeriod, "period %s is closed", period.Code)
	}
	return nil
}
