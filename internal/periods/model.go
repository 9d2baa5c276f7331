package periods

import "time"

// Period represents an accounting period window. A period transitions from
// open to closed exactly once; closed periods reject new postings.
type Period struct {
	ID        int64
	Code      string
	StartDate time.Time
	EndDate   time.Time
	Closed    bool
	ClosedAt  *time.Time
	ClosedBy  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}
