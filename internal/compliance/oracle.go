// Package compliance exposes the regulatory lookups the sagas consult.
// The real rule tables live in an external service; from the saga's point
// of view these are pure, stateless reads.
package compliance

import (
	"context"

	"github.com/shopspring/decimal"
)

// Oracle provides compliance threshold lookups.
type Oracle interface {
	// Get1099Threshold returns the year-to-date amount at which 1099
	// reporting obligations begin.
	Get1099Threshold(ctx context.Context) (decimal.Decimal, error)
	// GetPaymentAuthorizationLimit returns the largest payment the system
	// may issue without out-of-band approval.
	GetPaymentAuthorizationLimit(ctx context.Context) (decimal.Decimal, error)
}

// StaticOracle serves fixed values from configuration. Deployments that
// integrate the external compliance service replace this implementation.
type StaticOracle struct {
	Threshold1099 decimal.Decimal
	AuthLimit     decimal.Decimal
}

func (o StaticOracle) Get1099Threshold(context.Context) (decimal.Decimal, error) {
	return o.Threshold1099, nil
}

func (o StaticOracle) GetPaymentAuthorizationLimit(context.Context) (decimal.Decimal, error) {
	return o.AuthLimit, nil
}
