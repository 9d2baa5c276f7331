package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
)

// Code is a stable machine-readable identifier for a business-rule failure.
type Code string

const (
	CodeUnbalancedEntry      Code = "UNBALANCED_ENTRY"
	CodeClosedPeriod         Code = "CLOSED_PERIOD"
	CodeInvalidAccount       Code = "INVALID_ACCOUNT"
	CodeInvalidPayload       Code = "INVALID_PAYLOAD"
	CodeInsufficientFunds    Code = "INSUFFICIENT_FUNDS"
	CodeDuplicatePayment     Code = "DUPLICATE_PAYMENT"
	CodeVendorInactive       Code = "VENDOR_INACTIVE"
	CodeBillAlreadyPaid      Code = "BILL_ALREADY_PAID"
	CodeAuthorizationLimit   Code = "AUTHORIZATION_LIMIT"
	CodeTrialBalanceMismatch Code = "TRIAL_BALANCE_MISMATCH"
	CodeTrustIntegrity       Code = "TRUST_INTEGRITY"
)

// DomainError is a business-rule failure carrying a stable code. A step
// raising one always routes its saga to the failure path; the code survives
// into the saga record and emitted events.
type DomainError struct {
	Code    Code
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError builds a DomainError with a formatted message.
func NewDomainError(code Code, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the domain code from an error chain, or empty when the
// error is infrastructural.
func CodeOf(err error) Code {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsDomain reports whether err is a business-rule failure rather than an
// infrastructure one. The orchestrator treats both identically on the
// failure path; HTTP handlers use this to pick a status code.
func IsDomain(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}
