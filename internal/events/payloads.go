package events

// PaymentInstruction is handed to the bank-rail collaborator. No synchronous
// response is consumed; the rail reports back out of band.
type PaymentInstruction struct {
	SagaID         string `json:"saga_id"`
	PaymentID      int64  `json:"payment_id"`
	VendorID       int64  `json:"vendor_id"`
	Amount         string `json:"amount"`
	Method         string `json:"method"`
	CheckNumber    string `json:"check_number,omitempty"`
	ACHTraceNumber string `json:"ach_trace_number,omitempty"`
	WireReference  string `json:"wire_reference,omitempty"`
}

// Notification is consumed by the notification collaborator.
type Notification struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	SagaID    string `json:"saga_id,omitempty"`
}

// ThresholdReached announces a vendor crossing the 1099 reporting threshold.
type ThresholdReached struct {
	VendorID  int64  `json:"vendor_id"`
	TaxYear   int    `json:"tax_year"`
	YTDAmount string `json:"ytd_amount"`
	Threshold string `json:"threshold"`
}

// SagaResult announces a saga reaching a terminal state.
type SagaResult struct {
	SagaID         string `json:"saga_id"`
	TraceID        string `json:"trace_id,omitempty"`
	JournalEntryID int64  `json:"journal_entry_id,omitempty"`
	PeriodID       int64  `json:"period_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}
