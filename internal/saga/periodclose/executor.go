package periodclose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propledger/propledger/internal/events"
	"github.com/propledger/propledger/internal/ledger"
	"github.com/propledger/propledger/internal/periods"
	"github.com/propledger/propledger/internal/reports"
	"github.com/propledger/propledger/internal/saga"
	"github.com/propledger/propledger/internal/shared"
)

// Step names in execution order.
const (
	StepValidateTrialBalance = "validate_trial_balance"
	StepRunDiagnostics       = "run_diagnostics"
	StepCalculateNetIncome   = "calculate_net_income"
	StepPostClosingEntry     = "post_closing_entry"
	StepLockPeriod           = "lock_period"
	StepGenerateReports      = "generate_reports"
)

// Steps is the fixed step sequence of a period close saga.
var Steps = []string{
	StepValidateTrialBalance,
	StepRunDiagnostics,
	StepCalculateNetIncome,
	StepPostClosingEntry,
	StepLockPeriod,
	StepGenerateReports,
}

// DefaultTimeout bounds a period close saga's heartbeat silence.
const DefaultTimeout = 10 * time.Minute

// Payload is the period close saga's enriched record.
type Payload struct {
	Version                   int             `json:"version"`
	PeriodID                  int64           `json:"period_id"`
	RetainedEarningsAccountID int64           `json:"retained_earnings_account_id"`
	NetIncome                 decimal.Decimal `json:"net_income,omitempty"`
	ClosingEntryID            int64           `json:"closing_entry_id,omitempty"`
	ReportArtifactIDs         []int64         `json:"report_artifact_ids,omitempty"`
}

// Validate enforces structural preconditions before Start.
func (p Payload) Validate() error {
	if p.PeriodID == 0 {
		return shared.NewDomainError(shared.CodeInvalidPayload, "period id required")
	}
	if p.RetainedEarningsAccountID == 0 {
		return shared.NewDomainError(shared.CodeInvalidPayload, "retained earnings account required")
	}
	return nil
}

// Executor implements the six-step period close. Pre-lock failures abort
// with the period left open and nothing to compensate; past the lock the
// close is an irreversible business fact, so this saga never compensates.
type Executor struct {
	ledger  *ledger.Service
	periods *periods.Service
	reports *reports.Builder
	bus     events.Bus
	logger  *slog.Logger
}

func NewExecutor(
	ledgerSvc *ledger.Service,
	periodSvc *periods.Service,
	reportBuilder *reports.Builder,
	bus events.Bus,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		ledger:  ledgerSvc,
		periods: periodSvc,
		reports: reportBuilder,
		bus:     bus,
		logger:  logger,
	}
}

func (e *Executor) Type() saga.Type { return saga.TypePeriodClose }

func (e *Executor) Steps() []string { return Steps }

// CompensateOnFailure is false: a pre-lock failure leaves nothing durable
// and a post-lock state is final. The only rollback is a reversing period,
// which is a separate business decision.
func (e *Executor) CompensateOnFailure() bool { return false }

// Compensate is intentionally a no-op.
func (e *Executor) Compensate(context.Context, saga.Saga) {}

func (e *Executor) Execute(ctx context.Context, sg saga.Saga) (json.RawMessage, error) {
	var p Payload
	if err := json.Unmarshal(sg.Payload, &p); err != nil {
		return nil, fmt.Errorf("periodclose: decode payload: %w", err)
	}
	var err error
	switch sg.StepName() {
	case StepValidateTrialBalance:
		err = e.validateTrialBalance(ctx, &p)
	case StepRunDiagnostics:
		err = e.runDiagnostics(ctx)
	case StepCalculateNetIncome:
		err = e.calculateNetIncome(ctx, &p)
	case StepPostClosingEntry:
		err = e.postClosingEntry(ctx, sg, &p)
	case StepLockPeriod:
		err = e.lockPeriod(ctx, sg, &p)
	case StepGenerateReports:
		err = e.generateReports(ctx, sg, &p)
	default:
		err = fmt.Errorf("periodclose: unknown step %q", sg.StepName())
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// validateTrialBalance requires every posting in the period to sum to zero.
// An out-of-balance period means a defect upstream; the close stops here
// and the period stays open.
func (e *Executor) validateTrialBalance(ctx context.Context, p *Payload) error {
	period, err := e.periods.Get(ctx, p.PeriodID)
	if err != nil {
		return err
	}
	if period.Closed {
		return shared.NewDomainError(shared.CodeClosedPeriod, "period %s is already closed", period.Code)
	}
	total, err := e.ledger.TrialBalanceTotal(ctx, p.PeriodID)
	if err != nil {
		return err
	}
	if !shared.WithinTolerance(total, shared.CentTolerance) {
		return shared.NewDomainError(shared.CodeTrialBalanceMismatch,
			"trial balance for period %s is %s, want 0", period.Code, total.StringFixed(2))
	}
	return nil
}

func (e *Executor) runDiagnostics(ctx context.Context) error {
	return e.ledger.TrustIntegrity(ctx)
}

// calculateNetIncome applies the accounting sign convention: revenue posts
// as credits (negative) and expenses as debits (positive), so net income is
// the negated sum of both.
func (e *Executor) calculateNetIncome(ctx context.Context, p *Payload) error {
	activity, err := e.ledger.PeriodActivity(ctx, p.PeriodID,
		[]ledger.AccountType{ledger.AccountTypeRevenue, ledger.AccountTypeExpense})
	if err != nil {
		return err
	}
	net := decimal.Zero
	for _, act := range activity {
		net = net.Sub(act.Balance)
	}
	p.NetIncome = shared.RoundCurrency(net)
	return nil
}

// postClosingEntry zeroes every revenue and expense account and posts the
// net income to retained earnings. Nothing to close means no entry, by
// design.
func (e *Executor) postClosingEntry(ctx context.Context, sg saga.Saga, p *Payload) error {
	sagaID := sg.ID.String()
	if existing, found, err := e.ledger.FindEntryBySaga(ctx, sagaID, ledger.EntryTypeClosing); err != nil {
		return err
	} else if found {
		p.ClosingEntryID = existing.ID
		return nil
	}

	activity, err := e.ledger.PeriodActivity(ctx, p.PeriodID,
		[]ledger.AccountType{ledger.AccountTypeRevenue, ledger.AccountTypeExpense})
	if err != nil {
		return err
	}
	postings := make([]ledger.PostingInput, 0, len(activity)+1)
	offset := decimal.Zero
	for _, act := range activity {
		if act.Balance.IsZero() {
			continue
		}
		postings = append(postings, ledger.PostingInput{
			AccountID: act.AccountID,
			Amount:    act.Balance.Neg(),
		})
		offset = offset.Add(act.Balance)
	}
	if len(postings) == 0 && p.NetIncome.IsZero() {
		return nil
	}
	postings = append(postings, ledger.PostingInput{
		AccountID: p.RetainedEarningsAccountID,
		Amount:    offset,
	})

	period, err := e.periods.Get(ctx, p.PeriodID)
	if err != nil {
		return err
	}
	entry, err := e.ledger.CreateEntry(ctx, ledger.CreateEntryInput{
		Date:        period.EndDate,
		Type:        ledger.EntryTypeClosing,
		Description: fmt.Sprintf("Closing entry for period %s", period.Code),
		PeriodID:    p.PeriodID,
		Metadata: map[string]any{
			"saga_id":  sagaID,
			"trace_id": sg.TraceID,
		},
		Postings: postings,
	})
	if err != nil {
		return err
	}
	p.ClosingEntryID = entry.ID
	return nil
}

func (e *Executor) lockPeriod(ctx context.Context, sg saga.Saga, p *Payload) error {
	period, err := e.periods.Close(ctx, p.PeriodID, sg.InitiatedBy)
	if err != nil {
		return err
	}
	e.logger.Info("period locked",
		slog.String("saga_id", sg.ID.String()),
		slog.String("period", period.Code))
	return e.bus.Emit(ctx, events.TypePeriodClosed, events.SagaResult{
		SagaID:         sg.ID.String(),
		TraceID:        sg.TraceID,
		PeriodID:       p.PeriodID,
		JournalEntryID: p.ClosingEntryID,
	})
}

func (e *Executor) generateReports(ctx context.Context, sg saga.Saga, p *Payload) error {
	artifacts, err := e.reports.Build(ctx, p.PeriodID, sg.ID.String())
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(artifacts))
	for _, a := range artifacts {
		ids = append(ids, a.ID)
	}
	p.ReportArtifactIDs = ids
	return nil
}
