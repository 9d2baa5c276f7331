package billpay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/propledger/propledger/internal/compliance"
	"github.com/propledger/propledger/internal/ledger"
	"github.com/propledger/propledger/internal/owners"
	"github.com/propledger/propledger/internal/payments"
	"github.com/propledger/propledger/internal/periods"
	"github.com/propledger/propledger/internal/saga"
	"github.com/propledger/propledger/internal/shared"
	"github.com/propledger/propledger/internal/vendors"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeLedgerRepo is an in-memory ledger.Repository. Entries land via the
// real ledger.Service so the zero-sum validation still runs in these tests.
type fakeLedgerRepo struct {
	period    periods.Period
	accounts  map[int64]ledger.Account
	entries   []ledger.JournalEntry
	nextID    int64
	available map[string]decimal.Decimal
}

func availKey(ownerID, propertyID int64) string {
	return fmt.Sprintf("%d/%d", ownerID, propertyID)
}

func newFakeLedgerRepo() *fakeLedgerRepo {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &fakeLedgerRepo{
		period: periods.Period{ID: 1, Code: "2026-03", StartDate: start, EndDate: start.AddDate(0, 1, -1)},
		accounts: map[int64]ledger.Account{
			100: {ID: 100, Code: "1000", Type: ledger.AccountTypeAsset, Subtype: ledger.SubtypeTrustBank},
			500: {ID: 500, Code: "5000", Type: ledger.AccountTypeExpense, Subtype: ledger.SubtypeExpense},
			200: {ID: 200, Code: "2000", Type: ledger.AccountTypeLiability, Subtype: ledger.SubtypeOwnerFunds},
		},
		available: make(map[string]decimal.Decimal),
		nextID:    1000,
	}
}

func (r *fakeLedgerRepo) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return fn(ctx, (*fakeLedgerTx)(r))
}

func (r *fakeLedgerRepo) GetEntryWithPostings(_ context.Context, entryID int64) (ledger.JournalEntry, error) {
	for _, e := range r.entries {
		if e.ID == entryID {
			return e, nil
		}
	}
	return ledger.JournalEntry{}, shared.ErrNotFound
}

func (r *fakeLedgerRepo) FindEntryBySaga(_ context.Context, sagaID, entryType string) (ledger.JournalEntry, bool, error) {
	for _, e := range r.entries {
		if e.Type == entryType && e.Metadata["saga_id"] == sagaID {
			return e, true, nil
		}
	}
	return ledger.JournalEntry{}, false, nil
}

func (r *fakeLedgerRepo) GetAccount(_ context.Context, id int64) (ledger.Account, error) {
	a, ok := r.accounts[id]
	if !ok {
		return ledger.Account{}, shared.ErrNotFound
	}
	return a, nil
}

func (r *fakeLedgerRepo) FindAccountBySubtype(_ context.Context, subtype string) (ledger.Account, error) {
	for _, a := range r.accounts {
		if a.Subtype == subtype {
			return a, nil
		}
	}
	return ledger.Account{}, shared.ErrNotFound
}

func (r *fakeLedgerRepo) AccountBalance(context.Context, int64, *time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// OwnerAvailableBalance mirrors the SQL derivation: the seeded contribution
// minus every (owner, property)-tagged posting recorded since. Expense
// debits carry the dimensions with positive amounts, so posting an entry
// lowers the available balance.
func (r *fakeLedgerRepo) OwnerAvailableBalance(_ context.Context, ownerID, propertyID int64) (decimal.Decimal, error) {
	sum := r.available[availKey(ownerID, propertyID)]
	for _, e := range r.entries {
		for _, p := range e.Postings {
			if p.OwnerID != nil && *p.OwnerID == ownerID && p.PropertyID != nil && *p.PropertyID == propertyID {
				sum = sum.Sub(p.Amount)
			}
		}
	}
	return sum, nil
}

func (r *fakeLedgerRepo) OwnerBalancesTotal(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (r *fakeLedgerRepo) SubtypeBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (r *fakeLedgerRepo) TrialBalanceTotal(context.Context, int64) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (r *fakeLedgerRepo) PeriodActivity(context.Context, int64, []ledger.AccountType) ([]ledger.AccountActivity, error) {
	return nil, nil
}

func (r *fakeLedgerRepo) TypeTotals(context.Context, time.Time) (map[ledger.AccountType]decimal.Decimal, error) {
	return nil, nil
}

type fakeLedgerTx fakeLedgerRepo

func (tx *fakeLedgerTx) GetPeriodForUpdate(_ context.Context, periodID int64) (periods.Period, error) {
	if periodID != tx.period.ID {
		return periods.Period{}, shared.ErrNotFound
	}
	return tx.period, nil
}

func (tx *fakeLedgerTx) FindOpenPeriodByDate(_ context.Context, date time.Time) (periods.Period, error) {
	p := tx.period
	if p.Closed || date.Before(p.StartDate) || date.After(p.EndDate) {
		return periods.Period{}, shared.ErrNotFound
	}
	return p, nil
}

func (tx *fakeLedgerTx) MissingAccounts(_ context.Context, ids []int64) ([]int64, error) {
	var missing []int64
	for _, id := range ids {
		if _, ok := tx.accounts[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (tx *fakeLedgerTx) InsertEntry(_ context.Context, in ledger.CreateEntryInput) (ledger.JournalEntry, error) {
	tx.nextID++
	e := ledger.JournalEntry{
		ID:              tx.nextID,
		Date:            in.Date,
		Type:            in.Type,
		Description:     in.Description,
		PeriodID:        in.PeriodID,
		Metadata:        in.Metadata,
		ReversesEntryID: in.ReversesEntryID,
	}
	tx.entries = append(tx.entries, e)
	return e, nil
}

func (tx *fakeLedgerTx) InsertPostings(_ context.Context, entryID int64, inputs []ledger.PostingInput) ([]ledger.Posting, error) {
	out := make([]ledger.Posting, 0, len(inputs))
	for i, in := range inputs {
		out = append(out, ledger.Posting{
			ID:         entryID*100 + int64(i),
			EntryID:    entryID,
			AccountID:  in.AccountID,
			Amount:     in.Amount,
			PropertyID: in.PropertyID,
			OwnerID:    in.OwnerID,
			VendorID:   in.VendorID,
		})
	}
	for i := range tx.entries {
		if tx.entries[i].ID == entryID {
			tx.entries[i].Postings = out
		}
	}
	return out, nil
}

type fakeVendorRepo struct {
	vendors map[int64]vendors.Vendor
	bills   map[int64]vendors.Bill
}

func (r *fakeVendorRepo) GetVendor(_ context.Context, id int64) (vendors.Vendor, error) {
	v, ok := r.vendors[id]
	if !ok {
		return vendors.Vendor{}, shared.ErrNotFound
	}
	return v, nil
}

func (r *fakeVendorRepo) GetBill(_ context.Context, id int64) (vendors.Bill, error) {
	b, ok := r.bills[id]
	if !ok {
		return vendors.Bill{}, shared.ErrNotFound
	}
	return b, nil
}

func (r *fakeVendorRepo) MarkBillPaid(_ context.Context, billID, journalEntryID int64) (bool, error) {
	b, ok := r.bills[billID]
	if !ok || b.Status != vendors.BillStatusUnpaid {
		return false, nil
	}
	b.Status = vendors.BillStatusPaid
	b.JournalEntryID = &journalEntryID
	r.bills[billID] = b
	return true, nil
}

func (r *fakeVendorRepo) MarkBillUnpaid(_ context.Context, billID int64) error {
	b, ok := r.bills[billID]
	if !ok {
		return nil
	}
	b.Status = vendors.BillStatusUnpaid
	b.JournalEntryID = nil
	r.bills[billID] = b
	return nil
}

type fakeOwnerRepo struct {
	owners     map[int64]owners.Owner
	properties map[int64]owners.Property
}

func (r *fakeOwnerRepo) GetOwner(_ context.Context, id int64) (owners.Owner, error) {
	o, ok := r.owners[id]
	if !ok {
		return owners.Owner{}, shared.ErrNotFound
	}
	return o, nil
}

func (r *fakeOwnerRepo) GetProperty(_ context.Context, id int64) (owners.Property, error) {
	p, ok := r.properties[id]
	if !ok {
		return owners.Property{}, shared.ErrNotFound
	}
	return p, nil
}

type ytdEntry struct {
	vendorID int64
	taxYear  int
	amount   decimal.Decimal
}

type fakePaymentRepo struct {
	bySaga    map[string]payments.VendorPayment
	nextID    int64
	ytdBySaga map[string]ytdEntry
	ytdTotals map[string]decimal.Decimal
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{
		bySaga:    make(map[string]payments.VendorPayment),
		ytdBySaga: make(map[string]ytdEntry),
		ytdTotals: make(map[string]decimal.Decimal),
	}
}

func ytdKey(vendorID int64, taxYear int) string {
	return fmt.Sprintf("%d/%d", vendorID, taxYear)
}

// ClaimInvoice mirrors the unique index on non-voided (vendor, invoice)
// rows: the same saga may re-claim, any other saga conflicts.
func (r *fakePaymentRepo) ClaimInvoice(_ context.Context, in payments.ClaimInput) error {
	if _, ok := r.bySaga[in.SagaID]; ok {
		return nil
	}
	for _, p := range r.bySaga {
		if p.VendorID == in.VendorID && p.InvoiceNumber == in.InvoiceNumber && p.Status != payments.StatusVoided {
			return shared.NewDomainError(shared.CodeDuplicatePayment,
				"invoice %s for vendor %d already has a payment", in.InvoiceNumber, in.VendorID)
		}
	}
	r.nextID++
	r.bySaga[in.SagaID] = payments.VendorPayment{
		ID:            r.nextID,
		SagaID:        in.SagaID,
		VendorID:      in.VendorID,
		BillID:        in.BillID,
		InvoiceNumber: in.InvoiceNumber,
		Amount:        in.Amount,
		Method:        in.Method,
		Status:        payments.StatusPending,
	}
	return nil
}

func (r *fakePaymentRepo) ReleaseClaim(_ context.Context, sagaID string) error {
	p, ok := r.bySaga[sagaID]
	if !ok || p.Status != payments.StatusPending || p.JournalEntryID != 0 {
		return nil
	}
	p.Status = payments.StatusVoided
	r.bySaga[sagaID] = p
	return nil
}

func (r *fakePaymentRepo) UpsertBySaga(_ context.Context, in payments.CreateInput) (payments.VendorPayment, error) {
	p, ok := r.bySaga[in.SagaID]
	if !ok {
		r.nextID++
		p = payments.VendorPayment{
			ID:            r.nextID,
			SagaID:        in.SagaID,
			VendorID:      in.VendorID,
			InvoiceNumber: in.InvoiceNumber,
			Amount:        in.Amount,
			Method:        in.Method,
			Status:        payments.StatusPending,
		}
	}
	p.BillID = in.BillID
	p.CheckNumber = in.CheckNumber
	p.ACHTraceNumber = in.ACHTraceNumber
	p.WireReference = in.WireReference
	p.JournalEntryID = in.JournalEntryID
	r.bySaga[in.SagaID] = p
	return p, nil
}

func (r *fakePaymentRepo) GetBySaga(_ context.Context, sagaID string) (payments.VendorPayment, error) {
	p, ok := r.bySaga[sagaID]
	if !ok {
		return payments.VendorPayment{}, shared.ErrNotFound
	}
	return p, nil
}

func (r *fakePaymentRepo) SetStatus(_ context.Context, id int64, status payments.Status) error {
	for sagaID, p := range r.bySaga {
		if p.ID == id {
			p.Status = status
			r.bySaga[sagaID] = p
		}
	}
	return nil
}

func (r *fakePaymentRepo) AddYTDBySaga(_ context.Context, sagaID string, vendorID int64, taxYear int, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	key := ytdKey(vendorID, taxYear)
	if _, ok := r.ytdBySaga[sagaID]; ok {
		return r.ytdTotals[key], false, nil
	}
	r.ytdBySaga[sagaID] = ytdEntry{vendorID: vendorID, taxYear: taxYear, amount: amount}
	r.ytdTotals[key] = r.ytdTotals[key].Add(amount)
	return r.ytdTotals[key], true, nil
}

func (r *fakePaymentRepo) RemoveYTDBySaga(_ context.Context, sagaID string) (decimal.Decimal, error) {
	entry, ok := r.ytdBySaga[sagaID]
	if !ok {
		return decimal.Zero, nil
	}
	delete(r.ytdBySaga, sagaID)
	key := ytdKey(entry.vendorID, entry.taxYear)
	total := r.ytdTotals[key].Sub(entry.amount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	r.ytdTotals[key] = total
	return total, nil
}

func (r *fakePaymentRepo) GetYTD(_ context.Context, vendorID int64, taxYear int) (decimal.Decimal, error) {
	return r.ytdTotals[ytdKey(vendorID, taxYear)], nil
}

type emitted struct {
	eventType string
	payload   any
}

type fakeBus struct {
	events []emitted
}

func (b *fakeBus) Emit(_ context.Context, eventType string, payload any) error {
	b.events = append(b.events, emitted{eventType: eventType, payload: payload})
	return nil
}

func (b *fakeBus) count(eventType string) int {
	n := 0
	for _, e := range b.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

type testEnv struct {
	exec     *Executor
	ledger   *fakeLedgerRepo
	vendors  *fakeVendorRepo
	owners   *fakeOwnerRepo
	payments *fakePaymentRepo
	bus      *fakeBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{
		ledger: newFakeLedgerRepo(),
		vendors: &fakeVendorRepo{
			vendors: map[int64]vendors.Vendor{
				7: {ID: 7, Name: "Ace Plumbing", Email: "billing@aceplumbing.test", Active: true, Requires1099: true},
				8: {ID: 8, Name: "Dormant LLC", Active: false},
			},
			bills: map[int64]vendors.Bill{
				40: {ID: 40, VendorID: 7, InvoiceNumber: "INV-1001", AmountDue: dec("500.00"), Status: vendors.BillStatusUnpaid},
			},
		},
		owners: &fakeOwnerRepo{
			owners: map[int64]owners.Owner{
				1: {ID: 1, Name: "Pat Doyle", Email: "pat@example.test"},
			},
			properties: map[int64]owners.Property{
				11: {ID: 11, Name: "12 Elm St", OwnerID: 1},
			},
		},
		payments: newFakePaymentRepo(),
		bus:      &fakeBus{},
	}
	env.ledger.available[availKey(1, 11)] = dec("1000.00")

	oracle := compliance.StaticOracle{
		Threshold1099: dec("600.00"),
		AuthLimit:     dec("50000.00"),
	}
	locker := shared.NewAdvisoryLocker(client, time.Second)
	env.exec = NewExecutor(
		ledger.NewService(env.ledger, nil),
		env.vendors, env.owners, env.payments,
		oracle, env.bus, locker, nil,
	)
	env.exec.WithNow(func() time.Time {
		return time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)
	})
	return env
}

func basePayload() Payload {
	return Payload{
		Version:          1,
		VendorID:         7,
		InvoiceNumber:    "INV-1001",
		Amount:           dec("500.00"),
		Method:           payments.MethodCheck,
		ExpenseAccountID: 500,
		Date:             time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		Allocations: []Allocation{
			{PropertyID: 11, OwnerID: 1, Amount: dec("500.00")},
		},
	}
}

func sagaAt(t *testing.T, p Payload, step int) saga.Saga {
	t.Helper()
	raw, err := p.encode()
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return saga.Saga{
		ID:          uuid.MustParse("a3bb189e-8bf9-3888-9912-ace4e6543002"),
		Type:        saga.TypeBillPay,
		Steps:       Steps,
		CurrentStep: step,
		Status:      saga.StatusRunning,
		Payload:     raw,
		TraceID:     "trace-42",
	}
}

// runStep executes one step and returns the enriched payload.
func runStep(t *testing.T, env *testEnv, p Payload, step int) Payload {
	t.Helper()
	raw, err := env.exec.Execute(context.Background(), sagaAt(t, p, step))
	if err != nil {
		t.Fatalf("step %s: %v", Steps[step], err)
	}
	var out Payload
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode enriched payload: %v", err)
	}
	return out
}

func stepErr(t *testing.T, env *testEnv, p Payload, step int) error {
	t.Helper()
	_, err := env.exec.Execute(context.Background(), sagaAt(t, p, step))
	return err
}

func TestPayloadValidate(t *testing.T) {
	base := basePayload()

	if err := base.Validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	noVendor := base
	noVendor.VendorID = 0
	if shared.CodeOf(noVendor.Validate()) != shared.CodeInvalidPayload {
		t.Error("missing vendor accepted")
	}

	badMethod := base
	badMethod.Method = "barter"
	if shared.CodeOf(badMethod.Validate()) != shared.CodeInvalidPayload {
		t.Error("unknown method accepted")
	}

	offByCents := base
	offByCents.Allocations = []Allocation{{PropertyID: 11, OwnerID: 1, Amount: dec("499.98")}}
	if shared.CodeOf(offByCents.Validate()) != shared.CodeInvalidPayload {
		t.Error("allocation mismatch of two cents accepted")
	}

	subCent := base
	subCent.Allocations = []Allocation{{PropertyID: 11, OwnerID: 1, Amount: dec("500.003")}}
	if err := subCent.Validate(); err != nil {
		t.Errorf("sub-cent allocation drift rejected: %v", err)
	}
}

func TestCheckPreconditionsClaimsInvoiceAtStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := uuid.MustParse("a3bb189e-8bf9-3888-9912-ace4e6543002")

	if err := env.exec.CheckPreconditions(ctx, first, basePayload()); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// A retried submission carrying the same saga id is not a duplicate.
	if err := env.exec.CheckPreconditions(ctx, first, basePayload()); err != nil {
		t.Fatalf("re-claim by same saga: %v", err)
	}

	second := uuid.MustParse("b4cc289e-8bf9-3888-9912-ace4e6543003")
	err := env.exec.CheckPreconditions(ctx, second, basePayload())
	if shared.CodeOf(err) != shared.CodeDuplicatePayment {
		t.Fatalf("code = %q, want %q", shared.CodeOf(err), shared.CodeDuplicatePayment)
	}
}

// The first saga has posted its journal entry but not yet reached
// GeneratePayment; the claim taken at start must still block the second
// submission for the same vendor and invoice.
func TestDuplicateInvoiceRejectedWhileFirstSagaInFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := uuid.MustParse("a3bb189e-8bf9-3888-9912-ace4e6543002")

	if err := env.exec.CheckPreconditions(ctx, first, basePayload()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	p := runStep(t, env, basePayload(), 0)
	p = runStep(t, env, p, 1)
	p = runStep(t, env, p, 2)
	if p.JournalEntryID == 0 {
		t.Fatal("journal entry not posted")
	}

	second := uuid.MustParse("b4cc289e-8bf9-3888-9912-ace4e6543003")
	err := env.exec.CheckPreconditions(ctx, second, basePayload())
	if shared.CodeOf(err) != shared.CodeDuplicatePayment {
		t.Fatalf("code = %q, want %q", shared.CodeOf(err), shared.CodeDuplicatePayment)
	}
}

func TestReleaseClaimFreesInvoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := uuid.MustParse("a3bb189e-8bf9-3888-9912-ace4e6543002")

	if err := env.exec.CheckPreconditions(ctx, first, basePayload()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.exec.ReleaseClaim(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}

	second := uuid.MustParse("b4cc289e-8bf9-3888-9912-ace4e6543003")
	if err := env.exec.CheckPreconditions(ctx, second, basePayload()); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestValidateBillStep(t *testing.T) {
	env := newTestEnv(t)

	p := runStep(t, env, basePayload(), 0)
	if !p.Requires1099 {
		t.Error("Requires1099 not carried from vendor")
	}
	if p.TaxYear != 2026 {
		t.Errorf("tax year = %d, want 2026", p.TaxYear)
	}

	inactive := basePayload()
	inactive.VendorID = 8
	if code := shared.CodeOf(stepErr(t, env, inactive, 0)); code != shared.CodeVendorInactive {
		t.Errorf("inactive vendor code = %q, want %q", code, shared.CodeVendorInactive)
	}

	overLimit := basePayload()
	overLimit.Amount = dec("60000.00")
	overLimit.Allocations = []Allocation{{PropertyID: 11, OwnerID: 1, Amount: dec("60000.00")}}
	if code := shared.CodeOf(stepErr(t, env, overLimit, 0)); code != shared.CodeAuthorizationLimit {
		t.Errorf("over-limit code = %q, want %q", code, shared.CodeAuthorizationLimit)
	}

	notExpense := basePayload()
	notExpense.ExpenseAccountID = 200
	if code := shared.CodeOf(stepErr(t, env, notExpense, 0)); code != shared.CodeInvalidAccount {
		t.Errorf("non-expense account code = %q, want %q", code, shared.CodeInvalidAccount)
	}

	billID := int64(40)
	env.vendors.bills[40] = vendors.Bill{ID: 40, VendorID: 7, AmountDue: dec("500.00"), Status: vendors.BillStatusPaid}
	paid := basePayload()
	paid.BillID = &billID
	if code := shared.CodeOf(stepErr(t, env, paid, 0)); code != shared.CodeBillAlreadyPaid {
		t.Errorf("paid bill code = %q, want %q", code, shared.CodeBillAlreadyPaid)
	}
}

func TestAllocateExpenseInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.available[availKey(1, 11)] = dec("499.99")

	if code := shared.CodeOf(stepErr(t, env, basePayload(), 1)); code != shared.CodeInsufficientFunds {
		t.Fatalf("code = %q, want %q", code, shared.CodeInsufficientFunds)
	}
}

func TestCreateJournalEntryPostsBalancedEntry(t *testing.T) {
	env := newTestEnv(t)
	billID := int64(40)
	p := basePayload()
	p.BillID = &billID

	p = runStep(t, env, p, 2)
	if p.JournalEntryID == 0 {
		t.Fatal("JournalEntryID not recorded")
	}
	if len(env.ledger.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(env.ledger.entries))
	}
	entry := env.ledger.entries[0]
	sum := decimal.Zero
	var trustCredit decimal.Decimal
	for _, posting := range entry.Postings {
		sum = sum.Add(posting.Amount)
		if posting.AccountID == 100 {
			trustCredit = posting.Amount
		}
	}
	if !sum.IsZero() {
		t.Errorf("entry sum = %s, want zero", sum)
	}
	if !trustCredit.Equal(dec("-500.00")) {
		t.Errorf("trust credit = %s, want -500.00", trustCredit)
	}
	if env.vendors.bills[40].Status != vendors.BillStatusPaid {
		t.Error("bill not marked paid")
	}

	// A redelivered step finds the entry via the saga tag and posts nothing.
	again := runStep(t, env, p, 2)
	if len(env.ledger.entries) != 1 {
		t.Fatalf("entries after re-run = %d, want 1", len(env.ledger.entries))
	}
	if again.JournalEntryID != p.JournalEntryID {
		t.Error("re-run recorded a different entry id")
	}
}

func TestInsufficientFundsUnderContention(t *testing.T) {
	env := newTestEnv(t)
	// Balance passed the step 1 check but dropped before posting.
	env.ledger.available[availKey(1, 11)] = dec("100.00")

	if code := shared.CodeOf(stepErr(t, env, basePayload(), 2)); code != shared.CodeInsufficientFunds {
		t.Fatalf("code = %q, want %q", code, shared.CodeInsufficientFunds)
	}
	if len(env.ledger.entries) != 0 {
		t.Fatal("entry posted despite failed recheck")
	}
}

func TestTrack1099EmitsThresholdCrossingOnce(t *testing.T) {
	env := newTestEnv(t)
	p := basePayload()
	p.Requires1099 = true
	p.TaxYear = 2026

	// 500 of 600: below threshold, no event.
	p = runStep(t, env, p, 3)
	if !p.YTD1099.Equal(dec("500.00")) {
		t.Fatalf("ytd = %s, want 500.00", p.YTD1099)
	}
	if env.bus.count("vendor.1099_threshold_reached") != 0 {
		t.Fatal("threshold event emitted below threshold")
	}

	// A second payment crosses 600.
	second := basePayload()
	second.Requires1099 = true
	second.TaxYear = 2026
	second.Amount = dec("150.00")
	second.Allocations = []Allocation{{PropertyID: 11, OwnerID: 1, Amount: dec("150.00")}}
	raw, _ := second.encode()
	sg := sagaAt(t, second, 3)
	sg.ID = uuid.MustParse("b4cc289e-8bf9-3888-9912-ace4e6543003")
	sg.Payload = raw
	if _, err := env.exec.Execute(context.Background(), sg); err != nil {
		t.Fatalf("second track_1099: %v", err)
	}
	if env.bus.count("vendor.1099_threshold_reached") != 1 {
		t.Fatalf("threshold events = %d, want 1", env.bus.count("vendor.1099_threshold_reached"))
	}

	// Redelivery of the crossing step must not re-emit.
	if _, err := env.exec.Execute(context.Background(), sg); err != nil {
		t.Fatalf("redelivered track_1099: %v", err)
	}
	if env.bus.count("vendor.1099_threshold_reached") != 1 {
		t.Fatal("redelivery emitted a second threshold event")
	}
}

func TestTrack1099SkipsExemptVendors(t *testing.T) {
	env := newTestEnv(t)
	p := basePayload()
	p.Requires1099 = false

	runStep(t, env, p, 3)
	if len(env.payments.ytdBySaga) != 0 {
		t.Fatal("exempt vendor accumulated 1099")
	}
}

func TestGeneratePaymentIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	p := basePayload()
	p.JournalEntryID = 1001

	first := runStep(t, env, p, 4)
	if first.PaymentID == 0 {
		t.Fatal("payment id not recorded")
	}
	if first.CheckNumber == nil {
		t.Fatal("check number not issued")
	}
	if env.bus.count("bank.ach.vendor_payment") != 1 {
		t.Fatalf("bank instructions = %d, want 1", env.bus.count("bank.ach.vendor_payment"))
	}

	second := runStep(t, env, p, 4)
	if second.PaymentID != first.PaymentID {
		t.Error("re-run created a second payment")
	}
	if *second.CheckNumber != *first.CheckNumber {
		t.Errorf("check numbers differ across re-runs: %s vs %s", *first.CheckNumber, *second.CheckNumber)
	}
	if len(env.payments.bySaga) != 1 {
		t.Fatalf("payment records = %d, want 1", len(env.payments.bySaga))
	}
}

func TestGeneratePaymentWireUsesWireRail(t *testing.T) {
	env := newTestEnv(t)
	p := basePayload()
	p.Method = payments.MethodWire

	p = runStep(t, env, p, 4)
	if p.WireReference == nil {
		t.Fatal("wire reference not issued")
	}
	if env.bus.count("bank.wire.initiate") != 1 {
		t.Fatal("wire instruction not emitted")
	}
	if env.bus.count("bank.ach.vendor_payment") != 0 {
		t.Fatal("ACH instruction emitted for a wire")
	}
}

func TestSendNotificationMarksPaidAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	p := basePayload()
	p = runStep(t, env, p, 4)

	p = runStep(t, env, p, 5)
	payment, err := env.payments.GetBySaga(context.Background(), sagaAt(t, p, 5).ID.String())
	if err != nil {
		t.Fatalf("payment lookup: %v", err)
	}
	if payment.Status != payments.StatusPaid {
		t.Fatalf("payment status = %s, want paid", payment.Status)
	}
	// Vendor plus one distinct owner.
	if env.bus.count("notification.send") != 2 {
		t.Fatalf("notifications = %d, want 2", env.bus.count("notification.send"))
	}
	if env.bus.count("bill_pay.completed") != 1 {
		t.Fatal("completion event not emitted")
	}
}

func TestCompensateUnwindsAllDurableEffects(t *testing.T) {
	env := newTestEnv(t)
	billID := int64(40)
	p := basePayload()
	p.BillID = &billID
	p.Requires1099 = true
	p.TaxYear = 2026

	p = runStep(t, env, p, 2)
	p = runStep(t, env, p, 3)
	p = runStep(t, env, p, 4)

	sg := sagaAt(t, p, 4)
	sg.Status = saga.StatusCompensating
	sg.FailureReason = "bank rail rejected"
	env.exec.Compensate(context.Background(), sg)

	payment, err := env.payments.GetBySaga(context.Background(), sg.ID.String())
	if err != nil {
		t.Fatalf("payment lookup: %v", err)
	}
	if payment.Status != payments.StatusVoided {
		t.Errorf("payment status = %s, want voided", payment.Status)
	}
	if env.bus.count("bank.ach.cancel") != 1 {
		t.Error("cancel instruction not emitted")
	}

	ytd, _ := env.payments.GetYTD(context.Background(), 7, 2026)
	if !ytd.IsZero() {
		t.Errorf("ytd after revert = %s, want 0", ytd)
	}

	var reversal *ledger.JournalEntry
	for i := range env.ledger.entries {
		if env.ledger.entries[i].Type == ledger.EntryTypeReversal {
			reversal = &env.ledger.entries[i]
		}
	}
	if reversal == nil {
		t.Fatal("no reversal entry posted")
	}
	sum := decimal.Zero
	for _, posting := range reversal.Postings {
		sum = sum.Add(posting.Amount)
	}
	if !sum.IsZero() {
		t.Errorf("reversal sum = %s, want zero", sum)
	}
	if env.vendors.bills[40].Status != vendors.BillStatusUnpaid {
		t.Error("bill not reverted to unpaid")
	}
	if env.bus.count("bill_pay.compensation.completed") != 1 {
		t.Error("compensation completion event not emitted")
	}

	// The walk is re-runnable: a second pass finds everything already undone.
	entriesBefore := len(env.ledger.entries)
	env.exec.Compensate(context.Background(), sg)
	if len(env.ledger.entries) != entriesBefore {
		t.Fatal("repeat compensation posted a second reversal")
	}
	if env.bus.count("bank.ach.cancel") != 1 {
		t.Fatal("repeat compensation re-emitted the cancel instruction")
	}
}

type queuedStep struct {
	sagaID uuid.UUID
	step   int
}

// queueEnqueuer records step events and lets the test drain them the way a
// worker would.
type queueEnqueuer struct {
	queue []queuedStep
}

func (q *queueEnqueuer) EnqueueSagaStep(_ context.Context, sagaID uuid.UUID, step int) error {
	q.queue = append(q.queue, queuedStep{sagaID: sagaID, step: step})
	return nil
}

// The full happy path through the runner: claim, start, six steps driven by
// redelivered events, and the owner's derived balance dropping by exactly
// the payment amount.
func TestBillPaySagaRunsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.available[availKey(1, 11)] = dec("5000.00")
	ctx := context.Background()

	repo := &fakeSagaRepo{sagas: make(map[uuid.UUID]saga.Saga)}
	q := &queueEnqueuer{}
	runner := saga.NewRunner(saga.NewService(repo, nil), q, nil, nil)
	runner.Register(env.exec)

	p := basePayload()
	p.Amount = dec("1000.00")
	p.Allocations = []Allocation{{PropertyID: 11, OwnerID: 1, Amount: dec("1000.00")}}

	sagaID := uuid.MustParse("a3bb189e-8bf9-3888-9912-ace4e6543002")
	if err := env.exec.CheckPreconditions(ctx, sagaID, p); err != nil {
		t.Fatalf("preconditions: %v", err)
	}
	raw, err := p.encode()
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	sg, err := runner.Start(ctx, saga.StartInput{
		ID:      sagaID,
		Type:    saga.TypeBillPay,
		Payload: raw,
		TraceID: "trace-42",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for len(q.queue) > 0 {
		next := q.queue[0]
		q.queue = q.queue[1:]
		if err := runner.HandleStep(ctx, next.sagaID, next.step); err != nil {
			t.Fatalf("step %d: %v", next.step, err)
		}
	}

	final, err := repo.Get(ctx, sg.ID)
	if err != nil {
		t.Fatalf("load saga: %v", err)
	}
	if final.Status != saga.StatusCompleted {
		t.Fatalf("saga status = %s (%s), want completed", final.Status, final.FailureReason)
	}

	available, err := env.ledger.OwnerAvailableBalance(ctx, 1, 11)
	if err != nil {
		t.Fatalf("owner balance: %v", err)
	}
	if !available.Equal(dec("4000.00")) {
		t.Errorf("owner available balance = %s, want 4000.00", available.StringFixed(2))
	}

	payment, err := env.payments.GetBySaga(ctx, sagaID.String())
	if err != nil {
		t.Fatalf("payment lookup: %v", err)
	}
	if payment.Status != payments.StatusPaid {
		t.Errorf("payment status = %s, want paid", payment.Status)
	}
	if env.bus.count("bill_pay.completed") != 1 {
		t.Errorf("completion events = %d, want 1", env.bus.count("bill_pay.completed"))
	}
}
