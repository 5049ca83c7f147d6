package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"screenpact/internal/external"
	"screenpact/internal/timing"
	"screenpact/internal/types"
)

// ============================================================
// Mock Implementations
// ============================================================

type fakeCommitments struct {
	commitments []types.Commitment
	err         error
}

func (f *fakeCommitments) ListByWeekKey(_ context.Context, weekKey, userID string, limit int) ([]types.Commitment, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []types.Commitment
	for _, c := range f.commitments {
		if c.WeekKey != weekKey {
			continue
		}
		if userID != "" && c.UserID != userID {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeUsers struct {
	users map[string]types.User
}

func (f *fakeUsers) GetByIDs(_ context.Context, ids []string) (map[string]types.User, error) {
	out := make(map[string]types.User)
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

type usageTotals struct {
	minutes int64
	rows    int
}

type fakeUsage struct {
	mu      sync.Mutex
	totals  map[string]usageTotals
	queries []struct{ from, to time.Time }
}

func (f *fakeUsage) WeekTotals(_ context.Context, userID string, from, to time.Time) (int64, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, struct{ from, to time.Time }{from, to})
	t := f.totals[userID]
	return t.minutes, t.rows, nil
}

// fakePenalties is an in-memory penalty ledger honoring the conditional
// update semantics of the real repository.
type fakePenalties struct {
	mu   sync.Mutex
	rows map[string]*types.UserWeekPenalty

	settleErr error
	ensureErr error
}

func newFakePenalties() *fakePenalties {
	return &fakePenalties{rows: make(map[string]*types.UserWeekPenalty)}
}

func penaltyKey(userID, weekKey string) string { return userID + "|" + weekKey }

func (f *fakePenalties) EnsureRow(_ context.Context, userID, weekKey string, total int64) (*types.UserWeekPenalty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	k := penaltyKey(userID, weekKey)
	if row, ok := f.rows[k]; ok {
		cp := *row
		return &cp, nil
	}
	row := &types.UserWeekPenalty{
		UserID:            userID,
		WeekKey:           weekKey,
		TotalPenaltyCents: total,
		Status:            types.SettlementPending,
	}
	f.rows[k] = row
	cp := *row
	return &cp, nil
}

func (f *fakePenalties) GetByUserWeek(_ context.Context, userID, weekKey string) (*types.UserWeekPenalty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[penaltyKey(userID, weekKey)]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPenalty, "no penalty row for user/week", nil)
	}
	cp := *row
	return &cp, nil
}

func (f *fakePenalties) SettleCharged(_ context.Context, userID, weekKey string, status types.SettlementStatus, amount int64, actual *int64, txnID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		return false, f.settleErr
	}
	row, ok := f.rows[penaltyKey(userID, weekKey)]
	if !ok || row.Status.IsTerminal() {
		return false, nil
	}
	row.Status = status
	row.ChargedAmountCents = amount
	row.ActualAmountCents = actual
	row.ChargeTxnID = &txnID
	row.ChargedAt = &at
	return true, nil
}

func (f *fakePenalties) SettleZero(_ context.Context, userID, weekKey string, actual int64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[penaltyKey(userID, weekKey)]
	if !ok || row.Status.IsTerminal() {
		return false, nil
	}
	row.Status = types.SettlementChargedActual
	row.ChargedAmountCents = 0
	row.ActualAmountCents = &actual
	row.ChargedAt = &at
	return true, nil
}

func (f *fakePenalties) MarkChargeFailed(_ context.Context, userID, weekKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[penaltyKey(userID, weekKey)]; ok && !row.Status.IsTerminal() {
		row.Status = types.SettlementChargeFailed
	}
	return nil
}

func (f *fakePenalties) get(userID, weekKey string) *types.UserWeekPenalty {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[penaltyKey(userID, weekKey)]
}

type fakeLedger struct {
	mu       sync.Mutex
	payments []types.Payment
	err      error
}

func (f *fakeLedger) Insert(_ context.Context, p types.Payment) (*types.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if p.ID == "" {
		p.ID = fmt.Sprintf("pay_%d", len(f.payments)+1)
	}
	p.CreatedAt = time.Now().UTC()
	f.payments = append(f.payments, p)
	return &p, nil
}

type fakeCharger struct {
	mu       sync.Mutex
	requests []external.ChargeRequest
	err      error
}

func (f *fakeCharger) CreateCharge(_ context.Context, req external.ChargeRequest) (*external.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &external.ChargeResult{
		TxnID:       fmt.Sprintf("pi_%d", len(f.requests)),
		AmountCents: req.AmountCents,
		Status:      "succeeded",
	}, nil
}

func (f *fakeCharger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// ============================================================
// Test Fixture
// ============================================================

const testWeekKey = "2026-08-24"

var (
	testWeekEnd = time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	// Well past the one-day grace deadline.
	testNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	engine    *Engine
	penalties *fakePenalties
	ledger    *fakeLedger
	charger   *fakeCharger
	usage     *fakeUsage
}

func testCommitment(userID string, maxCharge int64, limitMinutes int, rateCents int64) types.Commitment {
	pm := "pm_" + userID
	return types.Commitment{
		ID:                   "c_" + userID,
		UserID:               userID,
		WeekKey:              testWeekKey,
		WeekEndDate:          testWeekEnd,
		SavedPaymentMethodID: &pm,
		MaxChargeCents:       maxCharge,
		LimitMinutes:         limitMinutes,
		PenaltyRateCents:     rateCents,
		Status:               types.CommitmentActive,
		CreatedAt:            testWeekEnd.AddDate(0, 0, -7),
	}
}

func testUser(userID string) types.User {
	cus := "cus_" + userID
	return types.User{ID: userID, StripeCustomerID: &cus, HasPaymentMethod: true}
}

func newFixture(commitments []types.Commitment, users map[string]types.User, totals map[string]usageTotals) *fixture {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mode := timing.NewMode(false, time.UTC)

	penalties := newFakePenalties()
	ledger := &fakeLedger{}
	charger := &fakeCharger{}
	usage := &fakeUsage{totals: totals}

	builder := NewBuilder(
		&fakeCommitments{commitments: commitments},
		&fakeUsers{users: users},
		usage,
		penalties,
		mode,
		logger,
	)
	executor := NewExecutor(penalties, ledger, charger, "usd", logger)
	engine := NewEngine(builder, executor, mode, 2, nil, nil, logger)

	return &fixture{engine: engine, penalties: penalties, ledger: ledger, charger: charger, usage: usage}
}

// ============================================================
// Decision + Execution Tests
// ============================================================

func TestRun_ActualChargeUnderCap(t *testing.T) {
	// limit=60min, rate=10 cents/min, usage=90min, max=500 -> charge 300.
	f := newFixture(
		[]types.Commitment{testCommitment("user_1", 500, 60, 10)},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{"user_1": {minutes: 90, rows: 7}},
	)

	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Outcomes[types.OutcomeChargedActual] != 1 {
		t.Fatalf("expected one charged_actual, got %+v", summary.Outcomes)
	}
	row := f.penalties.get("user_1", testWeekKey)
	if row.Status != types.SettlementChargedActual {
		t.Errorf("expected charged_actual status, got %s", row.Status)
	}
	if row.ChargedAmountCents != 300 {
		t.Errorf("expected 300 charged, got %d", row.ChargedAmountCents)
	}
	if row.ActualAmountCents == nil || *row.ActualAmountCents != 300 {
		t.Errorf("expected actual 300, got %v", row.ActualAmountCents)
	}
	if len(f.ledger.payments) != 1 || f.ledger.payments[0].AmountCents != 300 {
		t.Errorf("expected one 300-cent payment, got %+v", f.ledger.payments)
	}
}

func TestRun_ActualChargeCappedAtMax(t *testing.T) {
	// Computed penalty 300 but pre-auth max 200 -> charge 200.
	f := newFixture(
		[]types.Commitment{testCommitment("user_1", 200, 60, 10)},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{"user_1": {minutes: 90, rows: 7}},
	)

	_, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	row := f.penalties.get("user_1", testWeekKey)
	if row.ChargedAmountCents != 200 {
		t.Errorf("expected charge capped at 200, got %d", row.ChargedAmountCents)
	}
	if row.ChargedAmountCents > 200 {
		t.Error("authorization cap violated")
	}
	if row.ActualAmountCents == nil || *row.ActualAmountCents != 300 {
		t.Errorf("actual amount must record the uncapped 300, got %v", row.ActualAmountCents)
	}
}

func TestRun_WorstCaseWhenNeverSynced(t *testing.T) {
	f := newFixture(
		[]types.Commitment{testCommitment("user_1", 500, 60, 10)},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{},
	)

	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Outcomes[types.OutcomeChargedWorstCase] != 1 {
		t.Fatalf("expected worst_case outcome, got %+v", summary.Outcomes)
	}
	row := f.penalties.get("user_1", testWeekKey)
	if row.Status != types.SettlementChargedWorstCase {
		t.Errorf("expected charged_worst_case, got %s", row.Status)
	}
	if row.ChargedAmountCents != 500 {
		t.Errorf("expected full 500 pre-auth, got %d", row.ChargedAmountCents)
	}
	if len(f.charger.requests) != 1 || f.charger.requests[0].ChargeType != types.ChargeWorstCase {
		t.Errorf("expected one worst_case charge request, got %+v", f.charger.requests)
	}
}

func TestRun_GraceNotExpiredSkipsEvenWithZeroUsage(t *testing.T) {
	f := newFixture(
		[]types.Commitment{testCommitment("user_1", 500, 60, 10)},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{},
	)

	// Half a day after the boundary, inside the one-day grace.
	early := testWeekEnd.Add(12 * time.Hour)
	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: early})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Outcomes[types.OutcomeGraceNotExpired] != 1 {
		t.Fatalf("expected grace_not_expired, got %+v", summary.Outcomes)
	}
	if f.charger.callCount() != 0 {
		t.Error("no charge may happen before the grace deadline")
	}
	if f.penalties.get("user_1", testWeekKey) != nil {
		t.Error("no penalty row should be created for a grace-gated candidate")
	}
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	f := newFixture(
		[]types.Commitment{testCommitment("user_1", 500, 60, 10)},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{"user_1": {minutes: 90, rows: 7}},
	)

	if _, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := *f.penalties.get("user_1", testWeekKey)

	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if summary.Outcomes[types.OutcomeAlreadySettled] != 1 {
		t.Fatalf("expected already_settled on second run, got %+v", summary.Outcomes)
	}
	if f.charger.callCount() != 1 {
		t.Errorf("expected exactly one charge across both runs, got %d", f.charger.callCount())
	}
	second := *f.penalties.get("user_1", testWeekKey)
	if first.ChargedAmountCents != second.ChargedAmountCents || first.Status != second.Status {
		t.Error("second run must not change ledger state")
	}
}

func TestRun_ZeroPenaltySettlesTerminalWithoutProcessor(t *testing.T) {
	// Usage under the limit: penalty 0.
	f := newFixture(
		[]types.Commitment{testCommitment("user_1", 500, 60, 10)},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{"user_1": {minutes: 45, rows: 7}},
	)

	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Outcomes[types.OutcomeSettledZero] != 1 {
		t.Fatalf("expected settled_zero, got %+v", summary.Outcomes)
	}
	if f.charger.callCount() != 0 {
		t.Error("zero penalty must not call the processor")
	}
	row := f.penalties.get("user_1", testWeekKey)
	if !row.Status.IsTerminal() {
		t.Errorf("zero settle must still be terminal, got %s", row.Status)
	}
	if row.ChargedAmountCents != 0 {
		t.Errorf("expected 0 charged, got %d", row.ChargedAmountCents)
	}
}

func TestRun_BelowMinimumSettlesZero(t *testing.T) {
	// 3 minutes over at 10 cents = 30, below the 60 cent floor.
	f := newFixture(
		[]types.Commitment{testCommitment("user_1", 500, 60, 10)},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{"user_1": {minutes: 63, rows: 7}},
	)

	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Outcomes[types.OutcomeSettledZero] != 1 {
		t.Fatalf("expected settled_zero, got %+v", summary.Outcomes)
	}
	if f.charger.callCount() != 0 {
		t.Error("below-minimum amount must not call the processor")
	}
	row := f.penalties.get("user_1", testWeekKey)
	if row.ActualAmountCents == nil || *row.ActualAmountCents != 30 {
		t.Errorf("actual 30 must be recorded for audit, got %v", row.ActualAmountCents)
	}
}

func TestRun_MissingCustomerIsStructuredFailure(t *testing.T) {
	f := newFixture(
		[]types.Commitment{testCommitment("user_1", 500, 60, 10)},
		map[string]types.User{"user_1": {ID: "user_1"}},
		map[string]usageTotals{"user_1": {minutes: 90, rows: 7}},
	)

	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Outcomes[types.OutcomeMissingPrerequisite] != 1 {
		t.Fatalf("expected missing_prerequisite, got %+v", summary.Outcomes)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].Reason != string(types.ErrCodePrereqNoCustomer) {
		t.Errorf("expected per-candidate failure with reason, got %+v", summary.Failures)
	}
	if f.charger.callCount() != 0 {
		t.Error("missing prerequisite must not attempt a charge")
	}
	if row := f.penalties.get("user_1", testWeekKey); row != nil && row.Status.IsTerminal() {
		t.Error("missing prerequisite must leave status non-terminal")
	}
}

func TestRun_MissingPaymentMethodIsStructuredFailure(t *testing.T) {
	c := testCommitment("user_1", 500, 60, 10)
	c.SavedPaymentMethodID = nil
	f := newFixture(
		[]types.Commitment{c},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{},
	)

	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(summary.Failures) != 1 || summary.Failures[0].Reason != string(types.ErrCodePrereqNoPaymentMethod) {
		t.Errorf("expected payment-method prerequisite failure, got %+v", summary.Failures)
	}
}

func TestRun_DeclinedChargeIsRetryable(t *testing.T) {
	f := newFixture(
		[]types.Commitment{testCommitment("user_1", 500, 60, 10)},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{"user_1": {minutes: 90, rows: 7}},
	)
	f.charger.err = types.NewAppError(types.ErrCodePaymentDeclined, "card declined", nil)

	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Outcomes[types.OutcomeChargeFailed] != 1 {
		t.Fatalf("expected charge_failed, got %+v", summary.Outcomes)
	}
	row := f.penalties.get("user_1", testWeekKey)
	if row.Status != types.SettlementChargeFailed {
		t.Errorf("expected charge_failed status, got %s", row.Status)
	}
	if row.Status.IsTerminal() {
		t.Error("charge_failed must stay retryable")
	}

	// The next run retries after the decline clears.
	f.charger.err = nil
	summary2, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if summary2.Outcomes[types.OutcomeChargedActual] != 1 {
		t.Fatalf("expected successful retry, got %+v", summary2.Outcomes)
	}
}

func TestRun_ProcessorBelowMinimumResolvesToZeroSettle(t *testing.T) {
	f := newFixture(
		[]types.Commitment{testCommitment("user_1", 500, 60, 10)},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{"user_1": {minutes: 90, rows: 7}},
	)
	f.charger.err = types.NewAppError(types.ErrCodePaymentBelowMinimum, "amount too small", nil)

	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Outcomes[types.OutcomeSettledZero] != 1 {
		t.Fatalf("expected settled_zero, got %+v", summary.Outcomes)
	}
	row := f.penalties.get("user_1", testWeekKey)
	if !row.Status.IsTerminal() || row.ChargedAmountCents != 0 {
		t.Errorf("expected terminal zero settle, got %+v", row)
	}
}

func TestRun_LedgerFailureAfterChargeIsMismatch(t *testing.T) {
	f := newFixture(
		[]types.Commitment{testCommitment("user_1", 500, 60, 10)},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{"user_1": {minutes: 90, rows: 7}},
	)
	f.ledger.err = errors.New("disk full")

	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Outcomes[types.OutcomeLedgerMismatch] != 1 {
		t.Fatalf("expected ledger_mismatch, got %+v", summary.Outcomes)
	}
	// The charge happened exactly once and must not be retried in-run.
	if f.charger.callCount() != 1 {
		t.Errorf("expected 1 charge, got %d", f.charger.callCount())
	}
}

func TestRun_MonitoringRevokedUsesEstimateNotWorstCase(t *testing.T) {
	revokedAt := testWeekEnd.AddDate(0, 0, -3)
	c := testCommitment("user_1", 500, 60, 10)
	c.MonitoringRevoked = true
	c.MonitoringRevokedAt = &revokedAt
	f := newFixture(
		[]types.Commitment{c},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{},
	)

	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Nothing observed before revocation: estimate is zero, not the full
	// pre-auth.
	if summary.Outcomes[types.OutcomeChargedWorstCase] != 0 {
		t.Fatal("revoked monitoring must not fall through to worst_case")
	}
	if summary.Outcomes[types.OutcomeSettledZero] != 1 {
		t.Fatalf("expected settled_zero estimate, got %+v", summary.Outcomes)
	}

	// The usage window must stop at revocation.
	f.usage.mu.Lock()
	defer f.usage.mu.Unlock()
	if len(f.usage.queries) != 1 || !f.usage.queries[0].to.Equal(revokedAt) {
		t.Errorf("usage window must end at revocation, got %+v", f.usage.queries)
	}
}

func TestRun_DryRunHasNoSideEffects(t *testing.T) {
	f := newFixture(
		[]types.Commitment{testCommitment("user_1", 500, 60, 10)},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{"user_1": {minutes: 90, rows: 7}},
	)

	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow, DryRun: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Outcomes[types.OutcomeDryRun] != 1 {
		t.Fatalf("expected dry_run outcome, got %+v", summary.Outcomes)
	}
	if !summary.DryRun {
		t.Error("summary must flag dry run")
	}
	if f.charger.callCount() != 0 || len(f.ledger.payments) != 0 {
		t.Error("dry run must not call the processor or write the ledger")
	}
	if f.penalties.get("user_1", testWeekKey) != nil {
		t.Error("dry run must not create penalty rows")
	}
}

func TestRun_InvalidWeekKeyIsBatchError(t *testing.T) {
	f := newFixture(nil, nil, nil)

	_, err := f.engine.Run(context.Background(), Params{WeekKey: "not-a-week", Now: testNow})
	if err == nil {
		t.Fatal("expected error")
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeValidationInvalidWeekKey {
		t.Errorf("expected invalid week key error, got %v", err)
	}
}

func TestRun_FailuresAreIsolatedPerCandidate(t *testing.T) {
	// user_1 has no customer id, user_2 settles normally.
	f := newFixture(
		[]types.Commitment{
			testCommitment("user_1", 500, 60, 10),
			testCommitment("user_2", 500, 60, 10),
		},
		map[string]types.User{
			"user_1": {ID: "user_1"},
			"user_2": testUser("user_2"),
		},
		map[string]usageTotals{
			"user_1": {minutes: 90, rows: 7},
			"user_2": {minutes: 90, rows: 7},
		},
	)

	summary, err := f.engine.Run(context.Background(), Params{WeekKey: testWeekKey, Now: testNow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Processed != 2 {
		t.Errorf("both candidates must appear in the summary, got %d", summary.Processed)
	}
	if summary.Failed != 1 || summary.Charged != 1 {
		t.Errorf("expected 1 failed + 1 charged, got failed=%d charged=%d", summary.Failed, summary.Charged)
	}
	if row := f.penalties.get("user_2", testWeekKey); row == nil || row.Status != types.SettlementChargedActual {
		t.Error("healthy candidate must settle despite the failing one")
	}
}
