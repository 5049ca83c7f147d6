package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"screenpact/internal/timing"
	"screenpact/internal/types"
)

// minChargeCents is the smallest amount sent to the processor. Stripe's USD
// floor is 50 cents; the pad tolerates currency-conversion rounding. Amounts
// below this settle at zero without a processor call.
const minChargeCents = 60

// reasonMonitoringRevoked annotates settlements whose actual amount is an
// estimate covering only the span before the user revoked monitoring.
const reasonMonitoringRevoked = "monitoring_revoked_estimate"

// defaultWorkers bounds per-candidate parallelism when config gives no value.
const defaultWorkers = 4

// MetricsEmitter publishes run-level observability counters. Emission
// failures are logged by the implementation and never fail a run.
type MetricsEmitter interface {
	EmitOutcomes(ctx context.Context, run string, outcomes map[types.OutcomeKind]int)
	EmitRunDuration(ctx context.Context, run string, d time.Duration)
}

// AuditSink receives per-candidate outcome records for the out-of-band audit
// trail.
type AuditSink interface {
	Write(ctx context.Context, rec types.OutcomeRecord) error
}

// Params control one settlement run.
type Params struct {
	// WeekKey selects the settlement period; empty means the current one.
	WeekKey string
	// UserID narrows the run to a single user (manual re-runs).
	UserID string
	// Limit caps the batch size; <= 0 means no limit.
	Limit int
	// DryRun computes decisions and the summary without processor calls or
	// writes.
	DryRun bool
	// Now overrides the run's reference time; zero means time.Now().
	Now time.Time
}

// Engine runs the weekly settlement batch: build candidates, decide each one,
// and execute charges through the executor with bounded parallelism.
type Engine struct {
	builder  *Builder
	executor *Executor
	mode     timing.Mode
	workers  int
	metrics  MetricsEmitter
	audit    AuditSink
	logger   *slog.Logger
}

// NewEngine creates a settlement engine. metrics and audit may be nil.
func NewEngine(
	builder *Builder,
	executor *Executor,
	mode timing.Mode,
	workers int,
	metrics MetricsEmitter,
	audit AuditSink,
	logger *slog.Logger,
) *Engine {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		builder:  builder,
		executor: executor,
		mode:     mode,
		workers:  workers,
		metrics:  metrics,
		audit:    audit,
		logger:   logger,
	}
}

// Run executes one settlement batch and returns its summary. Per-candidate
// failures are recorded in the summary; only batch-level failures (bad week
// key, candidate query errors) return an error.
func (e *Engine) Run(ctx context.Context, p Params) (*types.RunSummary, error) {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}

	weekKey := p.WeekKey
	if weekKey == "" {
		weekKey = e.mode.CurrentWeekKey(now)
	} else if !e.mode.ValidWeekKey(weekKey) {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidWeekKey,
			"week key does not match the active mode's format",
			nil,
		)
	}

	summary := types.NewRunSummary(weekKey, now)
	summary.DryRun = p.DryRun

	candidates, err := e.builder.Build(ctx, weekKey, p.UserID, p.Limit)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "settlement run started",
		slog.String("week_key", weekKey),
		slog.Int("candidates", len(candidates)),
		slog.Bool("dry_run", p.DryRun),
		slog.String("trigger", string(types.GetTriggerSource(ctx))),
	)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, cand := range candidates {
		cand := cand
		g.Go(func() error {
			outcome, reason, txnID, amount := e.processOne(gctx, cand, p.DryRun, now)

			mu.Lock()
			if reason != "" && isFailureOutcome(outcome) {
				summary.Fail(outcome, cand.Commitment.UserID, reason)
			} else {
				summary.Record(outcome)
			}
			mu.Unlock()

			e.writeAudit(gctx, types.OutcomeRecord{
				Run:         "settlement",
				WeekKey:     weekKey,
				UserID:      cand.Commitment.UserID,
				Outcome:     outcome,
				Reason:      reason,
				AmountCents: amount,
				TxnID:       txnID,
				At:          time.Now().UTC(),
			})
			// Candidate failures never abort the batch.
			return nil
		})
	}
	// Workers only return nil; Wait is for draining.
	_ = g.Wait()

	summary.Duration = time.Since(now)

	if e.metrics != nil {
		e.metrics.EmitOutcomes(ctx, "settlement", summary.Outcomes)
		e.metrics.EmitRunDuration(ctx, "settlement", summary.Duration)
	}

	e.logger.InfoContext(ctx, "settlement run finished",
		slog.String("week_key", weekKey),
		slog.Int("processed", summary.Processed),
		slog.Int("charged", summary.Charged),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Duration("duration", summary.Duration),
	)

	return summary, nil
}

// action is the internal verdict of decide.
type action int

const (
	actSkip action = iota
	actSettleZero
	actCharge
	actFail
)

// decision is the fully resolved plan for one candidate.
type decision struct {
	action      action
	outcome     types.OutcomeKind // for actSkip / actFail
	reason      string
	chargeType  types.ChargeType
	amountCents int64
	actualCents *int64
	totalCents  int64 // uncapped penalty, stored on the row for audit
}

// decide resolves one candidate into a plan without side effects.
//
// Order matters: the terminal-status guard first (idempotency), then grace
// gating (unconditional, even for zero usage), then charge derivation, then
// prerequisite checks, then the zero/minimum floor.
func (e *Engine) decide(c types.SettlementCandidate, now time.Time) decision {
	if c.Penalty != nil && c.Penalty.Status.IsTerminal() {
		return decision{action: actSkip, outcome: types.OutcomeAlreadySettled}
	}

	if !e.mode.GraceExpired(c.Commitment, now) {
		return decision{action: actSkip, outcome: types.OutcomeGraceNotExpired}
	}

	// Usage counts as synced when at least one row exists, or when a prior
	// run recorded an actual amount (even zero) on the penalty row.
	synced := c.UsageRowCount > 0 ||
		(c.Penalty != nil && c.Penalty.ActualAmountCents != nil)

	var d decision
	switch {
	case synced:
		actual := e.actualPenalty(c)
		d = decision{
			action:      actCharge,
			chargeType:  types.ChargeActual,
			amountCents: minInt64(actual, c.Commitment.MaxChargeCents),
			actualCents: &actual,
			totalCents:  actual,
		}
	case c.Commitment.MonitoringRevoked:
		// No sync and monitoring was revoked: charge the estimate accrued
		// before revocation instead of the worst case.
		estimate := e.computedPenalty(c)
		d = decision{
			action:      actCharge,
			chargeType:  types.ChargeActual,
			amountCents: minInt64(estimate, c.Commitment.MaxChargeCents),
			actualCents: &estimate,
			totalCents:  estimate,
			reason:      reasonMonitoringRevoked,
		}
	default:
		d = decision{
			action:      actCharge,
			chargeType:  types.ChargeWorstCase,
			amountCents: c.Commitment.MaxChargeCents,
			totalCents:  c.Commitment.MaxChargeCents,
		}
	}

	if c.User.StripeCustomerID == nil || *c.User.StripeCustomerID == "" {
		return decision{
			action:     actFail,
			outcome:    types.OutcomeMissingPrerequisite,
			reason:     string(types.ErrCodePrereqNoCustomer),
			totalCents: d.totalCents,
		}
	}
	if c.Commitment.SavedPaymentMethodID == nil || *c.Commitment.SavedPaymentMethodID == "" {
		return decision{
			action:     actFail,
			outcome:    types.OutcomeMissingPrerequisite,
			reason:     string(types.ErrCodePrereqNoPaymentMethod),
			totalCents: d.totalCents,
		}
	}

	if d.amountCents <= 0 || d.amountCents < minChargeCents {
		d.action = actSettleZero
	}
	return d
}

// actualPenalty returns the usage-derived penalty in cents. A prior run's
// recorded actual wins when the usage table has nothing for the window.
func (e *Engine) actualPenalty(c types.SettlementCandidate) int64 {
	if c.UsageRowCount == 0 && c.Penalty != nil && c.Penalty.ActualAmountCents != nil {
		return *c.Penalty.ActualAmountCents
	}
	return e.computedPenalty(c)
}

// computedPenalty derives the penalty from synced minutes: overage beyond the
// committed limit, priced per minute.
func (e *Engine) computedPenalty(c types.SettlementCandidate) int64 {
	overage := c.UsedMinutes - int64(c.Commitment.LimitMinutes)
	if overage <= 0 {
		return 0
	}
	return overage * c.Commitment.PenaltyRateCents
}

// processOne decides and executes a single candidate, returning the outcome,
// an optional reason, and the processor transaction and amount for the audit
// record.
func (e *Engine) processOne(ctx context.Context, c types.SettlementCandidate, dryRun bool, now time.Time) (types.OutcomeKind, string, string, int64) {
	d := e.decide(c, now)

	switch d.action {
	case actSkip, actFail:
		return d.outcome, d.reason, "", 0
	}

	if dryRun {
		return types.OutcomeDryRun, d.reason, "", d.amountCents
	}

	if d.action == actSettleZero {
		outcome, reason := e.executor.SettleZero(ctx, c, d)
		return outcome, reason, "", 0
	}

	return e.executor.ExecuteCharge(ctx, c, d)
}

func (e *Engine) writeAudit(ctx context.Context, rec types.OutcomeRecord) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Write(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "audit record write failed",
			slog.String("user_id", rec.UserID),
			slog.Any("error", err),
		)
	}
}

func isFailureOutcome(kind types.OutcomeKind) bool {
	switch kind {
	case types.OutcomeChargeFailed, types.OutcomeMissingPrerequisite,
		types.OutcomeLedgerMismatch, types.OutcomeInternalError:
		return true
	}
	return false
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
