// Package reconcile corrects settled weeks after late usage syncs: refunds
// over-charges, tops up under-charges, and clears the reconciliation flag
// only once both the processor call and the ledger update succeed.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"screenpact/internal/external"
	"screenpact/internal/settlement"
	"screenpact/internal/types"
)

const (
	defaultBatchSize = 25
	maxBatchSize     = 100

	// minChargeCents mirrors the settlement floor: top-ups below it are
	// uncollectable and their flags are cleared.
	minChargeCents = 60
)

// ReasonExternalRefund marks rows flagged because a refund was issued outside
// this service (e.g. from the Stripe dashboard). The money already moved, so
// the worker records the refund in the ledger without a second processor call.
const ReasonExternalRefund = "external_refund"

// PenaltyStore is the ledger surface the worker needs.
type PenaltyStore interface {
	ListReconciliationCandidates(ctx context.Context, limit int) ([]types.UserWeekPenalty, error)
	ApplyRefund(ctx context.Context, userID, weekKey string, status types.SettlementStatus, refundCents, actualCents int64, refundTxnID string, refundedAt time.Time) (bool, error)
	ApplyAdditionalCharge(ctx context.Context, userID, weekKey string, extraCents, actualCents int64, txnID string, chargedAt time.Time) (bool, error)
	ClearReconciliationFlag(ctx context.Context, userID, weekKey string) error
}

// CommitmentSource re-joins a flagged row to its commitment.
type CommitmentSource interface {
	GetByUserWeek(ctx context.Context, userID, weekKey string) (*types.Commitment, error)
}

// UserSource resolves the processor customer for top-up charges.
type UserSource interface {
	GetByID(ctx context.Context, userID string) (*types.User, error)
}

// PaymentLedger appends refund and adjustment rows.
type PaymentLedger interface {
	Insert(ctx context.Context, p types.Payment) (*types.Payment, error)
}

// Processor issues refunds and top-up charges.
type Processor interface {
	CreateCharge(ctx context.Context, req external.ChargeRequest) (*external.ChargeResult, error)
	CreateRefund(ctx context.Context, req external.RefundRequest) (*external.ChargeResult, error)
}

// Params control one reconciliation run.
type Params struct {
	// Limit caps the batch; <= 0 uses the default, values above the hard cap
	// are clamped.
	Limit  int
	DryRun bool
}

// Worker drains flagged penalty rows oldest first. Candidates are processed
// sequentially to preserve fairness ordering; one candidate's failure never
// aborts the batch.
type Worker struct {
	penalties   PenaltyStore
	commitments CommitmentSource
	users       UserSource
	ledger      PaymentLedger
	processor   Processor
	currency    string
	batchSize   int
	metrics     settlement.MetricsEmitter
	audit       settlement.AuditSink
	logger      *slog.Logger
}

// NewWorker creates a reconciliation worker. metrics and audit may be nil.
func NewWorker(
	penalties PenaltyStore,
	commitments CommitmentSource,
	users UserSource,
	ledger PaymentLedger,
	processor Processor,
	currency string,
	batchSize int,
	metrics settlement.MetricsEmitter,
	audit settlement.AuditSink,
	logger *slog.Logger,
) *Worker {
	if currency == "" {
		currency = "usd"
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		penalties:   penalties,
		commitments: commitments,
		users:       users,
		ledger:      ledger,
		processor:   processor,
		currency:    currency,
		batchSize:   batchSize,
		metrics:     metrics,
		audit:       audit,
		logger:      logger,
	}
}

// Run executes one reconciliation batch and returns its summary.
func (w *Worker) Run(ctx context.Context, p Params) (*types.RunSummary, error) {
	start := time.Now()

	limit := p.Limit
	if limit <= 0 {
		limit = w.batchSize
	}
	if limit > maxBatchSize {
		limit = maxBatchSize
	}

	rows, err := w.penalties.ListReconciliationCandidates(ctx, limit)
	if err != nil {
		return nil, err
	}

	summary := types.NewRunSummary("", start)
	summary.DryRun = p.DryRun

	w.logger.InfoContext(ctx, "reconciliation run started",
		slog.Int("candidates", len(rows)),
		slog.Bool("dry_run", p.DryRun),
	)

	for _, row := range rows {
		outcome, reason, txnID, amount := w.reconcileOne(ctx, row, p.DryRun)
		if reason != "" && isFailureOutcome(outcome) {
			summary.Fail(outcome, row.UserID, reason)
		} else {
			summary.Record(outcome)
		}
		w.writeAudit(ctx, types.OutcomeRecord{
			Run:         "reconciliation",
			WeekKey:     row.WeekKey,
			UserID:      row.UserID,
			Outcome:     outcome,
			Reason:      reason,
			AmountCents: amount,
			TxnID:       txnID,
			At:          time.Now().UTC(),
		})
	}

	summary.Duration = time.Since(start)

	if w.metrics != nil {
		w.metrics.EmitOutcomes(ctx, "reconciliation", summary.Outcomes)
		w.metrics.EmitRunDuration(ctx, "reconciliation", summary.Duration)
	}

	w.logger.InfoContext(ctx, "reconciliation run finished",
		slog.Int("processed", summary.Processed),
		slog.Int("refunded", summary.Refunded),
		slog.Int("charged", summary.Charged),
		slog.Int("failed", summary.Failed),
		slog.Duration("duration", summary.Duration),
	)

	return summary, nil
}

// reconcileOne applies one flagged row's delta. Returns the outcome, an
// optional reason, and the processor transaction and amount for audit.
func (w *Worker) reconcileOne(ctx context.Context, row types.UserWeekPenalty, dryRun bool) (types.OutcomeKind, string, string, int64) {
	delta := row.ReconciliationDeltaCents

	if delta == 0 {
		if dryRun {
			return types.OutcomeDryRun, "", "", 0
		}
		if err := w.penalties.ClearReconciliationFlag(ctx, row.UserID, row.WeekKey); err != nil {
			return types.OutcomeInternalError, err.Error(), "", 0
		}
		return types.OutcomeZeroDelta, "", "", 0
	}

	if dryRun {
		return types.OutcomeDryRun, "", "", delta
	}

	if delta < 0 {
		return w.refund(ctx, row, -delta)
	}
	return w.additionalCharge(ctx, row, delta)
}

// refund issues a partial or full refund of amount against the original
// charge. The flag survives a missing charge reference or a processor
// failure so the row stays queued.
func (w *Worker) refund(ctx context.Context, row types.UserWeekPenalty, amount int64) (types.OutcomeKind, string, string, int64) {
	if row.ChargeTxnID == nil || *row.ChargeTxnID == "" {
		return types.OutcomeSkippedWithReason, string(types.ErrCodePrereqNoChargeRef), "", 0
	}

	// Never refund more than was charged.
	if amount > row.ChargedAmountCents {
		amount = row.ChargedAmountCents
	}
	if amount <= 0 {
		if err := w.penalties.ClearReconciliationFlag(ctx, row.UserID, row.WeekKey); err != nil {
			return types.OutcomeInternalError, err.Error(), "", 0
		}
		return types.OutcomeZeroDelta, "nothing charged to refund", "", 0
	}

	actual := recordedActual(row)
	newCharged := row.ChargedAmountCents - amount
	status := types.SettlementRefundedPartial
	if newCharged == 0 {
		status = types.SettlementRefunded
	}

	if row.ReconciliationReason == ReasonExternalRefund {
		return w.recordExternalRefund(ctx, row, amount, actual, status)
	}

	result, err := w.processor.CreateRefund(ctx, external.RefundRequest{
		PaymentIntentID: *row.ChargeTxnID,
		AmountCents:     amount,
		IdempotencyKey:  uuid.NewString(),
		UserID:          row.UserID,
		WeekKey:         row.WeekKey,
		Reason:          row.ReconciliationReason,
	})
	if err != nil {
		w.logger.WarnContext(ctx, "reconciliation refund failed",
			slog.String("user_id", row.UserID),
			slog.String("week_key", row.WeekKey),
			slog.Int64("amount_cents", amount),
			slog.Any("error", err),
		)
		return types.OutcomeChargeFailed, err.Error(), "", 0
	}

	if _, err := w.ledger.Insert(ctx, types.Payment{
		UserID:         row.UserID,
		WeekKey:        row.WeekKey,
		Type:           types.PaymentRefund,
		AmountCents:    amount,
		Currency:       w.currency,
		ProcessorTxnID: result.TxnID,
		RelatedTxnID:   row.ChargeTxnID,
		Status:         result.Status,
	}); err != nil {
		w.logMismatch(ctx, row, result.TxnID, amount, "payment ledger append failed after refund", err)
		return types.OutcomeLedgerMismatch, "payment ledger append failed after refund", result.TxnID, amount
	}

	applied, err := w.penalties.ApplyRefund(ctx, row.UserID, row.WeekKey, status, amount, actual, result.TxnID, time.Now().UTC())
	if err != nil {
		w.logMismatch(ctx, row, result.TxnID, amount, "penalty update failed after refund", err)
		return types.OutcomeLedgerMismatch, "penalty update failed after refund", result.TxnID, amount
	}
	if !applied {
		w.logger.WarnContext(ctx, "duplicate reconciliation attempt, flag already cleared",
			slog.String("user_id", row.UserID),
			slog.String("week_key", row.WeekKey),
			slog.String("refund_txn_id", result.TxnID),
		)
		return types.OutcomeAlreadySettled, "", result.TxnID, amount
	}

	return types.OutcomeRefundIssued, "", result.TxnID, amount
}

// recordExternalRefund catches the ledger up with a refund that already
// happened on the processor side. No CreateRefund call; the charge reference
// stands in for the unknown refund object.
func (w *Worker) recordExternalRefund(ctx context.Context, row types.UserWeekPenalty, amount, actual int64, status types.SettlementStatus) (types.OutcomeKind, string, string, int64) {
	txnID := *row.ChargeTxnID

	if _, err := w.ledger.Insert(ctx, types.Payment{
		UserID:         row.UserID,
		WeekKey:        row.WeekKey,
		Type:           types.PaymentRefund,
		AmountCents:    amount,
		Currency:       w.currency,
		ProcessorTxnID: txnID,
		RelatedTxnID:   row.ChargeTxnID,
		Status:         "external",
	}); err != nil {
		w.logMismatch(ctx, row, txnID, amount, "payment ledger append failed after external refund", err)
		return types.OutcomeLedgerMismatch, "payment ledger append failed after external refund", txnID, amount
	}

	applied, err := w.penalties.ApplyRefund(ctx, row.UserID, row.WeekKey, status, amount, actual, txnID, time.Now().UTC())
	if err != nil {
		w.logMismatch(ctx, row, txnID, amount, "penalty update failed after external refund", err)
		return types.OutcomeLedgerMismatch, "penalty update failed after external refund", txnID, amount
	}
	if !applied {
		return types.OutcomeAlreadySettled, "", txnID, amount
	}

	return types.OutcomeRefundIssued, "", txnID, amount
}

// additionalCharge issues a top-up for an under-charged week, capped so the
// cumulative charge never exceeds the commitment's pre-authorized maximum.
func (w *Worker) additionalCharge(ctx context.Context, row types.UserWeekPenalty, delta int64) (types.OutcomeKind, string, string, int64) {
	user, err := w.users.GetByID(ctx, row.UserID)
	if err != nil {
		return types.OutcomeInternalError, err.Error(), "", 0
	}
	commitment, err := w.commitments.GetByUserWeek(ctx, row.UserID, row.WeekKey)
	if err != nil {
		return types.OutcomeInternalError, err.Error(), "", 0
	}

	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		return types.OutcomeSkippedWithReason, string(types.ErrCodePrereqNoCustomer), "", 0
	}
	if commitment.SavedPaymentMethodID == nil || *commitment.SavedPaymentMethodID == "" {
		return types.OutcomeSkippedWithReason, string(types.ErrCodePrereqNoPaymentMethod), "", 0
	}

	extra := delta
	if headroom := commitment.MaxChargeCents - row.ChargedAmountCents; extra > headroom {
		extra = headroom
	}
	if extra <= 0 || extra < minChargeCents {
		// Nothing collectable: either the pre-auth cap is already reached or
		// the top-up is below the processor floor. The flag can never be
		// acted on, so clear it.
		if err := w.penalties.ClearReconciliationFlag(ctx, row.UserID, row.WeekKey); err != nil {
			return types.OutcomeInternalError, err.Error(), "", 0
		}
		return types.OutcomeZeroDelta, "delta uncollectable under cap and minimum", "", 0
	}

	actual := recordedActual(row)

	result, err := w.processor.CreateCharge(ctx, external.ChargeRequest{
		CustomerID:      *user.StripeCustomerID,
		PaymentMethodID: *commitment.SavedPaymentMethodID,
		AmountCents:     extra,
		Currency:        w.currency,
		IdempotencyKey:  uuid.NewString(),
		UserID:          row.UserID,
		CommitmentID:    commitment.ID,
		WeekKey:         row.WeekKey,
		ChargeType:      types.ChargeActual,
	})
	if err != nil {
		w.logger.WarnContext(ctx, "reconciliation top-up charge failed",
			slog.String("user_id", row.UserID),
			slog.String("week_key", row.WeekKey),
			slog.Int64("amount_cents", extra),
			slog.Any("error", err),
		)
		return types.OutcomeChargeFailed, err.Error(), "", 0
	}

	if _, err := w.ledger.Insert(ctx, types.Payment{
		UserID:         row.UserID,
		WeekKey:        row.WeekKey,
		Type:           types.PaymentAdjustment,
		AmountCents:    extra,
		Currency:       w.currency,
		ProcessorTxnID: result.TxnID,
		RelatedTxnID:   row.ChargeTxnID,
		Status:         result.Status,
	}); err != nil {
		w.logMismatch(ctx, row, result.TxnID, extra, "payment ledger append failed after top-up", err)
		return types.OutcomeLedgerMismatch, "payment ledger append failed after top-up", result.TxnID, extra
	}

	applied, err := w.penalties.ApplyAdditionalCharge(ctx, row.UserID, row.WeekKey, extra, actual, result.TxnID, time.Now().UTC())
	if err != nil {
		w.logMismatch(ctx, row, result.TxnID, extra, "penalty update failed after top-up", err)
		return types.OutcomeLedgerMismatch, "penalty update failed after top-up", result.TxnID, extra
	}
	if !applied {
		w.logger.WarnContext(ctx, "duplicate reconciliation attempt, flag already cleared",
			slog.String("user_id", row.UserID),
			slog.String("week_key", row.WeekKey),
			slog.String("charge_txn_id", result.TxnID),
		)
		return types.OutcomeAlreadySettled, "", result.TxnID, extra
	}

	return types.OutcomeAdditionalCharge, "", result.TxnID, extra
}

func (w *Worker) logMismatch(ctx context.Context, row types.UserWeekPenalty, txnID string, amount int64, msg string, err error) {
	w.logger.ErrorContext(ctx, "RECONCILE_LEDGER_MISMATCH: "+msg,
		slog.String("user_id", row.UserID),
		slog.String("week_key", row.WeekKey),
		slog.String("processor_txn_id", txnID),
		slog.Int64("amount_cents", amount),
		slog.Any("error", err),
	)
}

func (w *Worker) writeAudit(ctx context.Context, rec types.OutcomeRecord) {
	if w.audit == nil {
		return
	}
	if err := w.audit.Write(ctx, rec); err != nil {
		w.logger.WarnContext(ctx, "audit record write failed",
			slog.String("user_id", rec.UserID),
			slog.Any("error", err),
		)
	}
}

// recordedActual is the week's true penalty. Rows flagged by a late sync
// carry it directly; older rows only carry the delta.
func recordedActual(row types.UserWeekPenalty) int64 {
	if row.ActualAmountCents != nil {
		return *row.ActualAmountCents
	}
	return row.ChargedAmountCents + row.ReconciliationDeltaCents
}

func isFailureOutcome(kind types.OutcomeKind) bool {
	switch kind {
	case types.OutcomeChargeFailed, types.OutcomeLedgerMismatch, types.OutcomeInternalError:
		return true
	}
	return false
}
