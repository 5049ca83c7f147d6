package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"screenpact/internal/external"
	"screenpact/internal/types"
)

// PenaltyStore is the write surface the executor needs on the penalty ledger.
type PenaltyStore interface {
	EnsureRow(ctx context.Context, userID, weekKey string, totalPenaltyCents int64) (*types.UserWeekPenalty, error)
	SettleCharged(ctx context.Context, userID, weekKey string, status types.SettlementStatus, amountCents int64, actualCents *int64, txnID string, chargedAt time.Time) (bool, error)
	SettleZero(ctx context.Context, userID, weekKey string, actualCents int64, settledAt time.Time) (bool, error)
	MarkChargeFailed(ctx context.Context, userID, weekKey string) error
}

// PaymentLedger appends processor transactions to the immutable ledger.
type PaymentLedger interface {
	Insert(ctx context.Context, p types.Payment) (*types.Payment, error)
}

// ChargeClient creates confirmed off-session charges.
type ChargeClient interface {
	CreateCharge(ctx context.Context, req external.ChargeRequest) (*external.ChargeResult, error)
}

// Executor performs the charge-then-persist sequence for one candidate:
// processor charge, payment ledger append, conditional status update. A
// persistence failure after a successful charge is logged as
// SETTLEMENT_LEDGER_MISMATCH and never triggers a second processor call.
type Executor struct {
	penalties PenaltyStore
	ledger    PaymentLedger
	charger   ChargeClient
	currency  string
	logger    *slog.Logger
}

// NewExecutor creates a charge executor.
func NewExecutor(penalties PenaltyStore, ledger PaymentLedger, charger ChargeClient, currency string, logger *slog.Logger) *Executor {
	if currency == "" {
		currency = "usd"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		penalties: penalties,
		ledger:    ledger,
		charger:   charger,
		currency:  currency,
		logger:    logger,
	}
}

// SettleZero closes a candidate whose amount is zero or below the processor
// minimum: terminal status, charged 0, actual recorded for audit, no
// processor call.
func (x *Executor) SettleZero(ctx context.Context, c types.SettlementCandidate, d decision) (types.OutcomeKind, string) {
	userID := c.Commitment.UserID
	weekKey := c.Commitment.WeekKey

	if _, err := x.penalties.EnsureRow(ctx, userID, weekKey, d.totalCents); err != nil {
		return types.OutcomeInternalError, err.Error()
	}

	actual := int64(0)
	if d.actualCents != nil {
		actual = *d.actualCents
	}
	applied, err := x.penalties.SettleZero(ctx, userID, weekKey, actual, time.Now().UTC())
	if err != nil {
		return types.OutcomeInternalError, err.Error()
	}
	if !applied {
		return types.OutcomeAlreadySettled, ""
	}
	return types.OutcomeSettledZero, d.reason
}

// ExecuteCharge runs the charge-then-persist sequence. Returns the outcome,
// an optional reason, and the processor transaction id and amount for audit.
func (x *Executor) ExecuteCharge(ctx context.Context, c types.SettlementCandidate, d decision) (types.OutcomeKind, string, string, int64) {
	userID := c.Commitment.UserID
	weekKey := c.Commitment.WeekKey

	if _, err := x.penalties.EnsureRow(ctx, userID, weekKey, d.totalCents); err != nil {
		return types.OutcomeInternalError, err.Error(), "", 0
	}

	req := external.ChargeRequest{
		CustomerID:     *c.User.StripeCustomerID,
		AmountCents:    d.amountCents,
		Currency:       x.currency,
		IdempotencyKey: uuid.NewString(),
		UserID:         userID,
		CommitmentID:   c.Commitment.ID,
		WeekKey:        weekKey,
		ChargeType:     d.chargeType,
	}
	if c.Commitment.SavedPaymentMethodID != nil {
		req.PaymentMethodID = *c.Commitment.SavedPaymentMethodID
	}

	result, err := x.charger.CreateCharge(ctx, req)
	if err != nil {
		return x.classifyChargeFailure(ctx, c, d, err)
	}

	if _, err := x.ledger.Insert(ctx, types.Payment{
		UserID:         userID,
		WeekKey:        weekKey,
		Type:           types.PaymentCharge,
		AmountCents:    result.AmountCents,
		Currency:       x.currency,
		ProcessorTxnID: result.TxnID,
		Status:         result.Status,
	}); err != nil {
		x.logger.ErrorContext(ctx, "SETTLEMENT_LEDGER_MISMATCH: charge succeeded but payment ledger append failed",
			slog.String("user_id", userID),
			slog.String("week_key", weekKey),
			slog.String("processor_txn_id", result.TxnID),
			slog.Int64("amount_cents", result.AmountCents),
			slog.Any("error", err),
		)
		return types.OutcomeLedgerMismatch, "payment ledger append failed after charge", result.TxnID, result.AmountCents
	}

	status := types.SettlementChargedActual
	if d.chargeType == types.ChargeWorstCase {
		status = types.SettlementChargedWorstCase
	}

	applied, err := x.penalties.SettleCharged(ctx, userID, weekKey, status, d.amountCents, d.actualCents, result.TxnID, time.Now().UTC())
	if err != nil {
		x.logger.ErrorContext(ctx, "SETTLEMENT_LEDGER_MISMATCH: charge succeeded but status update failed",
			slog.String("user_id", userID),
			slog.String("week_key", weekKey),
			slog.String("processor_txn_id", result.TxnID),
			slog.Int64("amount_cents", result.AmountCents),
			slog.Any("error", err),
		)
		return types.OutcomeLedgerMismatch, "status update failed after charge", result.TxnID, result.AmountCents
	}
	if !applied {
		// Concurrent run settled the row first; this charge is the duplicate
		// the status guard exists to surface.
		x.logger.WarnContext(ctx, "duplicate settlement attempt, concurrent run won",
			slog.String("user_id", userID),
			slog.String("week_key", weekKey),
			slog.String("processor_txn_id", result.TxnID),
		)
		return types.OutcomeAlreadySettled, "", result.TxnID, result.AmountCents
	}

	if d.chargeType == types.ChargeWorstCase {
		return types.OutcomeChargedWorstCase, d.reason, result.TxnID, result.AmountCents
	}
	return types.OutcomeChargedActual, d.reason, result.TxnID, result.AmountCents
}

// classifyChargeFailure maps a processor error to the candidate outcome.
// Below-minimum resolves to a zero settle; everything else flips the row to
// charge_failed so the next run retries it.
func (x *Executor) classifyChargeFailure(ctx context.Context, c types.SettlementCandidate, d decision, err error) (types.OutcomeKind, string, string, int64) {
	userID := c.Commitment.UserID
	weekKey := c.Commitment.WeekKey

	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodePaymentBelowMinimum {
		outcome, reason := x.SettleZero(ctx, c, d)
		return outcome, reason, "", 0
	}

	x.logger.WarnContext(ctx, "settlement charge failed",
		slog.String("user_id", userID),
		slog.String("week_key", weekKey),
		slog.Int64("amount_cents", d.amountCents),
		slog.Any("error", err),
	)
	if markErr := x.penalties.MarkChargeFailed(ctx, userID, weekKey); markErr != nil {
		x.logger.ErrorContext(ctx, "failed to record charge_failed status",
			slog.String("user_id", userID),
			slog.String("week_key", weekKey),
			slog.Any("error", markErr),
		)
	}
	return types.OutcomeChargeFailed, err.Error(), "", 0
}
