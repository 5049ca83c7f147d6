package db

import (
	"context"
	"log/slog"
	"time"

	"screenpact/internal/types"
)

// PenaltyRepo manages the per-user, per-week penalty ledger rows.
//
// Key invariants:
//   - Settlement status transitions use conditional UPDATEs: a row in a
//     terminal status is never modified again by settlement, so a run that
//     races a concurrent run (or a retry of a crashed one) degrades to an
//     idempotent no-op instead of a double charge.
//   - Reconciliation updates are guarded by needs_reconciliation = TRUE, so
//     two workers draining the same flag cannot both apply the delta.
type PenaltyRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewPenaltyRepo creates a new PenaltyRepo backed by the given database
// connection (pool or transaction).
func NewPenaltyRepo(db DBTX, logger *slog.Logger) *PenaltyRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &PenaltyRepo{db: db, logger: logger}
}

const penaltyColumns = `user_id, week_key, total_penalty_cents, status,
	charged_amount_cents, actual_amount_cents, refund_amount_cents,
	charge_txn_id, refund_txn_id, charged_at, refunded_at,
	needs_reconciliation, reconciliation_delta_cents, reconciliation_reason,
	detected_at`

func terminalStatuses() []string {
	out := make([]string, len(types.TerminalSettlementStatuses))
	for i, s := range types.TerminalSettlementStatuses {
		out[i] = string(s)
	}
	return out
}

func scanPenalty(row interface{ Scan(dest ...any) error }, p *types.UserWeekPenalty) error {
	return row.Scan(
		&p.UserID,
		&p.WeekKey,
		&p.TotalPenaltyCents,
		&p.Status,
		&p.ChargedAmountCents,
		&p.ActualAmountCents,
		&p.RefundAmountCents,
		&p.ChargeTxnID,
		&p.RefundTxnID,
		&p.ChargedAt,
		&p.RefundedAt,
		&p.NeedsReconciliation,
		&p.ReconciliationDeltaCents,
		&p.ReconciliationReason,
		&p.DetectedAt,
	)
}

// EnsureRow lazily creates the penalty row for (user, week key) in pending
// status, then returns the current row. The insert is a no-op when the row
// already exists, so concurrent settlement runs converge on one row.
func (r *PenaltyRepo) EnsureRow(ctx context.Context, userID, weekKey string, totalPenaltyCents int64) (*types.UserWeekPenalty, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_week_penalties (user_id, week_key, total_penalty_cents, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, week_key) DO NOTHING`,
		userID, weekKey, totalPenaltyCents, types.SettlementPending,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to ensure penalty row", err)
	}
	return r.GetByUserWeek(ctx, userID, weekKey)
}

// GetByUserWeek returns the penalty row for (user, week key), or a not-found
// AppError if none exists.
func (r *PenaltyRepo) GetByUserWeek(ctx context.Context, userID, weekKey string) (*types.UserWeekPenalty, error) {
	var p types.UserWeekPenalty
	err := scanPenalty(r.db.QueryRow(ctx,
		`SELECT `+penaltyColumns+`
		 FROM user_week_penalties
		 WHERE user_id = $1 AND week_key = $2`,
		userID, weekKey,
	), &p)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPenalty, "no penalty row for user/week", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get penalty row", err)
	}
	return &p, nil
}

// SettleCharged records a successful charge and moves the row to the given
// terminal status. The UPDATE only applies while the row is still in a
// non-terminal status; a false return means another run settled the row
// first and this charge's persistence must be escalated by the caller.
func (r *PenaltyRepo) SettleCharged(
	ctx context.Context,
	userID, weekKey string,
	status types.SettlementStatus,
	amountCents int64,
	actualCents *int64,
	txnID string,
	chargedAt time.Time,
) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_week_penalties
		 SET status = $1,
		     charged_amount_cents = $2,
		     actual_amount_cents = $3,
		     charge_txn_id = $4,
		     charged_at = $5
		 WHERE user_id = $6
		   AND week_key = $7
		   AND status <> ALL($8)`,
		status, amountCents, actualCents, txnID, chargedAt,
		userID, weekKey, terminalStatuses(),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to persist settlement charge", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "settlement persist lost conditional update, row already terminal",
			slog.String("user_id", userID),
			slog.String("week_key", weekKey),
			slog.String("attempted_status", string(status)),
		)
		return false, nil
	}
	return true, nil
}

// SettleZero closes the row without any processor transaction, for penalties
// of zero or below the processor minimum. Conditional on the row still being
// non-terminal.
func (r *PenaltyRepo) SettleZero(ctx context.Context, userID, weekKey string, actualCents int64, settledAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_week_penalties
		 SET status = $1,
		     charged_amount_cents = 0,
		     actual_amount_cents = $2,
		     charged_at = $3
		 WHERE user_id = $4
		   AND week_key = $5
		   AND status <> ALL($6)`,
		types.SettlementChargedActual, actualCents, settledAt,
		userID, weekKey, terminalStatuses(),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to persist zero settlement", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkChargeFailed flips the row to charge_failed so the next scheduled run
// retries it. Terminal rows are left alone.
func (r *PenaltyRepo) MarkChargeFailed(ctx context.Context, userID, weekKey string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE user_week_penalties
		 SET status = $1
		 WHERE user_id = $2
		   AND week_key = $3
		   AND status <> ALL($4)`,
		types.SettlementChargeFailed, userID, weekKey, terminalStatuses(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark charge failed", err)
	}
	return nil
}

// ApplyRefund records a reconciliation refund: reduces the effective charged
// amount, accumulates the refund total, records the processor refund id, sets
// the refunded status and clears the reconciliation flag in one statement.
// Guarded by needs_reconciliation = TRUE so a second worker draining the same
// flag observes zero rows affected.
func (r *PenaltyRepo) ApplyRefund(
	ctx context.Context,
	userID, weekKey string,
	status types.SettlementStatus,
	refundCents int64,
	actualCents int64,
	refundTxnID string,
	refundedAt time.Time,
) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_week_penalties
		 SET status = $1,
		     charged_amount_cents = GREATEST(charged_amount_cents - $2, 0),
		     refund_amount_cents = refund_amount_cents + $2,
		     actual_amount_cents = $3,
		     refund_txn_id = $4,
		     refunded_at = $5,
		     needs_reconciliation = FALSE,
		     reconciliation_delta_cents = 0,
		     reconciliation_reason = ''
		 WHERE user_id = $6
		   AND week_key = $7
		   AND needs_reconciliation = TRUE`,
		status, refundCents, actualCents, refundTxnID, refundedAt,
		userID, weekKey,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to persist refund", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "refund persist lost conditional update, flag already cleared",
			slog.String("user_id", userID),
			slog.String("week_key", weekKey),
		)
		return false, nil
	}
	return true, nil
}

// ApplyAdditionalCharge records a reconciliation top-up charge on an already
// settled row and clears the reconciliation flag. Same guard as ApplyRefund.
func (r *PenaltyRepo) ApplyAdditionalCharge(
	ctx context.Context,
	userID, weekKey string,
	extraCents int64,
	actualCents int64,
	txnID string,
	chargedAt time.Time,
) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_week_penalties
		 SET status = $1,
		     charged_amount_cents = charged_amount_cents + $2,
		     actual_amount_cents = $3,
		     charge_txn_id = $4,
		     charged_at = $5,
		     needs_reconciliation = FALSE,
		     reconciliation_delta_cents = 0,
		     reconciliation_reason = ''
		 WHERE user_id = $6
		   AND week_key = $7
		   AND needs_reconciliation = TRUE`,
		types.SettlementChargedActualAdjusted, extraCents, actualCents, txnID, chargedAt,
		userID, weekKey,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to persist additional charge", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "additional charge persist lost conditional update, flag already cleared",
			slog.String("user_id", userID),
			slog.String("week_key", weekKey),
		)
		return false, nil
	}
	return true, nil
}

// ClearReconciliationFlag resets the flag without touching the financial
// columns. Used for zero-delta candidates.
func (r *PenaltyRepo) ClearReconciliationFlag(ctx context.Context, userID, weekKey string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE user_week_penalties
		 SET needs_reconciliation = FALSE,
		     reconciliation_delta_cents = 0,
		     reconciliation_reason = ''
		 WHERE user_id = $1
		   AND week_key = $2
		   AND needs_reconciliation = TRUE`,
		userID, weekKey,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear reconciliation flag", err)
	}
	return nil
}

// FlagForReconciliation marks a settled row as needing reconciliation with
// the detected delta. Called when a late usage sync reports corrected totals.
func (r *PenaltyRepo) FlagForReconciliation(ctx context.Context, userID, weekKey string, deltaCents int64, reason string, detectedAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE user_week_penalties
		 SET needs_reconciliation = TRUE,
		     reconciliation_delta_cents = $1,
		     reconciliation_reason = $2,
		     detected_at = $3
		 WHERE user_id = $4
		   AND week_key = $5`,
		deltaCents, reason, detectedAt, userID, weekKey,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to flag row for reconciliation", err)
	}
	return nil
}

// ListReconciliationCandidates returns flagged rows oldest first, capped at
// limit. Oldest first so stale corrections drain before fresh ones.
func (r *PenaltyRepo) ListReconciliationCandidates(ctx context.Context, limit int) ([]types.UserWeekPenalty, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+penaltyColumns+`
		 FROM user_week_penalties
		 WHERE needs_reconciliation = TRUE
		 ORDER BY detected_at ASC NULLS LAST
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list reconciliation candidates", err)
	}
	defer rows.Close()

	var out []types.UserWeekPenalty
	for rows.Next() {
		var p types.UserWeekPenalty
		if err := scanPenalty(rows, &p); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan penalty row", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "penalty row iteration failed", err)
	}
	return out, nil
}
