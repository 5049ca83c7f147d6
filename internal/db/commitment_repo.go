package db

import (
	"context"

	"screenpact/internal/types"
)

// CommitmentRepo reads weekly commitments. Commitments are created by the
// client-facing subsystem; this engine only queries them by week key.
type CommitmentRepo struct {
	db DBTX
}

// NewCommitmentRepo creates a new CommitmentRepo backed by the given
// database connection (pool or transaction).
func NewCommitmentRepo(db DBTX) *CommitmentRepo {
	return &CommitmentRepo{db: db}
}

const commitmentColumns = `id, user_id, week_key, week_end_date, grace_expires_at,
	saved_payment_method_id, max_charge_cents, limit_minutes,
	penalty_rate_cents, status, monitoring_revoked, monitoring_revoked_at,
	created_at`

// ListByWeekKey returns all commitments grouped under the given week key,
// regardless of individual creation time. An optional userID narrows the
// result to one user (manual re-runs); limit <= 0 means no limit.
func (r *CommitmentRepo) ListByWeekKey(ctx context.Context, weekKey string, userID string, limit int) ([]types.Commitment, error) {
	query := `SELECT ` + commitmentColumns + `
		 FROM commitments
		 WHERE week_key = $1`
	args := []any{weekKey}

	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at ASC`
	if limit > 0 {
		args = append(args, limit)
		if userID != "" {
			query += ` LIMIT $3`
		} else {
			query += ` LIMIT $2`
		}
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list commitments by week key", err)
	}
	defer rows.Close()

	var commitments []types.Commitment
	for rows.Next() {
		var c types.Commitment
		if err := rows.Scan(
			&c.ID,
			&c.UserID,
			&c.WeekKey,
			&c.WeekEndDate,
			&c.GraceExpiresAt,
			&c.SavedPaymentMethodID,
			&c.MaxChargeCents,
			&c.LimitMinutes,
			&c.PenaltyRateCents,
			&c.Status,
			&c.MonitoringRevoked,
			&c.MonitoringRevokedAt,
			&c.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan commitment row", err)
		}
		commitments = append(commitments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "commitment row iteration failed", err)
	}

	return commitments, nil
}

// GetByUserWeek returns the commitment for (user, week key), or a not-found
// AppError if none exists. Used by the reconciliation worker to re-join a
// flagged penalty row to its commitment.
func (r *CommitmentRepo) GetByUserWeek(ctx context.Context, userID, weekKey string) (*types.Commitment, error) {
	var c types.Commitment
	err := r.db.QueryRow(ctx,
		`SELECT `+commitmentColumns+`
		 FROM commitments
		 WHERE user_id = $1 AND week_key = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, weekKey,
	).Scan(
		&c.ID,
		&c.UserID,
		&c.WeekKey,
		&c.WeekEndDate,
		&c.GraceExpiresAt,
		&c.SavedPaymentMethodID,
		&c.MaxChargeCents,
		&c.LimitMinutes,
		&c.PenaltyRateCents,
		&c.Status,
		&c.MonitoringRevoked,
		&c.MonitoringRevokedAt,
		&c.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCommitment, "no commitment for user/week", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get commitment", err)
	}
	return &c, nil
}
