package db

import (
	"context"

	"github.com/google/uuid"

	"screenpact/internal/types"
)

// PaymentRepo appends to the immutable payment ledger. There is deliberately
// no update or delete method; corrections are new rows linked by
// related_txn_id.
type PaymentRepo struct {
	db DBTX
}

// NewPaymentRepo creates a new PaymentRepo backed by the given database
// connection (pool or transaction).
func NewPaymentRepo(db DBTX) *PaymentRepo {
	return &PaymentRepo{db: db}
}

// Insert appends one ledger entry. Generates the row id when the caller
// leaves it empty and returns the stored row.
func (r *PaymentRepo) Insert(ctx context.Context, p types.Payment) (*types.Payment, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	err := r.db.QueryRow(ctx,
		`INSERT INTO payments (id, user_id, week_key, type, amount_cents,
		                       currency, processor_txn_id, related_txn_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at`,
		p.ID, p.UserID, p.WeekKey, p.Type, p.AmountCents,
		p.Currency, p.ProcessorTxnID, p.RelatedTxnID, p.Status,
	).Scan(&p.CreatedAt)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to append payment ledger entry", err)
	}
	return &p, nil
}

// ListByUserWeek returns the ledger entries for (user, week key) in insertion
// order. Used by operators auditing a disputed settlement.
func (r *PaymentRepo) ListByUserWeek(ctx context.Context, userID, weekKey string) ([]types.Payment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, week_key, type, amount_cents, currency,
		        processor_txn_id, related_txn_id, status, created_at
		 FROM payments
		 WHERE user_id = $1 AND week_key = $2
		 ORDER BY created_at ASC`,
		userID, weekKey,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list payments", err)
	}
	defer rows.Close()

	var out []types.Payment
	for rows.Next() {
		var p types.Payment
		if err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.WeekKey,
			&p.Type,
			&p.AmountCents,
			&p.Currency,
			&p.ProcessorTxnID,
			&p.RelatedTxnID,
			&p.Status,
			&p.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan payment row", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "payment row iteration failed", err)
	}
	return out, nil
}
