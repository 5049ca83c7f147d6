package db

import (
	"context"

	"screenpact/internal/types"
)

// UserRepo reads the identity projection owned by the accounts subsystem.
// Strictly read-only in this service.
type UserRepo struct {
	db DBTX
}

// NewUserRepo creates a new UserRepo backed by the given database connection.
func NewUserRepo(db DBTX) *UserRepo {
	return &UserRepo{db: db}
}

// GetByID returns one user, or a not-found AppError.
func (r *UserRepo) GetByID(ctx context.Context, userID string) (*types.User, error) {
	var u types.User
	err := r.db.QueryRow(ctx,
		`SELECT id, stripe_customer_id, has_payment_method
		 FROM users
		 WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.StripeCustomerID, &u.HasPaymentMethod)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get user", err)
	}
	return &u, nil
}

// GetByIDs returns the users for the given ids keyed by id. Missing ids are
// simply absent from the map; the caller decides whether that is an error.
func (r *UserRepo) GetByIDs(ctx context.Context, userIDs []string) (map[string]types.User, error) {
	out := make(map[string]types.User, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, stripe_customer_id, has_payment_method
		 FROM users
		 WHERE id = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to batch get users", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.StripeCustomerID, &u.HasPaymentMethod); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user row", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "user row iteration failed", err)
	}
	return out, nil
}
