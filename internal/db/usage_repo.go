package db

import (
	"context"
	"time"

	"screenpact/internal/types"
)

// UsageRepo reads the synced screen-time entries. Entries are written by the
// device sync pipeline; the settlement engine only aggregates them.
type UsageRepo struct {
	db DBTX
}

// NewUsageRepo creates a new UsageRepo backed by the given database connection.
func NewUsageRepo(db DBTX) *UsageRepo {
	return &UsageRepo{db: db}
}

// WeekTotals returns the total synced minutes and the number of usage rows
// for a user within [from, to). A row count of zero means the device never
// confirmed usage for the window, which settlement treats differently from a
// confirmed zero-minute week.
func (r *UsageRepo) WeekTotals(ctx context.Context, userID string, from, to time.Time) (int64, int, error) {
	var minutes int64
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(minutes), 0), COUNT(*)
		 FROM usage_entries
		 WHERE user_id = $1
		   AND occurred_at >= $2
		   AND occurred_at < $3`,
		userID, from, to,
	).Scan(&minutes, &count)
	if err != nil {
		return 0, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate usage", err)
	}
	return minutes, count, nil
}
