// Package settlement implements the weekly charge pipeline: candidate
// assembly, the decision engine, and charge execution against the payment
// processor.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"screenpact/internal/timing"
	"screenpact/internal/types"
)

// CommitmentSource lists commitments eligible for settlement.
type CommitmentSource interface {
	ListByWeekKey(ctx context.Context, weekKey string, userID string, limit int) ([]types.Commitment, error)
}

// UserSource resolves the identity projection for candidate users.
type UserSource interface {
	GetByIDs(ctx context.Context, userIDs []string) (map[string]types.User, error)
}

// UsageSource aggregates synced screen time for a settlement window.
type UsageSource interface {
	WeekTotals(ctx context.Context, userID string, from, to time.Time) (int64, int, error)
}

// PenaltyReader loads existing penalty ledger rows.
type PenaltyReader interface {
	GetByUserWeek(ctx context.Context, userID, weekKey string) (*types.UserWeekPenalty, error)
}

// Builder joins commitments, users, usage totals, and any existing penalty
// rows into settlement candidates for one week.
type Builder struct {
	commitments CommitmentSource
	users       UserSource
	usage       UsageSource
	penalties   PenaltyReader
	mode        timing.Mode
	logger      *slog.Logger
}

// NewBuilder creates a candidate builder.
func NewBuilder(
	commitments CommitmentSource,
	users UserSource,
	usage UsageSource,
	penalties PenaltyReader,
	mode timing.Mode,
	logger *slog.Logger,
) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		commitments: commitments,
		users:       users,
		usage:       usage,
		penalties:   penalties,
		mode:        mode,
		logger:      logger,
	}
}

// Build assembles the candidates for weekKey. An optional userID narrows the
// batch to one user; limit caps the batch size. A commitment whose user row
// is missing is dropped with a warning rather than failing the whole batch.
func (b *Builder) Build(ctx context.Context, weekKey, userID string, limit int) ([]types.SettlementCandidate, error) {
	commitments, err := b.commitments.ListByWeekKey(ctx, weekKey, userID, limit)
	if err != nil {
		return nil, err
	}
	if len(commitments) == 0 {
		return nil, nil
	}

	userIDs := make([]string, 0, len(commitments))
	seen := make(map[string]bool, len(commitments))
	for _, c := range commitments {
		if !seen[c.UserID] {
			seen[c.UserID] = true
			userIDs = append(userIDs, c.UserID)
		}
	}

	users, err := b.users.GetByIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	candidates := make([]types.SettlementCandidate, 0, len(commitments))
	for _, c := range commitments {
		user, ok := users[c.UserID]
		if !ok {
			b.logger.WarnContext(ctx, "commitment references missing user, dropping candidate",
				slog.String("commitment_id", c.ID),
				slog.String("user_id", c.UserID),
			)
			continue
		}

		from := b.mode.WeekStart(c.WeekEndDate)
		to := c.WeekEndDate
		// Revoked monitoring stops the usable usage window at revocation;
		// minutes after that point were never observed.
		if c.MonitoringRevoked && c.MonitoringRevokedAt != nil && c.MonitoringRevokedAt.Before(to) {
			to = *c.MonitoringRevokedAt
		}

		minutes := int64(0)
		rowCount := 0
		if to.After(from) {
			minutes, rowCount, err = b.usage.WeekTotals(ctx, c.UserID, from, to)
			if err != nil {
				return nil, err
			}
		}

		penalty, err := b.penalties.GetByUserWeek(ctx, c.UserID, weekKey)
		if err != nil {
			var appErr *types.AppError
			if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundPenalty {
				return nil, err
			}
			penalty = nil
		}

		candidates = append(candidates, types.SettlementCandidate{
			Commitment:    c,
			User:          user,
			Penalty:       penalty,
			UsedMinutes:   minutes,
			UsageRowCount: rowCount,
		})
	}

	return candidates, nil
}
