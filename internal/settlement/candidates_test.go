package settlement

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"screenpact/internal/timing"
	"screenpact/internal/types"
)

func newTestBuilder(commitments []types.Commitment, users map[string]types.User, totals map[string]usageTotals, penalties *fakePenalties) *Builder {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewBuilder(
		&fakeCommitments{commitments: commitments},
		&fakeUsers{users: users},
		&fakeUsage{totals: totals},
		penalties,
		timing.NewMode(false, time.UTC),
		logger,
	)
}

func TestBuild_JoinsUsageAndPenalty(t *testing.T) {
	penalties := newFakePenalties()
	if _, err := penalties.EnsureRow(context.Background(), "user_1", testWeekKey, 300); err != nil {
		t.Fatal(err)
	}

	b := newTestBuilder(
		[]types.Commitment{testCommitment("user_1", 500, 60, 10)},
		map[string]types.User{"user_1": testUser("user_1")},
		map[string]usageTotals{"user_1": {minutes: 90, rows: 7}},
		penalties,
	)

	out, err := b.Build(context.Background(), testWeekKey, "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(out))
	}

	c := out[0]
	if c.UsedMinutes != 90 || c.UsageRowCount != 7 {
		t.Errorf("usage join wrong: %d minutes, %d rows", c.UsedMinutes, c.UsageRowCount)
	}
	if c.Penalty == nil || c.Penalty.TotalPenaltyCents != 300 {
		t.Errorf("penalty join wrong: %+v", c.Penalty)
	}
}

func TestBuild_MissingPenaltyRowIsNil(t *testing.T) {
	b := newTestBuilder(
		[]types.Commitment{testCommitment("user_1", 500, 60, 10)},
		map[string]types.User{"user_1": testUser("user_1")},
		nil,
		newFakePenalties(),
	)

	out, err := b.Build(context.Background(), testWeekKey, "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Penalty != nil {
		t.Errorf("expected nil penalty before first settlement, got %+v", out[0].Penalty)
	}
}

func TestBuild_MissingUserDropsCandidate(t *testing.T) {
	b := newTestBuilder(
		[]types.Commitment{
			testCommitment("user_1", 500, 60, 10),
			testCommitment("user_ghost", 500, 60, 10),
		},
		map[string]types.User{"user_1": testUser("user_1")},
		nil,
		newFakePenalties(),
	)

	out, err := b.Build(context.Background(), testWeekKey, "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Commitment.UserID != "user_1" {
		t.Errorf("expected ghost user dropped, got %+v", out)
	}
}

func TestBuild_UserFilterAndLimit(t *testing.T) {
	b := newTestBuilder(
		[]types.Commitment{
			testCommitment("user_1", 500, 60, 10),
			testCommitment("user_2", 500, 60, 10),
		},
		map[string]types.User{
			"user_1": testUser("user_1"),
			"user_2": testUser("user_2"),
		},
		nil,
		newFakePenalties(),
	)

	out, err := b.Build(context.Background(), testWeekKey, "user_2", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Commitment.UserID != "user_2" {
		t.Errorf("user filter failed: %+v", out)
	}
}
