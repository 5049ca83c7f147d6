package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenpact/internal/types"
)

func losAngeles(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	return loc
}

func TestWeekEnd_Normal_MostRecentMonday(t *testing.T) {
	loc := losAngeles(t)
	m := NewMode(false, loc)

	// Thursday 2025-06-12 15:30 local.
	now := time.Date(2025, 6, 12, 15, 30, 0, 0, loc)
	we := m.WeekEnd(now)

	assert.Equal(t, time.Monday, we.Weekday())
	assert.Equal(t, time.Date(2025, 6, 9, 0, 0, 0, 0, loc), we)
}

func TestWeekEnd_Normal_MondayIsItsOwnBoundary(t *testing.T) {
	loc := losAngeles(t)
	m := NewMode(false, loc)

	now := time.Date(2025, 6, 9, 8, 0, 0, 0, loc) // Monday morning
	assert.Equal(t, time.Date(2025, 6, 9, 0, 0, 0, 0, loc), m.WeekEnd(now))
}

func TestNextWeekEnd_Normal(t *testing.T) {
	loc := losAngeles(t)
	m := NewMode(false, loc)

	now := time.Date(2025, 6, 12, 15, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, loc), m.NextWeekEnd(now))
}

func TestWeekEnd_Compressed_TruncatesToWeekDuration(t *testing.T) {
	m := NewMode(true, nil)

	now := time.Date(2025, 6, 12, 15, 31, 45, 0, time.UTC)
	we := m.WeekEnd(now)

	assert.Equal(t, time.Date(2025, 6, 12, 15, 30, 0, 0, time.UTC), we)
	assert.Equal(t, we.Add(compressedWeek), m.NextWeekEnd(now))
}

func TestWeekStart_OpensThePeriodClosedByWeekEnd(t *testing.T) {
	loc := losAngeles(t)
	m := NewMode(false, loc)

	we := time.Date(2025, 6, 9, 0, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, loc), m.WeekStart(we))

	cm := NewMode(true, nil)
	cwe := time.Date(2025, 6, 12, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, cwe.Add(-compressedWeek), cm.WeekStart(cwe))
}

func TestWeekKey_FormatsDifferPerMode(t *testing.T) {
	boundary := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)

	normal := NewMode(false, time.UTC)
	compressed := NewMode(true, nil)

	assert.Equal(t, "2025-06-09", normal.WeekKey(boundary))
	assert.Equal(t, "2025-06-09T00:00", compressed.WeekKey(boundary))
}

// The writer (commitment creation) and the reader (candidate query) must
// produce the same key for the same period. Formatting lives in one function;
// this test pins the round trip through ValidWeekKey.
func TestWeekKey_RoundTripsThroughValidation(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		m := NewMode(compressed, time.UTC)
		key := m.CurrentWeekKey(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
		assert.True(t, m.ValidWeekKey(key), "mode compressed=%v key=%s", compressed, key)
	}

	assert.False(t, NewMode(false, time.UTC).ValidWeekKey("not-a-week"))
	assert.False(t, NewMode(true, nil).ValidWeekKey("2025-06-09"))
}

func TestGraceDeadline_ExplicitExpiryWins(t *testing.T) {
	m := NewMode(false, time.UTC)
	explicit := time.Date(2025, 6, 11, 17, 0, 0, 0, time.UTC)

	c := types.Commitment{
		WeekEndDate:    time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC),
		GraceExpiresAt: &explicit,
	}
	assert.Equal(t, explicit, m.GraceDeadline(c))
}

func TestGraceDeadline_Normal_OneDayAfterBoundary(t *testing.T) {
	loc := losAngeles(t)
	m := NewMode(false, loc)

	c := types.Commitment{WeekEndDate: time.Date(2025, 6, 9, 0, 0, 0, 0, loc)}
	assert.Equal(t, time.Date(2025, 6, 10, 0, 0, 0, 0, loc), m.GraceDeadline(c))
}

// Spring-forward Sunday 2025-03-09: the Monday 2025-03-10 boundary plus one
// civil day must land on Tuesday 00:00 local, not 23:00 or 01:00.
func TestGraceDeadline_SurvivesDSTTransition(t *testing.T) {
	loc := losAngeles(t)
	m := NewMode(false, loc)

	// Boundary the Monday before the transition; grace window spans it when
	// the commitment carries an explicit-free boundary on transition week.
	c := types.Commitment{WeekEndDate: time.Date(2025, 3, 10, 0, 0, 0, 0, loc)}
	deadline := m.GraceDeadline(c)

	assert.Equal(t, 0, deadline.Hour())
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, loc), deadline)
}

func TestGraceDeadline_Compressed(t *testing.T) {
	m := NewMode(true, nil)
	weekEnd := time.Date(2025, 6, 12, 15, 30, 0, 0, time.UTC)

	c := types.Commitment{WeekEndDate: weekEnd}
	assert.Equal(t, weekEnd.Add(compressedGrace), m.GraceDeadline(c))
}

func TestGraceExpired(t *testing.T) {
	m := NewMode(true, nil)
	weekEnd := time.Date(2025, 6, 12, 15, 30, 0, 0, time.UTC)
	c := types.Commitment{WeekEndDate: weekEnd}

	assert.False(t, m.GraceExpired(c, weekEnd.Add(time.Minute)))
	// Boundary instant counts as expired.
	assert.True(t, m.GraceExpired(c, weekEnd.Add(compressedGrace)))
	assert.True(t, m.GraceExpired(c, weekEnd.Add(10*time.Minute)))
}
