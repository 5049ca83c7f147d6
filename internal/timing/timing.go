// Package timing implements the mode/timing resolver: week boundaries, grace
// deadlines, and the canonical week key that groups commitments into
// settlement periods.
//
// Everything here is a pure function of (Mode, reference time). The
// compressed-mode flag arrives via explicit configuration and is never read
// from ambient state at call time. Compressed mode substitutes minutes for
// days so the rest of the pipeline stays time-unit-agnostic.
package timing

import (
	"time"

	"screenpact/internal/types"
)

const (
	// compressedWeek is the week duration in compressed mode.
	compressedWeek = 3 * time.Minute

	// compressedGrace is the grace period in compressed mode.
	compressedGrace = 2 * time.Minute

	// weekKeyCompressedLayout formats compressed-mode week keys at minute
	// granularity in UTC.
	weekKeyCompressedLayout = "2006-01-02T15:04"

	// weekKeyCalendarLayout formats normal-mode week keys as the calendar
	// date of the Monday boundary.
	weekKeyCalendarLayout = "2006-01-02"
)

// graceDays is the normal-mode grace period: exactly one civil day after the
// week boundary, computed in the boundary's timezone so the deadline survives
// daylight-saving transitions.
const graceDays = 1

// Mode captures the timing configuration for one run. Construct it once from
// config and thread it through every timing calculation.
type Mode struct {
	compressed bool
	loc        *time.Location
}

// NewMode builds a Mode. loc is the civil timezone used for normal-mode week
// boundaries; a nil loc defaults to UTC.
func NewMode(compressed bool, loc *time.Location) Mode {
	if loc == nil {
		loc = time.UTC
	}
	return Mode{compressed: compressed, loc: loc}
}

// Compressed reports whether the mode runs on the minute-based test timeline.
func (m Mode) Compressed() bool {
	return m.compressed
}

// WeekEnd returns the most recent week boundary at or before now.
//
// Compressed mode: now truncated to the compressed week duration, in UTC.
// Normal mode: the most recent Monday at 00:00 civil time in the configured
// zone (today, if now is a Monday).
func (m Mode) WeekEnd(now time.Time) time.Time {
	if m.compressed {
		return now.UTC().Truncate(compressedWeek)
	}
	local := now.In(m.loc)
	daysBack := (int(local.Weekday()) - int(time.Monday) + 7) % 7
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.loc)
	return midnight.AddDate(0, 0, -daysBack)
}

// NextWeekEnd returns the first week boundary strictly after now. Used when a
// commitment is created mid-week to compute its deadline.
func (m Mode) NextWeekEnd(now time.Time) time.Time {
	if m.compressed {
		return m.WeekEnd(now).Add(compressedWeek)
	}
	return m.WeekEnd(now).AddDate(0, 0, 7)
}

// WeekStart returns the opening boundary of the period that ends at weekEnd.
// Usage is aggregated over [WeekStart, weekEnd).
func (m Mode) WeekStart(weekEnd time.Time) time.Time {
	if m.compressed {
		return weekEnd.Add(-compressedWeek)
	}
	return weekEnd.AddDate(0, 0, -7)
}

// WeekKey formats the canonical identifier for the settlement period whose
// boundary is weekEnd.
//
// Compressed-mode and normal-mode formats differ deliberately: minute
// granularity versus calendar date. Whatever writes a commitment's week key
// and whatever later queries candidates by that key must both go through this
// function; the shared formatting is a correctness-critical contract.
func (m Mode) WeekKey(weekEnd time.Time) string {
	if m.compressed {
		return weekEnd.UTC().Format(weekKeyCompressedLayout)
	}
	return weekEnd.In(m.loc).Format(weekKeyCalendarLayout)
}

// CurrentWeekKey is shorthand for the key of the period containing now.
func (m Mode) CurrentWeekKey(now time.Time) string {
	return m.WeekKey(m.WeekEnd(now))
}

// ValidWeekKey reports whether key parses in this mode's format. Used to
// validate operator-supplied target weeks before querying.
func (m Mode) ValidWeekKey(key string) bool {
	layout := weekKeyCalendarLayout
	if m.compressed {
		layout = weekKeyCompressedLayout
	}
	_, err := time.Parse(layout, key)
	return err == nil
}

// GraceDeadline computes when the grace period for a commitment elapses.
// An explicit GraceExpiresAt on the commitment wins; otherwise the deadline
// derives from the commitment's week-end date.
//
// Normal mode adds one civil day to the week boundary in the configured
// timezone (AddDate, not Add, so a DST transition inside the grace window
// does not shift the deadline's wall-clock time).
func (m Mode) GraceDeadline(c types.Commitment) time.Time {
	if c.GraceExpiresAt != nil {
		return *c.GraceExpiresAt
	}
	if m.compressed {
		return c.WeekEndDate.Add(compressedGrace)
	}
	boundary := c.WeekEndDate.In(m.loc)
	return boundary.AddDate(0, 0, graceDays)
}

// GraceExpired reports whether the commitment's grace period has elapsed
// relative to now. A candidate is never charged before this returns true,
// regardless of its usage state: the user may still sync data.
func (m Mode) GraceExpired(c types.Commitment, now time.Time) bool {
	return !now.Before(m.GraceDeadline(c))
}
