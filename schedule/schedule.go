// Package schedule holds the finite, ordered list of battery setpoints
// produced by the re-planner, and the single-writer/many-reader cell the
// real-time controller reads it through.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Interval is one entry of a Schedule: a half-open time window and the
// battery setpoint, in kW, that should be commanded for its duration.
// Positive charges, negative discharges, matching powerflow's sign
// convention.
type Interval struct {
	Start           time.Time
	End             time.Time
	BatterySetpoint float64
}

func (iv Interval) contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Schedule is an immutable, ordered, non-overlapping list of Intervals
// produced by a single re-plan cycle. A Schedule is never mutated after
// construction — a new plan replaces the whole value.
type Schedule struct {
	ID          uuid.UUID
	GeneratedAt time.Time
	Intervals   []Interval
}

// New builds a Schedule from a set of intervals, sorting them by start time
// and rejecting overlaps — a re-planner bug that produces overlapping
// windows must fail loudly rather than silently pick one.
func New(generatedAt time.Time, intervals []Interval) (Schedule, error) {
	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start.Before(sorted[i-1].End) {
			return Schedule{}, fmt.Errorf("schedule: interval %d (%s-%s) overlaps interval %d (%s-%s)",
				i, sorted[i].Start, sorted[i].End, i-1, sorted[i-1].Start, sorted[i-1].End)
		}
	}

	return Schedule{
		ID:          uuid.New(),
		GeneratedAt: generatedAt,
		Intervals:   sorted,
	}, nil
}

// PowerAt returns the battery setpoint active at t and true, or false if t
// falls outside every interval's coverage. It is a pure binary search over
// an immutable slice, so it is safe to call concurrently and is idempotent
// and order-independent — repeated calls with the same t always agree.
func (s Schedule) PowerAt(t time.Time) (float64, bool) {
	// Intervals are sorted and non-overlapping, so the interval that could
	// contain t, if any, is the last one whose Start is <= t.
	idx := sort.Search(len(s.Intervals), func(i int) bool {
		return s.Intervals[i].Start.After(t)
	})
	if idx == 0 {
		return 0, false
	}
	candidate := s.Intervals[idx-1]
	if candidate.contains(t) {
		return candidate.BatterySetpoint, true
	}
	return 0, false
}

// Empty reports whether the schedule carries no intervals at all — the
// zero-value Schedule used before the first re-plan completes.
func (s Schedule) Empty() bool {
	return len(s.Intervals) == 0
}
