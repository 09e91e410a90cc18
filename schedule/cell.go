package schedule

import (
	"sync/atomic"
	"time"
)

// Cell is a single-writer, many-reader holder for the currently active
// Schedule. The controller's real-time tick loop reads it on every tick;
// the re-planner writes a whole new Schedule to it once per re-plan cycle.
// Using atomic.Pointer means readers never block on the writer and the
// writer never blocks on readers — exactly the "atomic swap of an
// immutable value" pattern the teacher uses for its schedule channel in
// axle.Axle, adapted here to a pull rather than push model since the
// controller's tick loop wants the schedule's current value without
// having to drain a channel on its own cadence.
type Cell struct {
	current atomic.Pointer[Schedule]
}

// NewCell returns a Cell holding an empty Schedule.
func NewCell() *Cell {
	c := &Cell{}
	empty := Schedule{}
	c.current.Store(&empty)
	return c
}

// Set atomically replaces the active schedule.
func (c *Cell) Set(s Schedule) {
	c.current.Store(&s)
}

// Get returns the currently active schedule. Safe to call from any number
// of goroutines concurrently with each other and with Set.
func (c *Cell) Get() Schedule {
	p := c.current.Load()
	if p == nil {
		return Schedule{}
	}
	return *p
}

// PowerAt is a convenience wrapper around Get().PowerAt(t).
func (c *Cell) PowerAt(t time.Time) (float64, bool) {
	return c.Get().PowerAt(t)
}
