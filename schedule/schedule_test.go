package schedule

import (
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("mustTime(%q): %v", s, err)
	}
	return tm
}

func TestSchedule_PowerAt_WithinInterval(t *testing.T) {
	start := mustTime(t, "2026-08-06T10:00:00Z")
	s, err := New(start, []Interval{
		{Start: start, End: start.Add(30 * time.Minute), BatterySetpoint: -2.5},
		{Start: start.Add(30 * time.Minute), End: start.Add(60 * time.Minute), BatterySetpoint: 3.0},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if v, ok := s.PowerAt(start); !ok || v != -2.5 {
		t.Errorf("expected -2.5 at interval start, got %v ok=%v", v, ok)
	}
	if v, ok := s.PowerAt(start.Add(45 * time.Minute)); !ok || v != 3.0 {
		t.Errorf("expected 3.0 mid second interval, got %v ok=%v", v, ok)
	}
	if v, ok := s.PowerAt(start.Add(29 * time.Minute)); !ok || v != -2.5 {
		t.Errorf("expected -2.5 near end of first interval, got %v ok=%v", v, ok)
	}
}

func TestSchedule_PowerAt_OutsideCoverage(t *testing.T) {
	start := mustTime(t, "2026-08-06T10:00:00Z")
	s, err := New(start, []Interval{
		{Start: start, End: start.Add(30 * time.Minute), BatterySetpoint: 1.0},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, ok := s.PowerAt(start.Add(-time.Minute)); ok {
		t.Error("expected no coverage before first interval")
	}
	if _, ok := s.PowerAt(start.Add(31 * time.Minute)); ok {
		t.Error("expected no coverage after last interval")
	}
	// end is exclusive
	if _, ok := s.PowerAt(start.Add(30 * time.Minute)); ok {
		t.Error("expected end time to be exclusive")
	}
}

func TestSchedule_PowerAt_IsOrderIndependent(t *testing.T) {
	start := mustTime(t, "2026-08-06T10:00:00Z")
	// deliberately supplied out of order
	s, err := New(start, []Interval{
		{Start: start.Add(30 * time.Minute), End: start.Add(60 * time.Minute), BatterySetpoint: 3.0},
		{Start: start, End: start.Add(30 * time.Minute), BatterySetpoint: -2.5},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v1, _ := s.PowerAt(start)
	v2, _ := s.PowerAt(start)
	if v1 != v2 || v1 != -2.5 {
		t.Errorf("expected -2.5 from repeated PowerAt calls despite out-of-order intervals, got %v vs %v", v1, v2)
	}
}

func TestSchedule_New_RejectsOverlap(t *testing.T) {
	start := mustTime(t, "2026-08-06T10:00:00Z")
	_, err := New(start, []Interval{
		{Start: start, End: start.Add(30 * time.Minute), BatterySetpoint: 1.0},
		{Start: start.Add(15 * time.Minute), End: start.Add(45 * time.Minute), BatterySetpoint: 2.0},
	})
	if err == nil {
		t.Fatal("expected overlap error, got nil")
	}
}

func TestSchedule_Empty(t *testing.T) {
	var s Schedule
	if !s.Empty() {
		t.Error("zero-value schedule should be empty")
	}
	if _, ok := s.PowerAt(time.Now()); ok {
		t.Error("empty schedule should never report coverage")
	}
}

func TestCell_SetGetConcurrentSafe(t *testing.T) {
	c := NewCell()
	start := mustTime(t, "2026-08-06T10:00:00Z")
	s, _ := New(start, []Interval{{Start: start, End: start.Add(time.Hour), BatterySetpoint: 1.5}})

	done := make(chan struct{})
	go func() {
		c.Set(s)
		close(done)
	}()
	<-done

	v, ok := c.PowerAt(start.Add(time.Minute))
	if !ok || v != 1.5 {
		t.Errorf("expected 1.5, got %v ok=%v", v, ok)
	}
}
