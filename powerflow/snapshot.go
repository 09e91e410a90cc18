package powerflow

import (
	"fmt"
	"time"
)

// ControlMode names which control regime produced a snapshot, carried in the
// persisted record so an operator can see at a glance why the battery is
// doing what it's doing.
type ControlMode string

const (
	ControlModeSchedule  ControlMode = "schedule"
	ControlModeArbitrage ControlMode = "arbitrage"
	ControlModeSafety    ControlMode = "safety"
	ControlModeManual    ControlMode = "manual"
	ControlModeIdle      ControlMode = "idle"
)

// PowerSnapshot is the complete, self-balancing allocation of power across
// PV, house, battery, EVSE, and grid at a single instant. It is the central
// value object of the whole system: everything downstream — persistence,
// the HTTP read path, safety review — consumes PowerSnapshot values, never
// raw device readings.
//
// PVKw, HouseLoadKw, EVPowerKw, GridImportKw and GridExportKw are always
// >= 0. BatteryPowerKw is signed: positive charges, negative discharges.
type PowerSnapshot struct {
	PVKw          float64   `json:"pv_kw"`
	HouseLoadKw   float64   `json:"house_load_kw"`
	BatteryPowerKw float64  `json:"battery_power_kw"`
	EVPowerKw     float64   `json:"ev_power_kw"`
	GridImportKw  float64   `json:"grid_import_kw"`
	GridExportKw  float64   `json:"grid_export_kw"`
	Timestamp     time.Time `json:"timestamp"`

	// DecisionReason names the active rule that produced this allocation,
	// e.g. "EV urgency 0.95 — max charge". Human-readable, <= 256 chars.
	DecisionReason string `json:"decision_reason"`
	ControlMode    ControlMode `json:"control_mode"`
}

// newSnapshot rounds every power field to 3 decimal places, per spec.md's
// numeric policy, so persisted snapshots are byte-stable across a
// serialize/deserialize round trip.
func newSnapshot(pv, house, battery, ev, gridImport, gridExport float64, ts time.Time, mode ControlMode, reason string) PowerSnapshot {
	if len(reason) > 256 {
		reason = reason[:256]
	}
	return PowerSnapshot{
		PVKw:           roundTo3(pv),
		HouseLoadKw:    roundTo3(house),
		BatteryPowerKw: roundTo3(battery),
		EVPowerKw:      roundTo3(ev),
		GridImportKw:   roundTo3(gridImport),
		GridExportKw:   roundTo3(gridExport),
		Timestamp:      ts,
		ControlMode:    mode,
		DecisionReason: reason,
	}
}

// VerifyPowerBalance checks invariant 1 from spec.md §3:
//
//	pv + grid_import + max(-battery, 0) == house_load + ev + max(battery, 0) + grid_export
//
// within epsilon.
func (s PowerSnapshot) VerifyPowerBalance() bool {
	sources := s.PVKw + s.GridImportKw + negPart(s.BatteryPowerKw)
	sinks := s.HouseLoadKw + s.EVPowerKw + posPart(s.BatteryPowerKw) + s.GridExportKw
	return almostEqual(sources, sinks)
}

// NoSimultaneousImportExport checks invariant 2: at most one of import/export
// is positive.
func (s PowerSnapshot) NoSimultaneousImportExport() bool {
	return s.GridImportKw <= epsilon || s.GridExportKw <= epsilon
}

// ExceedsFuseLimits checks invariant 3 against the given physical
// constraints.
func (s PowerSnapshot) ExceedsFuseLimits(p PhysicalConstraints) bool {
	return s.GridImportKw > p.MaxGridImportKw+epsilon || s.GridExportKw > p.MaxGridExportKw+epsilon
}

// Verify runs every universal invariant from spec.md §8 that can be checked
// from the snapshot and constraints alone (timestamp monotonicity is a
// property of a *sequence* of snapshots and is checked by the controller,
// not here).
func (s PowerSnapshot) Verify(c Constraints) error {
	if !s.VerifyPowerBalance() {
		return fmt.Errorf("%w: sources and sinks differ by more than %.3fkW", ErrPowerBalanceViolation, epsilon)
	}
	if !s.NoSimultaneousImportExport() {
		return fmt.Errorf("%w: simultaneous import (%.3f) and export (%.3f)", ErrPowerBalanceViolation, s.GridImportKw, s.GridExportKw)
	}
	if s.ExceedsFuseLimits(c.Physical) {
		return fmt.Errorf("%w: import %.3f/%.3f export %.3f/%.3f", ErrFuseLimitViolation, s.GridImportKw, c.Physical.MaxGridImportKw, s.GridExportKw, c.Physical.MaxGridExportKw)
	}
	if s.BatteryPowerKw < -c.Physical.MaxBatteryDischargeKw-epsilon || s.BatteryPowerKw > c.Physical.MaxBatteryChargeKw+epsilon {
		return fmt.Errorf("%w: battery_power_kw %.3f outside [-%.3f, %.3f]", ErrFuseLimitViolation, s.BatteryPowerKw, c.Physical.MaxBatteryDischargeKw, c.Physical.MaxBatteryChargeKw)
	}
	if s.EVPowerKw > epsilon {
		evMin := c.Physical.EVSEMinPowerKw()
		evMax := c.Physical.EVSEMaxPowerKw()
		if s.EVPowerKw < evMin-epsilon || s.EVPowerKw > evMax+epsilon {
			return fmt.Errorf("%w: ev_power_kw %.3f outside [%.3f, %.3f]", ErrFuseLimitViolation, s.EVPowerKw, evMin, evMax)
		}
	}
	return nil
}

// Rebalance recomputes GridImportKw/GridExportKw from the snapshot's own
// PV, house, EV and battery fields, discarding whatever grid values were
// last computed. The safety layer calls this after forcing battery or EV
// power to zero: those fields no longer match the grid flow the model
// originally balanced them against, so without a fresh residual the
// snapshot would fail VerifyPowerBalance the moment it is persisted.
func (s PowerSnapshot) Rebalance() PowerSnapshot {
	grid := s.HouseLoadKw + s.EVPowerKw + posPart(s.BatteryPowerKw) - s.PVKw - negPart(s.BatteryPowerKw)
	switch {
	case almostZero(grid):
		s.GridImportKw, s.GridExportKw = 0, 0
	case grid > 0:
		s.GridImportKw, s.GridExportKw = roundTo3(grid), 0
	default:
		s.GridImportKw, s.GridExportKw = 0, roundTo3(-grid)
	}
	return s
}

func posPart(v float64) float64 {
	if v > 0 {
		return v
	}
	return 0
}

func negPart(v float64) float64 {
	if v < 0 {
		return -v
	}
	return 0
}
