package powerflow

import (
	"fmt"
	"time"
)

// PhysicalConstraints describes the hard limits imposed by the installed
// hardware and the grid connection. The model must never produce a snapshot
// that violates any of these.
type PhysicalConstraints struct {
	MaxGridImportKw      float64 // fuse import limit
	MaxGridExportKw      float64 // fuse export limit
	MaxBatteryChargeKw   float64
	MaxBatteryDischargeKw float64
	EVSEMinCurrentA      float64 // IEC 61851 minimum, typically 6A
	EVSEMaxCurrentA      float64
	Phases               int // 1 or 3
	PhaseVoltageV        float64
}

// SafetyConstraints describes the operating envelope the SafetyMonitor
// enforces on top of the physical limits.
type SafetyConstraints struct {
	BatteryMinSoCPct       float64
	BatteryMaxSoCPct       float64
	HousePriority          bool
	MaxBatteryCyclesPerDay float64
	MaxBatteryTempC        float64
}

// EconomicConstraints describes the objectives the model optimizes for once
// the physical and safety tiers are satisfied.
type EconomicConstraints struct {
	GridPrice               float64
	ExportPrice             float64
	PreferSelfConsumption   bool
	ArbitrageThresholdPrice float64

	// ArbitrageHysteresis widens the arbitrage threshold into a dead band
	// [threshold-hysteresis, threshold+hysteresis]: below the low edge the
	// battery charges from the grid, above the high edge it discharges to
	// offset import, and inside the band it holds. Without this a price
	// oscillating around the threshold would chatter the battery between
	// charge and discharge every tick.
	ArbitrageHysteresis float64

	EVDepartureTime *time.Time
	EVTargetSoCPct  *float64
}

// Constraints is the immutable, three-tier constraint set active for a
// control tick. A new Constraints value is built per tick (or replaced
// wholesale by the operator); it is never mutated in place.
type Constraints struct {
	Physical PhysicalConstraints
	Safety   SafetyConstraints
	Economic EconomicConstraints
}

// DefaultPhaseVoltageV is used when PhaseVoltageV is left at its zero value.
const DefaultPhaseVoltageV = 230.0

// Validate checks that the constraint set is internally consistent and
// within a domain-sensible range. It does not depend on any particular
// tick's measurements.
func (c Constraints) Validate() error {
	p := c.Physical
	if !finiteNonNegative(p.MaxGridImportKw) {
		return fmt.Errorf("constraints: max_grid_import_kw must be finite and >= 0, got %v", p.MaxGridImportKw)
	}
	if !finiteNonNegative(p.MaxGridExportKw) {
		return fmt.Errorf("constraints: max_grid_export_kw must be finite and >= 0, got %v", p.MaxGridExportKw)
	}
	if !finiteNonNegative(p.MaxBatteryChargeKw) {
		return fmt.Errorf("constraints: max_battery_charge_kw must be finite and >= 0, got %v", p.MaxBatteryChargeKw)
	}
	if !finiteNonNegative(p.MaxBatteryDischargeKw) {
		return fmt.Errorf("constraints: max_battery_discharge_kw must be finite and >= 0, got %v", p.MaxBatteryDischargeKw)
	}
	if p.EVSEMinCurrentA < 6 {
		return fmt.Errorf("constraints: evse_min_current_a must be >= 6A per IEC 61851, got %v", p.EVSEMinCurrentA)
	}
	if p.EVSEMaxCurrentA < p.EVSEMinCurrentA {
		return fmt.Errorf("constraints: evse_max_current_a (%v) must be >= evse_min_current_a (%v)", p.EVSEMaxCurrentA, p.EVSEMinCurrentA)
	}
	if p.Phases != 1 && p.Phases != 3 {
		return fmt.Errorf("constraints: phases must be 1 or 3, got %d", p.Phases)
	}

	s := c.Safety
	if s.BatteryMinSoCPct < 0 || s.BatteryMinSoCPct > 100 {
		return fmt.Errorf("constraints: battery_min_soc_pct out of range: %v", s.BatteryMinSoCPct)
	}
	if s.BatteryMaxSoCPct < 0 || s.BatteryMaxSoCPct > 100 {
		return fmt.Errorf("constraints: battery_max_soc_pct out of range: %v", s.BatteryMaxSoCPct)
	}
	if s.BatteryMaxSoCPct < s.BatteryMinSoCPct {
		return fmt.Errorf("constraints: battery_max_soc_pct (%v) must be >= battery_min_soc_pct (%v)", s.BatteryMaxSoCPct, s.BatteryMinSoCPct)
	}

	return nil
}

// PhaseVoltage returns the configured phase voltage, or the default if unset.
func (p PhysicalConstraints) PhaseVoltage() float64 {
	if p.PhaseVoltageV <= 0 {
		return DefaultPhaseVoltageV
	}
	return p.PhaseVoltageV
}

// EVSEMinPowerKw returns the minimum non-zero power the EVSE can deliver.
func (p PhysicalConstraints) EVSEMinPowerKw() float64 {
	return float64(p.Phases) * p.PhaseVoltage() * p.EVSEMinCurrentA / 1000.0
}

// EVSEMaxPowerKw returns the maximum power the EVSE can deliver.
func (p PhysicalConstraints) EVSEMaxPowerKw() float64 {
	return float64(p.Phases) * p.PhaseVoltage() * p.EVSEMaxCurrentA / 1000.0
}

func finiteNonNegative(v float64) bool {
	return isFinite(v) && v >= 0
}
