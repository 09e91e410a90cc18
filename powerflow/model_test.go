package powerflow

import (
	"errors"
	"testing"
	"time"
)

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("mustParseTime(%q): %v", s, err)
	}
	return tm
}

func defaultConstraints() Constraints {
	return Constraints{
		Physical: PhysicalConstraints{
			MaxGridImportKw:       10,
			MaxGridExportKw:       10,
			MaxBatteryChargeKw:    5,
			MaxBatteryDischargeKw: 5,
			EVSEMinCurrentA:       6,
			EVSEMaxCurrentA:       32,
			Phases:                1,
			PhaseVoltageV:         230,
		},
		Safety: SafetyConstraints{
			BatteryMinSoCPct:       10,
			BatteryMaxSoCPct:       95,
			MaxBatteryCyclesPerDay: 2,
			MaxBatteryTempC:        45,
		},
		Economic: EconomicConstraints{
			GridPrice:               0.10,
			ExportPrice:             0.10,
			PreferSelfConsumption:   true,
			ArbitrageThresholdPrice: 0.10,
			ArbitrageHysteresis:     0.05,
		},
	}
}

func baseInputs() PowerFlowInputs {
	ts, _ := time.Parse(time.RFC3339, "2026-08-06T12:00:00Z")
	return PowerFlowInputs{
		PVProductionKw: 0,
		HouseLoadKw:    1,
		BatterySoCPct:  50,
		BatteryTempC:   25,
		GridPrice:      0.10,
		Timestamp:      ts,
	}
}

// Scenario 1: no PV, no EV, battery mid-SoC and idle: house load must come
// entirely from grid import, battery stays idle.
func TestComputeFlows_NoPVNoEV_GridCoversHouse(t *testing.T) {
	in := baseInputs()
	c := defaultConstraints()

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if !almostZero(snap.BatteryPowerKw) {
		t.Errorf("expected idle battery, got %.3f", snap.BatteryPowerKw)
	}
	if !almostEqual(snap.GridImportKw, 1.0) {
		t.Errorf("expected 1.0kW import, got %.3f", snap.GridImportKw)
	}
	if snap.GridExportKw != 0 {
		t.Errorf("expected no export, got %.3f", snap.GridExportKw)
	}
}

// Scenario 2: surplus PV with no EV and battery below max SoC should charge
// the battery from the surplus rather than exporting it.
func TestComputeFlows_SurplusPV_ChargesBatteryFirst(t *testing.T) {
	in := baseInputs()
	in.PVProductionKw = 4
	in.HouseLoadKw = 1
	c := defaultConstraints()

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if !almostEqual(snap.BatteryPowerKw, 3.0) {
		t.Errorf("expected battery to absorb 3.0kW surplus, got %.3f", snap.BatteryPowerKw)
	}
	if snap.GridImportKw != 0 || snap.GridExportKw != 0 {
		t.Errorf("expected no grid flow, got import=%.3f export=%.3f", snap.GridImportKw, snap.GridExportKw)
	}
}

// Scenario 3: PV surplus exceeds the battery's charge headroom; the excess
// must be exported, never left unaccounted for.
func TestComputeFlows_ExcessPVBeyondBatteryHeadroom_Exports(t *testing.T) {
	in := baseInputs()
	in.PVProductionKw = 8
	in.HouseLoadKw = 1
	c := defaultConstraints() // max battery charge 5kW

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if !almostEqual(snap.BatteryPowerKw, 5.0) {
		t.Errorf("expected battery pinned at charge limit 5.0kW, got %.3f", snap.BatteryPowerKw)
	}
	if !almostEqual(snap.GridExportKw, 2.0) {
		t.Errorf("expected 2.0kW export, got %.3f", snap.GridExportKw)
	}
}

// Scenario 4: an urgent EV (imminent departure, large SoC gap) takes
// priority over battery charging even when PV is available for both.
func TestComputeFlows_UrgentEV_PreemptsBatteryCharging(t *testing.T) {
	in := baseInputs()
	in.PVProductionKw = 5
	in.HouseLoadKw = 1
	departure := in.Timestamp.Add(30 * time.Minute)
	in.EVState = &EVState{
		Connected:     true,
		SoCPct:        20,
		CapacityKwh:   50,
		MaxChargeKw:   7,
		TargetSoCPct:  80,
		DepartureTime: &departure,
	}
	c := defaultConstraints()

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if snap.EVPowerKw <= epsilon {
		t.Fatalf("expected nonzero EV charging, got %.3f", snap.EVPowerKw)
	}
	expectedMax := c.Physical.EVSEMaxPowerKw()
	if in.EVState.MaxChargeKw < expectedMax {
		expectedMax = in.EVState.MaxChargeKw
	}
	if !almostEqual(snap.EVPowerKw, expectedMax) {
		t.Errorf("expected max urgency to charge at %.3f, got %.3f", expectedMax, snap.EVPowerKw)
	}
}

// Scenario 5: battery SoC below the safety floor forces a charge even with
// zero PV and no schedule, pulling entirely from grid import.
func TestComputeFlows_BelowSoCFloor_ForcesCharge(t *testing.T) {
	in := baseInputs()
	in.BatterySoCPct = 5
	c := defaultConstraints()

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if !almostEqual(snap.BatteryPowerKw, c.Physical.MaxBatteryChargeKw) {
		t.Errorf("expected forced full charge %.3f, got %.3f", c.Physical.MaxBatteryChargeKw, snap.BatteryPowerKw)
	}
	if snap.GridImportKw <= 0 {
		t.Errorf("expected grid import to cover forced charge, got %.3f", snap.GridImportKw)
	}
}

// Scenario 6: an active schedule setpoint overrides self-consumption logic
// even when PV is available.
func TestComputeFlows_ScheduleSetpointOverridesArbitrage(t *testing.T) {
	in := baseInputs()
	in.PVProductionKw = 3
	in.HouseLoadKw = 1
	c := defaultConstraints()
	setpoint := -2.0 // discharge, e.g. to cover an evening peak

	snap, err := ComputeFlows(in, c, &setpoint)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if !almostEqual(snap.BatteryPowerKw, -2.0) {
		t.Errorf("expected schedule setpoint -2.0kW honored, got %.3f", snap.BatteryPowerKw)
	}
	if snap.ControlMode != ControlModeSchedule {
		t.Errorf("expected schedule control mode, got %v", snap.ControlMode)
	}
}

func TestComputeFlows_AboveSoCCeiling_HoldsCharge(t *testing.T) {
	in := baseInputs()
	in.PVProductionKw = 5
	in.HouseLoadKw = 1
	in.BatterySoCPct = 96
	c := defaultConstraints()

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if !almostZero(snap.BatteryPowerKw) {
		t.Errorf("expected battery held at 0 above ceiling, got %.3f", snap.BatteryPowerKw)
	}
	if !almostEqual(snap.GridExportKw, 4.0) {
		t.Errorf("expected surplus PV exported, got export=%.3f", snap.GridExportKw)
	}
}

// spec.md §8: battery at exactly min_soc_pct with a scheduled discharge
// setpoint must still be forced to 0, not let the schedule through.
func TestComputeFlows_AtSoCFloorExactly_ForcesChargeOverSchedule(t *testing.T) {
	in := baseInputs()
	in.BatterySoCPct = 10 // exactly BatteryMinSoCPct
	c := defaultConstraints()
	setpoint := -2.0

	snap, err := ComputeFlows(in, c, &setpoint)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if !almostEqual(snap.BatteryPowerKw, c.Physical.MaxBatteryChargeKw) {
		t.Errorf("expected forced full charge %.3f at exact floor, got %.3f", c.Physical.MaxBatteryChargeKw, snap.BatteryPowerKw)
	}
}

// The mirror boundary: at exactly max_soc_pct the battery must hold, even
// with a scheduled charge setpoint trying to push more in.
func TestComputeFlows_AtSoCCeilingExactly_HoldsOverSchedule(t *testing.T) {
	in := baseInputs()
	in.BatterySoCPct = 95 // exactly BatteryMaxSoCPct
	c := defaultConstraints()
	setpoint := 2.0

	snap, err := ComputeFlows(in, c, &setpoint)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if !almostZero(snap.BatteryPowerKw) {
		t.Errorf("expected battery held at 0 at exact ceiling, got %.3f", snap.BatteryPowerKw)
	}
}

// spec.md §4.2 step 4 boundary: with prefer_self_consumption disabled,
// surplus PV is exported rather than routed into the battery.
func TestComputeFlows_PreferSelfConsumptionDisabled_ExportsSurplusPVInstead(t *testing.T) {
	in := baseInputs()
	in.PVProductionKw = 5
	in.HouseLoadKw = 1
	c := defaultConstraints()
	c.Economic.PreferSelfConsumption = false

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if !almostZero(snap.BatteryPowerKw) {
		t.Errorf("expected battery left idle with self-consumption disabled, got %.3f", snap.BatteryPowerKw)
	}
	if !almostEqual(snap.GridExportKw, 4.0) {
		t.Errorf("expected surplus PV exported instead of charged, got export=%.3f", snap.GridExportKw)
	}
}

func TestComputeFlows_InvalidInputs_RejectsNegativePV(t *testing.T) {
	in := baseInputs()
	in.PVProductionKw = -1
	c := defaultConstraints()

	_, err := ComputeFlows(in, c, nil)
	if !errors.Is(err, ErrInvalidInputs) {
		t.Fatalf("expected ErrInvalidInputs, got %v", err)
	}
}

func TestComputeFlows_FuseLimitViolation_WhenImportExceedsFuse(t *testing.T) {
	in := baseInputs()
	in.HouseLoadKw = 50 // far beyond the 10kW fuse
	c := defaultConstraints()

	_, err := ComputeFlows(in, c, nil)
	if !errors.Is(err, ErrFuseLimitViolation) {
		t.Fatalf("expected ErrFuseLimitViolation, got %v", err)
	}
}

// EV urgency boundary: no departure time known means zero urgency, so a
// connected EV with a SoC gap but no known departure gets deferred to the
// re-planner rather than yanking power from the grid.
func TestComputeFlows_EVWithoutDepartureTime_NoUrgentCharge(t *testing.T) {
	in := baseInputs()
	in.EVState = &EVState{
		Connected:    true,
		SoCPct:       20,
		CapacityKwh:  50,
		MaxChargeKw:  7,
		TargetSoCPct: 80,
	}
	c := defaultConstraints()

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if snap.EVPowerKw != 0 {
		t.Errorf("expected zero EV power with no departure time, got %.3f", snap.EVPowerKw)
	}
}

// Universal invariant: power balance holds across the scenarios above that
// run with default constraints and no schedule, re-checked explicitly here
// in case Verify's own logic ever drifts from VerifyPowerBalance's.
func TestComputeFlows_AlwaysBalances(t *testing.T) {
	withInputs := func(mod func(in *PowerFlowInputs)) PowerFlowInputs {
		in := baseInputs()
		mod(&in)
		return in
	}
	scenarios := []PowerFlowInputs{
		baseInputs(),
		withInputs(func(in *PowerFlowInputs) { in.PVProductionKw = 4 }),
		withInputs(func(in *PowerFlowInputs) { in.PVProductionKw = 8 }),
		withInputs(func(in *PowerFlowInputs) { in.BatterySoCPct = 5 }),
		withInputs(func(in *PowerFlowInputs) { in.PVProductionKw, in.BatterySoCPct = 5, 96 }),
		withInputs(func(in *PowerFlowInputs) { in.HouseLoadKw, in.GridPrice = 3, 0.20 }),
	}
	c := defaultConstraints()
	for i, in := range scenarios {
		snap, err := ComputeFlows(in, c, nil)
		if err != nil {
			t.Fatalf("scenario %d: ComputeFlows: %v", i, err)
		}
		if !snap.VerifyPowerBalance() {
			t.Errorf("scenario %d: power balance violated: %+v", i, snap)
		}
		if !snap.NoSimultaneousImportExport() {
			t.Errorf("scenario %d: simultaneous import/export: %+v", i, snap)
		}
	}
}

func TestEVState_UrgencyFactor_PastDeparture(t *testing.T) {
	now := mustParseTime(t, "2026-08-06T12:00:00Z")
	past := now.Add(-time.Hour)
	ev := &EVState{Connected: true, SoCPct: 20, TargetSoCPct: 80, CapacityKwh: 50, MaxChargeKw: 7, DepartureTime: &past}
	if got := ev.UrgencyFactor(now); got != 1 {
		t.Errorf("expected urgency 1 for past departure, got %v", got)
	}
}

// Fuse protection under peak: an urgent EV wanting far more than the fuse
// can support, combined with an already-heavy house load, must be clamped
// down to a reduced-but-valid allocation rather than rejected outright.
func TestComputeFlows_FuseProtectionUnderPeak_ClampsInsteadOfErroring(t *testing.T) {
	in := baseInputs()
	in.HouseLoadKw = 8
	departure := in.Timestamp // already due, forces urgency to 1
	in.EVState = &EVState{
		Connected:     true,
		SoCPct:        20,
		CapacityKwh:   50,
		MaxChargeKw:   11,
		TargetSoCPct:  80,
		DepartureTime: &departure,
	}
	c := defaultConstraints() // 10kW fuse, 7.36kW EVSE max

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("expected graceful degradation, got error: %v", err)
	}
	if !almostEqual(snap.EVPowerKw, 2.0) {
		t.Errorf("expected ev charge clamped to 2.0kW, got %.3f", snap.EVPowerKw)
	}
	if !almostEqual(snap.GridImportKw, 10.0) {
		t.Errorf("expected import pinned at the 10kW fuse, got %.3f", snap.GridImportKw)
	}
	if !snap.VerifyPowerBalance() {
		t.Errorf("expected balanced snapshot, got %+v", snap)
	}
}

// Constraint conflict: the safety floor forces a battery charge, but the
// fuse leaves no import headroom at all once house load is served — this is
// a genuine conflict between the safety and physical tiers, not an ordinary
// fuse clamp, and must surface as ErrConstraintConflict.
func TestComputeFlows_SafetyFloorChargeClampedToZeroByFuse_ConstraintConflict(t *testing.T) {
	in := baseInputs()
	in.HouseLoadKw = 5
	in.BatterySoCPct = 5 // below the 10% floor
	c := defaultConstraints()
	c.Physical.MaxGridImportKw = 5

	_, err := ComputeFlows(in, c, nil)
	if !errors.Is(err, ErrConstraintConflict) {
		t.Fatalf("expected ErrConstraintConflict, got %v", err)
	}
}

// Arbitrage discharge: at a high enough grid price the battery discharges
// to offset import, but only up to the actual import that would otherwise
// be needed — not unconditionally at max power.
func TestComputeFlows_ArbitrageDischarge_CapsAtGridDeficit(t *testing.T) {
	in := baseInputs()
	in.HouseLoadKw = 3
	in.GridPrice = 0.20 // above the 0.15 high edge of the hysteresis band
	c := defaultConstraints()

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if !almostEqual(snap.BatteryPowerKw, -3.0) {
		t.Errorf("expected battery to discharge 3.0kW to fully offset import, got %.3f", snap.BatteryPowerKw)
	}
	if snap.GridImportKw != 0 || snap.GridExportKw != 0 {
		t.Errorf("expected import fully offset with no export, got import=%.3f export=%.3f", snap.GridImportKw, snap.GridExportKw)
	}
}

// When there is no import to offset, a high price alone must not push the
// battery into discharging purely to create export.
func TestComputeFlows_ArbitrageDischarge_HoldsWhenNoDeficit(t *testing.T) {
	in := baseInputs()
	in.PVProductionKw = 3
	in.HouseLoadKw = 3
	in.GridPrice = 0.20
	c := defaultConstraints()

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if !almostZero(snap.BatteryPowerKw) {
		t.Errorf("expected battery held idle with no deficit to offset, got %.3f", snap.BatteryPowerKw)
	}
}

// A price within the hysteresis dead band must hold the battery idle rather
// than chattering between charge and discharge.
func TestComputeFlows_ArbitrageHysteresis_HoldsWithinBand(t *testing.T) {
	in := baseInputs()
	in.HouseLoadKw = 2
	in.GridPrice = 0.12 // inside [0.05, 0.15]
	c := defaultConstraints()

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if !almostZero(snap.BatteryPowerKw) {
		t.Errorf("expected battery idle within the dead band, got %.3f", snap.BatteryPowerKw)
	}
}

// EV "minimally necessary" branch: urgency is low and price is not below
// the arbitrage threshold, but the EV's unclamped required rate already
// meets the EVSE's minimum deliverable power, so it must start charging at
// that minimum now rather than deferring.
func TestComputeFlows_EVMinimallyNecessary_ChargesAtEVSEMinimum(t *testing.T) {
	in := baseInputs()
	departure := in.Timestamp.Add(time.Hour)
	in.EVState = &EVState{
		Connected:     true,
		SoCPct:        75,
		CapacityKwh:   50,
		MaxChargeKw:   20, // large, so urgency stays low despite a real rate requirement
		TargetSoCPct:  80,
		DepartureTime: &departure,
	}
	c := defaultConstraints()
	minKw := c.Physical.EVSEMinPowerKw()

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if !almostEqual(snap.EVPowerKw, minKw) {
		t.Errorf("expected ev charging at evse minimum %.3f, got %.3f", minKw, snap.EVPowerKw)
	}
}

// EV deferral: with slack before the deadline and a required rate below the
// EVSE's minimum, the EV must defer entirely rather than draw power at all.
func TestComputeFlows_EVWithSlack_Defers(t *testing.T) {
	in := baseInputs()
	departure := in.Timestamp.Add(5 * time.Hour)
	in.EVState = &EVState{
		Connected:     true,
		SoCPct:        79,
		CapacityKwh:   50,
		MaxChargeKw:   20,
		TargetSoCPct:  80,
		DepartureTime: &departure,
	}
	c := defaultConstraints()

	snap, err := ComputeFlows(in, c, nil)
	if err != nil {
		t.Fatalf("ComputeFlows: %v", err)
	}
	if snap.EVPowerKw != 0 {
		t.Errorf("expected ev to defer with slack before the deadline, got %.3f", snap.EVPowerKw)
	}
}

func TestEVState_UrgencyFactor_NoGap(t *testing.T) {
	now := mustParseTime(t, "2026-08-06T12:00:00Z")
	departure := now.Add(time.Hour)
	ev := &EVState{Connected: true, SoCPct: 80, TargetSoCPct: 80, CapacityKwh: 50, MaxChargeKw: 7, DepartureTime: &departure}
	if got := ev.UrgencyFactor(now); got != 0 {
		t.Errorf("expected urgency 0 when target already met, got %v", got)
	}
}
