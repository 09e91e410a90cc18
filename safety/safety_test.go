package safety

import (
	"testing"
	"time"

	"github.com/cepro/homepower/powerflow"
)

func testConstraints() powerflow.Constraints {
	return powerflow.Constraints{
		Physical: powerflow.PhysicalConstraints{
			MaxGridImportKw:       10,
			MaxGridExportKw:       10,
			MaxBatteryChargeKw:    5,
			MaxBatteryDischargeKw: 5,
			EVSEMinCurrentA:       6,
			EVSEMaxCurrentA:       32,
			Phases:                1,
			PhaseVoltageV:         230,
		},
		Safety: powerflow.SafetyConstraints{
			BatteryMinSoCPct:       10,
			BatteryMaxSoCPct:       95,
			MaxBatteryCyclesPerDay: 2,
			MaxBatteryTempC:        45,
		},
	}
}

func snapAt(battery, ev, gridImport, gridExport float64) powerflow.PowerSnapshot {
	return powerflow.PowerSnapshot{
		BatteryPowerKw: battery,
		EVPowerKw:      ev,
		GridImportKw:   gridImport,
		GridExportKw:   gridExport,
	}
}

func TestMonitor_Review_OverTemperatureForcesBatteryZero(t *testing.T) {
	m := New(10)
	c := testConstraints()
	snap := snapAt(4, 0, 0, 0)

	out, cmd, violations := m.Review(snap, Measurements{}, c, 50, time.Now())
	if cmd != CommandDowngrade {
		t.Fatalf("expected downgrade, got %v", cmd)
	}
	if out.BatteryPowerKw != 0 {
		t.Errorf("expected battery forced to 0, got %.2f", out.BatteryPowerKw)
	}
	if len(violations) != 1 || violations[0].Type != ViolationBatteryOverTemperature {
		t.Errorf("expected exactly one over-temperature violation, got %+v", violations)
	}
}

func TestMonitor_Review_NormalConditionsNoViolations(t *testing.T) {
	m := New(10)
	c := testConstraints()
	snap := snapAt(2, 1, 3, 0)

	out, cmd, violations := m.Review(snap, Measurements{GridVoltageV: 230, GridFrequencyHz: 50}, c, 25, time.Now())
	if cmd != CommandNone {
		t.Fatalf("expected no command, got %v", cmd)
	}
	if len(violations) != 0 {
		t.Errorf("expected no violations, got %+v", violations)
	}
	if out.BatteryPowerKw != 2 || out.EVPowerKw != 1 {
		t.Errorf("expected snapshot untouched, got %+v", out)
	}
}

func TestMonitor_Review_FuseProximityCascadesAfterTwoTicks(t *testing.T) {
	m := New(10)
	c := testConstraints()
	// import margin of 0.3kW against a 10kW limit is within 5%
	nearFuseSnap := snapAt(1, 2, 9.7, 0)

	out1, cmd1, _ := m.Review(nearFuseSnap, Measurements{}, c, 25, time.Now())
	if cmd1 != CommandNone {
		t.Fatalf("first tick near fuse should not yet downgrade, got %v", cmd1)
	}
	if out1.EVPowerKw != 2 {
		t.Errorf("first tick should leave EV untouched, got %.2f", out1.EVPowerKw)
	}

	out2, cmd2, violations := m.Review(nearFuseSnap, Measurements{}, c, 25, time.Now())
	if cmd2 != CommandDowngrade {
		t.Fatalf("second consecutive tick near fuse should downgrade, got %v", cmd2)
	}
	if out2.EVPowerKw != 0 {
		t.Errorf("expected EV downgraded first, got %.2f", out2.EVPowerKw)
	}
	if len(violations) != 1 || violations[0].Type != ViolationFuseProximity {
		t.Errorf("expected one fuse proximity violation, got %+v", violations)
	}
}

func TestMonitor_ReviewSoC_EmergencyStopBelowFloor(t *testing.T) {
	m := New(10)
	cmd, v := m.ReviewSoC(3)
	if cmd != CommandEmergencyStop {
		t.Fatalf("expected emergency stop, got %v", cmd)
	}
	if v == nil || v.Type != ViolationBatterySoCCritical {
		t.Fatalf("expected battery soc critical violation, got %+v", v)
	}
}

func TestMonitor_ReviewSoC_EmergencyStopAboveCeiling(t *testing.T) {
	m := New(10)
	cmd, v := m.ReviewSoC(99)
	if cmd != CommandEmergencyStop {
		t.Fatalf("expected emergency stop, got %v", cmd)
	}
	if v == nil {
		t.Fatal("expected a violation")
	}
}

func TestMonitor_ReviewSoC_NoViolationWithinBounds(t *testing.T) {
	m := New(10)
	cmd, v := m.ReviewSoC(50)
	if cmd != CommandNone || v != nil {
		t.Fatalf("expected no command/violation, got %v %+v", cmd, v)
	}
}

func TestMonitor_CycleLimit_HoldsBatteryOnceReached(t *testing.T) {
	m := New(2) // small capacity so a couple of ticks reach the daily limit
	c := testConstraints()
	now := time.Now()

	// simulate 2 full cycles worth of throughput: 2 cycles * 2 * 2kWh = 8kWh
	m.RecordCycleEnergy(5, 1.6) // 8kWh throughput

	snap := snapAt(3, 0, 0, 0)
	out, cmd, violations := m.Review(snap, Measurements{}, c, 25, now)
	if cmd != CommandDowngrade {
		t.Fatalf("expected downgrade once cycle limit reached, got %v", cmd)
	}
	if out.BatteryPowerKw != 0 {
		t.Errorf("expected battery held at 0, got %.2f", out.BatteryPowerKw)
	}
	if len(violations) == 0 {
		t.Fatal("expected a cycle limit violation")
	}
}
