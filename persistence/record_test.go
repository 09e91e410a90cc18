package persistence

import (
	"testing"
	"time"

	"github.com/cepro/homepower/powerflow"
)

func TestFromSnapshot_CopiesModelFields(t *testing.T) {
	ts, _ := time.Parse(time.RFC3339, "2026-08-06T12:00:00Z")
	snap := powerflow.PowerSnapshot{
		PVKw:           1.234,
		HouseLoadKw:    2.345,
		BatteryPowerKw: -0.5,
		EVPowerKw:      0,
		GridImportKw:   0,
		GridExportKw:   0.1,
		Timestamp:      ts,
		ControlMode:    powerflow.ControlModeArbitrage,
		DecisionReason: "battery idle",
	}

	record := FromSnapshot(snap, Extra{BatterySoCPct: 55, GridAvailable: true, FuseLimitA: 60, SpotPrice: 0.25})

	if record.PVKw != snap.PVKw || record.HouseLoadKw != snap.HouseLoadKw {
		t.Errorf("power fields not copied: %+v", record)
	}
	if record.ControlMode != string(powerflow.ControlModeArbitrage) {
		t.Errorf("expected control mode copied, got %q", record.ControlMode)
	}
	if !record.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, record.Timestamp)
	}
	if record.ScheduleID != nil {
		t.Errorf("expected nil schedule id, got %v", record.ScheduleID)
	}
}
