// Package persistence stores committed PowerSnapshots to a local SQLite
// database via GORM, in the style of the teacher's repository package, and
// tracks an upload-attempt count so cloudsync can pick up unsent records
// without a separate outbox table.
package persistence

import (
	"time"

	"github.com/cepro/homepower/powerflow"
	"github.com/google/uuid"
)

// SnapshotRecord is the persisted form of a PowerSnapshot, matching the
// exact field list from spec.md §6. UploadAttemptCount follows the
// teacher's repository.StoredMeterReading/StoredBessReading pattern of
// embedding a count directly on the row rather than maintaining a
// separate outbox table.
type SnapshotRecord struct {
	ID        uuid.UUID `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index"`

	PVKw          float64
	HouseLoadKw   float64
	BatteryPowerKw float64
	EVPowerKw     float64
	GridImportKw  float64
	GridExportKw  float64

	BatterySoCPct   float64
	BatteryTempC    *float64
	GridFrequencyHz *float64
	GridVoltageV    *float64
	GridAvailable   bool `gorm:"default:true"`

	ConstraintsVersion int
	FuseLimitA         float64
	ControlMode        string
	DecisionReason     string `gorm:"size:256"`

	SpotPrice     float64
	EstimatedCost float64

	ScheduleID               *uuid.UUID
	DeviationFromScheduleKw  *float64

	UploadAttemptCount uint
}

// FromSnapshot builds a SnapshotRecord from a computed snapshot plus the
// contextual fields spec.md's persisted record carries that PowerSnapshot
// itself does not (grid quality, constraints version, pricing, schedule
// deviation). Every power value is rounded to 3 decimals by the snapshot
// constructor already; FromSnapshot does not re-round.
func FromSnapshot(snap powerflow.PowerSnapshot, extra Extra) SnapshotRecord {
	return SnapshotRecord{
		ID:        uuid.New(),
		Timestamp: snap.Timestamp.UTC(),

		PVKw:           snap.PVKw,
		HouseLoadKw:    snap.HouseLoadKw,
		BatteryPowerKw: snap.BatteryPowerKw,
		EVPowerKw:      snap.EVPowerKw,
		GridImportKw:   snap.GridImportKw,
		GridExportKw:   snap.GridExportKw,

		BatterySoCPct:   extra.BatterySoCPct,
		BatteryTempC:    extra.BatteryTempC,
		GridFrequencyHz: extra.GridFrequencyHz,
		GridVoltageV:    extra.GridVoltageV,
		GridAvailable:   extra.GridAvailable,

		ConstraintsVersion: extra.ConstraintsVersion,
		FuseLimitA:         extra.FuseLimitA,
		ControlMode:        string(snap.ControlMode),
		DecisionReason:     snap.DecisionReason,

		SpotPrice:     extra.SpotPrice,
		EstimatedCost: extra.EstimatedCost,

		ScheduleID:              extra.ScheduleID,
		DeviationFromScheduleKw: extra.DeviationFromScheduleKw,
	}
}

// Extra carries the persisted-record fields that live outside
// PowerFlowModel's own concerns — grid quality, pricing, and schedule
// deviation are all controller-level context, not model outputs.
type Extra struct {
	BatterySoCPct           float64
	BatteryTempC            *float64
	GridFrequencyHz         *float64
	GridVoltageV            *float64
	GridAvailable           bool
	ConstraintsVersion      int
	FuseLimitA              float64
	SpotPrice               float64
	EstimatedCost           float64
	ScheduleID              *uuid.UUID
	DeviationFromScheduleKw *float64
}
