package device

import (
	"context"
	"time"
)

// BatteryReading is one poll of the battery's telemetry.
type BatteryReading struct {
	SoCPct    float64
	TempC     float64
	PowerKw   float64 // signed, positive charging
	Time      time.Time
}

// Battery is the capability contract for a battery energy storage system.
// Implementations: battery.Mock (in-memory) and battery.PowerPack
// (grid-x/modbus, grounded on the teacher's powerpack.PowerPack).
type Battery interface {
	// Read returns the latest telemetry, retrying transport failures per
	// the package's retry policy.
	Read(ctx context.Context) (BatteryReading, error)

	// SetPower commands a signed power setpoint in kW.
	SetPower(ctx context.Context, kw float64) error
}

// EVSEReading is one poll of the EV charge point's telemetry.
type EVSEReading struct {
	Connected bool
	PowerKw   float64 // always >= 0, actual delivered power
	Time      time.Time
}

// EVSE is the capability contract for an EV charge point.
type EVSE interface {
	Read(ctx context.Context) (EVSEReading, error)

	// SetCurrentLimit commands a charge current limit in Amps, or 0 to stop
	// charging. Implementations are responsible for translating this into
	// whatever protocol-level command their hardware expects (e.g. OCPP
	// ChargingProfile, direct Modbus register write).
	SetCurrentLimit(ctx context.Context, amps float64) error
}

// InverterReading is one poll of a solar inverter's telemetry.
type InverterReading struct {
	ProductionKw float64
	Time         time.Time
}

// SolarInverter is the capability contract for a PV inverter. Production is
// read-only from this controller's perspective — curtailment is out of
// scope per spec.md's Non-goals.
type SolarInverter interface {
	Read(ctx context.Context) (InverterReading, error)
}

// MeterReading is one poll of a grid or house meter.
type MeterReading struct {
	PowerKw     float64 // signed, positive importing/consuming
	VoltageV    float64
	FrequencyHz float64
	Time        time.Time
}

// GridMeter is the capability contract for the site's grid connection
// meter — it reports the point of common coupling, including voltage and
// frequency for SafetyMonitor's grid-quality checks.
type GridMeter interface {
	Read(ctx context.Context) (MeterReading, error)
}

// HouseMeter is the capability contract for the house's own consumption
// meter, distinct from GridMeter because on a site with a battery and PV
// the house load is not simply the grid meter's reading.
type HouseMeter interface {
	Read(ctx context.Context) (MeterReading, error)
}
