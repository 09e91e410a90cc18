// Package safety implements the stateless policy checks the controller
// runs against every candidate PowerSnapshot before it is sent to devices.
// It is grounded on original_source/src/controller/safety_monitor.rs,
// simplified to match spec.md §4.3's narrower "stateless policy checks"
// scope: no independent broadcast task, no rate-limited alerting service —
// just a pure function of (snapshot, measurements, constraints, state)
// that returns a possibly-adjusted snapshot plus the violations it found.
package safety

import (
	"fmt"
	"time"

	"github.com/cepro/homepower/powerflow"
)

// ViolationType names the kind of safety condition detected, mirroring the
// original Rust SafetyViolationType enum's naming, trimmed to what
// spec.md's device contracts and PowerFlowInputs can actually observe.
type ViolationType string

const (
	ViolationBatteryOverTemperature ViolationType = "battery_over_temperature"
	ViolationBatterySoCCritical     ViolationType = "battery_soc_critical"
	ViolationFuseProximity          ViolationType = "fuse_proximity"
	ViolationCycleLimitReached      ViolationType = "cycle_limit_reached"
)

// Violation records one safety condition found during a tick's review,
// along with the corrective action taken.
type Violation struct {
	Type             ViolationType
	Detail           string
	CorrectiveAction string
}

// Command is the outcome of a safety review: EmergencyStop forces the
// battery and EV to zero regardless of what the model wanted; Downgrade
// leaves the snapshot mostly intact but with one or more flows clamped.
type Command int

const (
	CommandNone Command = iota
	CommandDowngrade
	CommandEmergencyStop
)

// Measurements carries the raw device readings the model itself does not
// need but the safety layer does — battery temperature is already on
// PowerFlowInputs, but grid frequency/voltage and fuse proximity are
// safety-only concerns per spec.md §4.3.
type Measurements struct {
	GridVoltageV    float64
	GridFrequencyHz float64
}

// state is the per-controller mutable bookkeeping SafetyMonitor needs
// across ticks: the daily battery cycle accumulator and the number of
// consecutive ticks with grid flow near a fuse limit (for cascading
// EV-then-battery downgrades across consecutive ticks). This is the one piece of state
// spec.md's "stateless policy checks" phrase doesn't quite cover — the
// cycle counter and the consecutive-tick fuse cascade both need tick-to-
// tick memory, resolved as an Open Question in DESIGN.md.
type state struct {
	cycleEnergyKwh     float64
	cycleResetDate     string // YYYY-MM-DD of last reset, local time
	consecutiveFuseHit int
}

// Monitor holds the small amount of cross-tick state described above. Its
// Review method is otherwise a pure function of its arguments.
type Monitor struct {
	st          state
	capacityKwh float64
}

// New returns a Monitor with a fresh daily cycle accumulator. capacityKwh
// is the battery's usable capacity, used to translate accumulated
// throughput into an equivalent cycle count.
func New(capacityKwh float64) *Monitor {
	return &Monitor{capacityKwh: capacityKwh}
}

// Review checks a candidate snapshot against the safety envelope and
// returns the (possibly adjusted) snapshot, the command the controller
// should act on, and every violation found this tick. now is the tick
// timestamp used for the local-midnight cycle counter reset.
func (m *Monitor) Review(snap powerflow.PowerSnapshot, meas Measurements, c powerflow.Constraints, batteryTempC float64, now time.Time) (powerflow.PowerSnapshot, Command, []Violation) {
	m.maybeResetCycleCounter(now)

	var violations []Violation
	cmd := CommandNone

	// Battery over-temperature: force battery to zero immediately,
	// regardless of everything else. This is the highest-precedence check.
	if batteryTempC > c.Safety.MaxBatteryTempC {
		violations = append(violations, Violation{
			Type:             ViolationBatteryOverTemperature,
			Detail:           fmt.Sprintf("battery temp %.1fC exceeds max %.1fC", batteryTempC, c.Safety.MaxBatteryTempC),
			CorrectiveAction: "battery forced to 0kW",
		})
		snap.BatteryPowerKw = 0
		cmd = CommandDowngrade
	}

	// Grid voltage/frequency excursions: force the battery and EV to hold
	// rather than push more power onto an already-abnormal grid. Nominal
	// bands are +/-10% of the configured phase voltage and +/-1% of 50Hz,
	// grounded on original_source/safety_monitor.rs's
	// GridVoltageViolation/GridFrequencyViolation checks.
	nominalV := c.Physical.PhaseVoltage()
	if meas.GridVoltageV > 0 && (meas.GridVoltageV < 0.9*nominalV || meas.GridVoltageV > 1.1*nominalV) {
		violations = append(violations, Violation{
			Type:             ViolationType("grid_voltage_violation"),
			Detail:           fmt.Sprintf("grid voltage %.1fV outside +/-10%% of nominal %.1fV", meas.GridVoltageV, nominalV),
			CorrectiveAction: "battery and ev held, grid excursion in progress",
		})
		snap.BatteryPowerKw = 0
		snap.EVPowerKw = 0
		cmd = CommandDowngrade
	}
	if meas.GridFrequencyHz > 0 && (meas.GridFrequencyHz < 49.5 || meas.GridFrequencyHz > 50.5) {
		violations = append(violations, Violation{
			Type:             ViolationType("grid_frequency_violation"),
			Detail:           fmt.Sprintf("grid frequency %.2fHz outside [49.5,50.5]", meas.GridFrequencyHz),
			CorrectiveAction: "battery and ev held, grid excursion in progress",
		})
		snap.BatteryPowerKw = 0
		snap.EVPowerKw = 0
		cmd = CommandDowngrade
	}

	// Fuse proximity: within 5% of either fuse limit for more than one
	// consecutive tick triggers a downgrade cascade — EV first, then
	// battery — per spec.md §4.3.
	importMargin := c.Physical.MaxGridImportKw - snap.GridImportKw
	exportMargin := c.Physical.MaxGridExportKw - snap.GridExportKw
	nearFuse := (c.Physical.MaxGridImportKw > 0 && importMargin < 0.05*c.Physical.MaxGridImportKw) ||
		(c.Physical.MaxGridExportKw > 0 && exportMargin < 0.05*c.Physical.MaxGridExportKw)

	if nearFuse {
		m.st.consecutiveFuseHit++
	} else {
		m.st.consecutiveFuseHit = 0
	}

	if m.st.consecutiveFuseHit > 1 {
		if snap.EVPowerKw > 0 {
			violations = append(violations, Violation{
				Type:             ViolationFuseProximity,
				Detail:           fmt.Sprintf("grid flow within 5%% of fuse limit for %d consecutive ticks", m.st.consecutiveFuseHit),
				CorrectiveAction: "ev charging downgraded to 0kW",
			})
			snap.EVPowerKw = 0
			cmd = CommandDowngrade
		} else if snap.BatteryPowerKw > 0 {
			violations = append(violations, Violation{
				Type:             ViolationFuseProximity,
				Detail:           fmt.Sprintf("grid flow within 5%% of fuse limit for %d consecutive ticks", m.st.consecutiveFuseHit),
				CorrectiveAction: "battery charging downgraded to 0kW",
			})
			snap.BatteryPowerKw = 0
			cmd = CommandDowngrade
		}
	}

	// Daily cycle limit: once the accumulated throughput reaches the
	// configured max cycles for today, cap further battery charge/
	// discharge at zero for the remainder of the day.
	if c.Safety.MaxBatteryCyclesPerDay > 0 && m.cyclesToday() >= c.Safety.MaxBatteryCyclesPerDay {
		if snap.BatteryPowerKw != 0 {
			violations = append(violations, Violation{
				Type:             ViolationCycleLimitReached,
				Detail:           fmt.Sprintf("%.2f cycles used today, limit %.2f", m.cyclesToday(), c.Safety.MaxBatteryCyclesPerDay),
				CorrectiveAction: "battery held at 0kW for remainder of day",
			})
			snap.BatteryPowerKw = 0
			cmd = CommandDowngrade
		}
	}

	// Any downgrade above zeroed out battery and/or EV power without
	// touching grid import/export, so the snapshot's own power-balance
	// invariant would now be broken. Re-derive the grid residual from the
	// adjusted flows before handing the snapshot back to the controller.
	if cmd != CommandNone {
		snap = snap.Rebalance()
	}

	return snap, cmd, violations
}

// ReviewSoC is called with the raw measured SoC (not carried on
// PowerSnapshot) to check the emergency-stop bounds. Kept as a separate
// method rather than folded into Review so the common case — SoC well
// within bounds — costs callers nothing beyond a single float comparison.
func (m *Monitor) ReviewSoC(socPct float64) (Command, *Violation) {
	if socPct < 5 || socPct > 98 {
		return CommandEmergencyStop, &Violation{
			Type:             ViolationBatterySoCCritical,
			Detail:           fmt.Sprintf("battery soc %.1f%% outside [5,98] emergency bounds", socPct),
			CorrectiveAction: "emergency stop: battery and ev forced to 0kW",
		}
	}
	return CommandNone, nil
}

// RecordCycleEnergy accumulates energy throughput for the daily cycle
// counter. dtHours is the tick duration in hours; batteryPowerKw is the
// signed power actually commanded this tick.
func (m *Monitor) RecordCycleEnergy(batteryPowerKw, dtHours float64) {
	m.st.cycleEnergyKwh += abs(batteryPowerKw) * dtHours
}

func (m *Monitor) cyclesToday() float64 {
	// One full cycle is charge-then-discharge of the usable capacity, so
	// dividing accumulated absolute throughput by 2x capacity gives cycles.
	if m.capacityKwh <= 0 {
		return 0
	}
	return m.st.cycleEnergyKwh / (2 * m.capacityKwh)
}

func (m *Monitor) maybeResetCycleCounter(now time.Time) {
	today := now.Format("2006-01-02")
	if m.st.cycleResetDate == "" {
		m.st.cycleResetDate = today
		return
	}
	if m.st.cycleResetDate != today {
		m.st.cycleResetDate = today
		m.st.cycleEnergyKwh = 0
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
