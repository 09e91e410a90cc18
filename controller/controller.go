// Package controller runs the real-time power-flow tick loop: gather
// device readings, compute a PowerSnapshot, run it past the safety
// monitor, ramp toward it, command devices, and persist the result. Its
// Run loop follows the teacher's own Controller.Run — a select over a
// ticker plus a done channel — generalized from the teacher's single
// import-avoidance calculation to the full gather/compute/review/ramp/
// command/persist/observe pipeline.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cepro/homepower/device"
	"github.com/cepro/homepower/forecast"
	"github.com/cepro/homepower/metrics"
	"github.com/cepro/homepower/persistence"
	"github.com/cepro/homepower/powerflow"
	"github.com/cepro/homepower/safety"
	"github.com/cepro/homepower/schedule"
)

// Devices bundles every device capability the controller talks to.
// Fields are interfaces so main.go can wire either real Modbus drivers or
// the in-memory mocks depending on config.Devices.UseMocks.
type Devices struct {
	Battery    device.Battery
	EVSE       device.EVSE
	Inverter   device.SolarInverter
	GridMeter  device.GridMeter
	HouseMeter device.HouseMeter
}

// Config holds the tuning knobs the tick loop needs beyond the constraint
// set itself, sourced from config.Timing.
type Config struct {
	TickInterval    time.Duration
	MaxStale        time.Duration
	MaxRampKwPerSec float64
	MaxCurrentStepA float64
}

// Controller runs the periodic tick loop and exposes the read/write
// contracts an operator or API layer needs: latest snapshot, historical
// snapshots, live constraints, and manual schedule/replan triggers.
type Controller struct {
	devices  Devices
	forecast *forecast.Client
	schedule *schedule.Cell
	safety   *safety.Monitor
	repo     *persistence.Repository
	metrics  *metrics.Metrics
	logger   *slog.Logger
	config   Config

	constraintsLock sync.RWMutex
	constraints     powerflow.Constraints
	constraintsVer  int

	ringLock sync.RWMutex
	ring     []powerflow.PowerSnapshot
	ringCap  int

	lastBattery float64
	lastEVAmps  float64

	// halted latches once ComputeFlows reports a fatal invariant breach.
	// Run stops ticking once set, but the HTTP/metrics server keeps
	// running so an operator can see the halt and restart the process,
	// per spec.md §7's fatal-invariant-breach policy.
	halted atomic.Bool

	evStateLock sync.RWMutex
	evSoCPct    float64
	evCapacity  float64

	// replanner is nil until SetReplanner is called; TriggerReplan is a
	// no-op without one so a Controller built without a replanner (as in
	// tests) still tolerates the call.
	replanner *schedule.Replanner

	lkgLock sync.Mutex
	lkg     lastKnownGood

	healthLock               sync.Mutex
	lastTick                 time.Time
	consecutiveErrors        int
	degraded                 bool
	consecutiveDegradedTicks int
	activeSafetyKind         SafetyKind
}

// cached holds one device reading plus the time it was captured, so
// staleness can be judged against config.MaxStale when a later read fails.
type cached[T any] struct {
	value T
	at    time.Time
}

func (c cached[T]) fresh(now time.Time, maxStale time.Duration) (T, bool) {
	if c.at.IsZero() || now.Sub(c.at) > maxStale {
		var zero T
		return zero, false
	}
	return c.value, true
}

// unavailableErr explains why a device's last-known-good cache could not
// substitute for a failed read: either nothing has ever been captured for
// this device, or what was captured is now older than config.MaxStale.
func unavailableErr(readErr error, capturedAt time.Time) error {
	if capturedAt.IsZero() {
		return readErr
	}
	return fmt.Errorf("%w: %w", device.ErrStale, readErr)
}

// lastKnownGood is the controller's single-writer, many-reader-within-the-
// loop cache of the most recent successful reading per device, per
// spec.md §4.1/§7's degraded-operation policy. EVSE is not cached here — a
// failed EVSE read already degrades gracefully to "disconnected" in
// gather, which is a safe substitute in its own right.
type lastKnownGood struct {
	battery  cached[device.BatteryReading]
	inverter cached[device.InverterReading]
	grid     cached[device.MeterReading]
	house    cached[device.MeterReading]
}

// SafetyKind distinguishes which of spec.md §7's error-kind responses, if
// any, is currently shaping the controller's behavior, so a caller of
// controller_health can tell "degraded" from "safety override" from
// "fatal — halted" rather than inferring it from separate fields.
type SafetyKind string

const (
	SafetyKindNone           SafetyKind = "none"
	SafetyKindDegraded       SafetyKind = "degraded"
	SafetyKindSafetyOverride SafetyKind = "safety_override"
	SafetyKindHalted         SafetyKind = "halted"
)

// Health reports the data controller_health exposes: when the loop last
// ticked, how many ticks in a row have needed a last-known-good fallback
// or failed outright, whether the current tick is degraded, and which
// §7 error-kind response, if any, is currently active.
type Health struct {
	LastTick          time.Time
	ConsecutiveErrors int
	Degraded          bool
	ActiveSafetyKind  SafetyKind
}

// SetEVBatteryState records the vehicle's own state of charge and usable
// capacity, as reported by a companion app or telematics API rather than
// the charge point itself — EVSE hardware exposes connection state and
// delivered power but not the vehicle's battery, so this is the
// controller's only way to learn it. Target SoC and departure time
// instead live on EconomicConstraints since they are planning inputs an
// operator sets, not device telemetry.
func (c *Controller) SetEVBatteryState(socPct, capacityKwh float64) {
	c.evStateLock.Lock()
	defer c.evStateLock.Unlock()
	c.evSoCPct = socPct
	c.evCapacity = capacityKwh
}

func (c *Controller) evBatteryState() (float64, float64) {
	c.evStateLock.RLock()
	defer c.evStateLock.RUnlock()
	return c.evSoCPct, c.evCapacity
}

// New builds a Controller. initial is the constraint set active from
// startup until an operator calls ReplaceConstraints.
func New(devices Devices, fc *forecast.Client, sched *schedule.Cell, mon *safety.Monitor, repo *persistence.Repository, m *metrics.Metrics, logger *slog.Logger, cfg Config, initial powerflow.Constraints) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		devices:     devices,
		forecast:    fc,
		schedule:    sched,
		safety:      mon,
		repo:        repo,
		metrics:     m,
		logger:      logger.With("component", "controller"),
		config:      cfg,
		constraints: initial,
		ringCap:     720, // one hour of history at a 5s tick
	}
}

// Run loops forever on config.TickInterval, matching the teacher's
// Controller.Run select-over-ticker shape.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			c.tick(ctx, t)
		}
	}
}

// Halted reports whether the control loop has stopped ticking after a
// fatal invariant breach. The metrics and HTTP servers remain reachable
// regardless so this can be observed and the process restarted.
func (c *Controller) Halted() bool {
	return c.halted.Load()
}

// recordHealth updates the health state controller_health exposes and
// returns whether this tick must fall back device setpoints to idle/safe:
// per spec.md §7, that happens once two consecutive ticks have been
// degraded.
func (c *Controller) recordHealth(now time.Time, degraded bool) bool {
	c.healthLock.Lock()
	defer c.healthLock.Unlock()

	c.lastTick = now
	c.degraded = degraded
	if degraded {
		c.consecutiveErrors++
		c.consecutiveDegradedTicks++
	} else {
		c.consecutiveErrors = 0
		c.consecutiveDegradedTicks = 0
	}
	if degraded {
		c.activeSafetyKind = SafetyKindDegraded
	} else {
		c.activeSafetyKind = SafetyKindNone
	}
	return c.consecutiveDegradedTicks >= 2
}

// setSafetyKind overrides the active §7 error-kind reported by Health,
// for the responses recordHealth cannot see on its own: a constraint
// conflict or a fatal invariant breach both surface from ComputeFlows,
// after gather and recordHealth have already run for this tick.
func (c *Controller) setSafetyKind(k SafetyKind) {
	c.healthLock.Lock()
	defer c.healthLock.Unlock()
	c.activeSafetyKind = k
}

// Health returns the controller_health contract's snapshot of loop
// health: when it last ticked, how many ticks in a row required a
// fallback, whether the current tick is degraded, and which §7
// error-kind response is currently active. A latched halt always wins,
// since it overrides every other kind of behavior.
func (c *Controller) Health() Health {
	c.healthLock.Lock()
	kind := c.activeSafetyKind
	h := Health{
		LastTick:          c.lastTick,
		ConsecutiveErrors: c.consecutiveErrors,
		Degraded:          c.degraded,
		ActiveSafetyKind:  kind,
	}
	c.healthLock.Unlock()

	if c.halted.Load() {
		h.ActiveSafetyKind = SafetyKindHalted
	}
	return h
}

// SetReplanner wires the replanner trigger_replan delegates to. Left
// unset, TriggerReplan just logs and returns, which keeps Controllers
// built without one (as in tests) safe to call it on.
func (c *Controller) SetReplanner(r *schedule.Replanner) {
	c.replanner = r
}

// TriggerReplan enqueues one re-plan cycle outside the periodic cadence,
// satisfying the trigger_replan contract.
func (c *Controller) TriggerReplan(ctx context.Context) {
	if c.replanner == nil {
		c.logger.Warn("trigger_replan called with no replanner configured")
		return
	}
	c.replanner.TriggerNow(ctx)
}

// ScheduleNow returns the currently active schedule, satisfying the
// schedule_now contract.
func (c *Controller) ScheduleNow() schedule.Schedule {
	return c.schedule.Get()
}

// tick runs one full gather/compute/review/ramp/command/persist/observe
// cycle. Errors at any stage are logged and the tick is abandoned rather
// than propagated, since a controller with no output for one tick is
// safer than one that panics or blocks the next tick's ticker fire.
func (c *Controller) tick(ctx context.Context, now time.Time) {
	if c.halted.Load() {
		return
	}

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		c.metrics.TickDuration.Observe(elapsed.Seconds())
		c.metrics.TicksTotal.Inc()
		if elapsed > c.config.TickInterval {
			c.metrics.TickOverruns.Inc()
			c.logger.Warn("tick overran interval", "elapsed", elapsed, "interval", c.config.TickInterval)
		}
	}()

	inputs, meas, degraded, err := c.gather(ctx, now)
	if err != nil {
		c.recordHealth(now, true)
		c.logger.Error("gather failed outright, no last-known-good available, skipping tick", "error", err)
		return
	}
	forceSafeSetpoints := c.recordHealth(now, degraded)

	constraints, version := c.currentConstraints()

	var scheduledKw *float64
	if kw, ok := c.schedule.PowerAt(now); ok {
		scheduledKw = &kw
	}

	snap, err := powerflow.ComputeFlows(inputs, constraints, scheduledKw)
	if err != nil {
		switch {
		case errors.Is(err, powerflow.ErrConstraintConflict):
			c.metrics.ConstraintViolations.Inc()
			c.logger.Error("constraint conflict, entering house-only safe mode", "error", err)
			c.setSafetyKind(SafetyKindSafetyOverride)
			c.safeModeTick(ctx, inputs, constraints, version, now)
		case errors.Is(err, powerflow.ErrPowerBalanceViolation):
			c.halted.Store(true)
			c.metrics.Halted.Set(1)
			c.setSafetyKind(SafetyKindHalted)
			c.logger.Error("fatal invariant breach, halting control loop until operator restart", "error", err)
		default:
			c.logger.Error("compute_flows failed, skipping tick", "error", err)
		}
		return
	}

	snap, cmd, violations := c.safety.Review(snap, meas, constraints, inputs.BatteryTempC, now)
	for _, v := range violations {
		c.metrics.SafetyViolations.WithLabelValues(string(v.Type)).Inc()
		c.logger.Warn("safety violation", "type", v.Type, "detail", v.Detail, "action", v.CorrectiveAction)
	}
	if socCmd, v := c.safety.ReviewSoC(inputs.BatterySoCPct); v != nil {
		c.metrics.SafetyViolations.WithLabelValues(string(v.Type)).Inc()
		c.logger.Error("safety violation", "type", v.Type, "detail", v.Detail, "action", v.CorrectiveAction)
		if socCmd == safety.CommandEmergencyStop {
			snap.BatteryPowerKw = 0
			snap.EVPowerKw = 0
			snap = snap.Rebalance()
			cmd = socCmd
		}
	}
	_ = cmd

	if forceSafeSetpoints {
		c.logger.Error("degraded for two consecutive ticks, forcing battery and ev to idle/safe")
		snap.BatteryPowerKw = 0
		snap.EVPowerKw = 0
		snap = snap.Rebalance()
	}

	rampedBattery := c.rampBattery(snap.BatteryPowerKw)
	rampedEVAmps := c.rampEVAmps(snap.EVPowerKw, constraints.Physical)
	snap.BatteryPowerKw = rampedBattery

	c.safety.RecordCycleEnergy(rampedBattery, c.config.TickInterval.Hours())

	c.command(ctx, rampedBattery, rampedEVAmps)

	c.pushRing(snap)

	if c.repo != nil {
		record := persistence.FromSnapshot(snap, persistence.Extra{
			BatterySoCPct:      inputs.BatterySoCPct,
			BatteryTempC:       ptr(inputs.BatteryTempC),
			GridVoltageV:       ptr(meas.GridVoltageV),
			GridFrequencyHz:    ptr(meas.GridFrequencyHz),
			GridAvailable:      true,
			ConstraintsVersion: version,
			FuseLimitA:         constraints.Physical.MaxGridImportKw * 1000 / (float64(constraints.Physical.Phases) * constraints.Physical.PhaseVoltage()),
			SpotPrice:          inputs.GridPrice,
		})
		if err := c.repo.AppendSnapshot(record); err != nil {
			c.logger.Error("failed to persist snapshot", "error", err)
		}
	}

	c.updateMetrics(snap, inputs.BatterySoCPct)
}

// safeModeTick commands the battery and EVSE to zero and persists a
// house-only snapshot, per spec.md §7's constraint-conflict policy: PV
// production is left to flow to the house first and any surplus is
// exported, since this controller has no PV curtailment capability to
// actuate (device.SolarInverter is read-only).
func (c *Controller) safeModeTick(ctx context.Context, inputs powerflow.PowerFlowInputs, constraints powerflow.Constraints, version int, now time.Time) {
	snap := powerflow.PowerSnapshot{
		PVKw:           inputs.PVProductionKw,
		HouseLoadKw:    inputs.HouseLoadKw,
		BatteryPowerKw: 0,
		EVPowerKw:      0,
		Timestamp:      now,
		ControlMode:    powerflow.ControlModeSafety,
		DecisionReason: "constraint conflict: house-only safe mode, battery and ev held at 0kW",
	}
	snap = snap.Rebalance()

	rampedBattery := c.rampBattery(0)
	rampedEVAmps := c.rampEVAmps(0, constraints.Physical)
	c.safety.RecordCycleEnergy(rampedBattery, c.config.TickInterval.Hours())
	c.command(ctx, rampedBattery, rampedEVAmps)

	c.pushRing(snap)

	if c.repo != nil {
		record := persistence.FromSnapshot(snap, persistence.Extra{
			BatterySoCPct:      inputs.BatterySoCPct,
			BatteryTempC:       ptr(inputs.BatteryTempC),
			GridAvailable:      true,
			ConstraintsVersion: version,
			FuseLimitA:         constraints.Physical.MaxGridImportKw * 1000 / (float64(constraints.Physical.Phases) * constraints.Physical.PhaseVoltage()),
			SpotPrice:          inputs.GridPrice,
		})
		if err := c.repo.AppendSnapshot(record); err != nil {
			c.logger.Error("failed to persist safe-mode snapshot", "error", err)
		}
	}

	c.updateMetrics(snap, inputs.BatterySoCPct)
}

// gather reads every device concurrently and composes PowerFlowInputs. Per
// spec.md §7's degraded-operation policy, a single device read failure
// never aborts the tick: it substitutes that device's last-known-good
// reading, provided one was captured within config.MaxStale, and reports
// the tick as degraded. gather only returns an error when a device has
// failed with no usable last-known-good to fall back to.
func (c *Controller) gather(ctx context.Context, now time.Time) (powerflow.PowerFlowInputs, safety.Measurements, bool, error) {
	gatherCtx, cancel := context.WithTimeout(ctx, device.Deadline)
	defer cancel()

	var (
		wg                         sync.WaitGroup
		batteryReading             device.BatteryReading
		evReading                  device.EVSEReading
		inverterReading            device.InverterReading
		gridReading, houseReading  device.MeterReading
		batteryErr, evErr, invErr  error
		gridErr, houseErr          error
	)

	wg.Add(5)
	go func() {
		defer wg.Done()
		batteryReading, batteryErr = c.devices.Battery.Read(gatherCtx)
	}()
	go func() {
		defer wg.Done()
		if c.devices.EVSE != nil {
			evReading, evErr = c.devices.EVSE.Read(gatherCtx)
		}
	}()
	go func() {
		defer wg.Done()
		inverterReading, invErr = c.devices.Inverter.Read(gatherCtx)
	}()
	go func() {
		defer wg.Done()
		gridReading, gridErr = c.devices.GridMeter.Read(gatherCtx)
	}()
	go func() {
		defer wg.Done()
		houseReading, houseErr = c.devices.HouseMeter.Read(gatherCtx)
	}()
	wg.Wait()

	c.lkgLock.Lock()
	degraded := false

	if batteryErr != nil {
		c.metrics.DeviceErrors.WithLabelValues("battery").Inc()
		fallback, ok := c.lkg.battery.fresh(now, c.config.MaxStale)
		if !ok {
			c.lkgLock.Unlock()
			return powerflow.PowerFlowInputs{}, safety.Measurements{}, false, fmt.Errorf("read battery: %w", unavailableErr(batteryErr, c.lkg.battery.at))
		}
		c.logger.Warn("battery read failed, using last-known-good", "error", batteryErr, "age", now.Sub(c.lkg.battery.at))
		batteryReading = fallback
		degraded = true
	} else {
		c.lkg.battery = cached[device.BatteryReading]{value: batteryReading, at: now}
	}

	if invErr != nil {
		c.metrics.DeviceErrors.WithLabelValues("inverter").Inc()
		fallback, ok := c.lkg.inverter.fresh(now, c.config.MaxStale)
		if !ok {
			c.lkgLock.Unlock()
			return powerflow.PowerFlowInputs{}, safety.Measurements{}, false, fmt.Errorf("read inverter: %w", unavailableErr(invErr, c.lkg.inverter.at))
		}
		c.logger.Warn("inverter read failed, using last-known-good", "error", invErr, "age", now.Sub(c.lkg.inverter.at))
		inverterReading = fallback
		degraded = true
	} else {
		c.lkg.inverter = cached[device.InverterReading]{value: inverterReading, at: now}
	}

	if gridErr != nil {
		c.metrics.DeviceErrors.WithLabelValues("grid_meter").Inc()
		fallback, ok := c.lkg.grid.fresh(now, c.config.MaxStale)
		if !ok {
			c.lkgLock.Unlock()
			return powerflow.PowerFlowInputs{}, safety.Measurements{}, false, fmt.Errorf("read grid meter: %w", unavailableErr(gridErr, c.lkg.grid.at))
		}
		c.logger.Warn("grid meter read failed, using last-known-good", "error", gridErr, "age", now.Sub(c.lkg.grid.at))
		gridReading = fallback
		degraded = true
	} else {
		c.lkg.grid = cached[device.MeterReading]{value: gridReading, at: now}
	}

	if houseErr != nil {
		c.metrics.DeviceErrors.WithLabelValues("house_meter").Inc()
		fallback, ok := c.lkg.house.fresh(now, c.config.MaxStale)
		if !ok {
			c.lkgLock.Unlock()
			return powerflow.PowerFlowInputs{}, safety.Measurements{}, false, fmt.Errorf("read house meter: %w", unavailableErr(houseErr, c.lkg.house.at))
		}
		c.logger.Warn("house meter read failed, using last-known-good", "error", houseErr, "age", now.Sub(c.lkg.house.at))
		houseReading = fallback
		degraded = true
	} else {
		c.lkg.house = cached[device.MeterReading]{value: houseReading, at: now}
	}
	c.lkgLock.Unlock()

	if evErr != nil && c.devices.EVSE != nil {
		c.metrics.DeviceErrors.WithLabelValues("evse").Inc()
		c.logger.Warn("evse read failed, treating as disconnected", "error", evErr)
		evReading = device.EVSEReading{}
	}

	gridPrice := c.gridPrice(now)

	constraints, _ := c.currentConstraints()

	var evState *powerflow.EVState
	if evReading.Connected {
		socPct, capacityKwh := c.evBatteryState()
		targetSoCPct := socPct
		if constraints.Economic.EVTargetSoCPct != nil {
			targetSoCPct = *constraints.Economic.EVTargetSoCPct
		}
		evState = &powerflow.EVState{
			Connected:     true,
			SoCPct:        socPct,
			CapacityKwh:   capacityKwh,
			MaxChargeKw:   constraints.Physical.EVSEMaxPowerKw(),
			TargetSoCPct:  targetSoCPct,
			DepartureTime: constraints.Economic.EVDepartureTime,
		}
	}

	inputs := powerflow.PowerFlowInputs{
		PVProductionKw: inverterReading.ProductionKw,
		HouseLoadKw:    houseReading.PowerKw,
		BatterySoCPct:  batteryReading.SoCPct,
		BatteryTempC:   batteryReading.TempC,
		EVState:        evState,
		GridPrice:      gridPrice,
		Timestamp:      now,
	}

	meas := safety.Measurements{
		GridVoltageV:    gridReading.VoltageV,
		GridFrequencyHz: gridReading.FrequencyHz,
	}

	return inputs, meas, degraded, nil
}

func (c *Controller) gridPrice(now time.Time) float64 {
	if c.forecast == nil {
		return 0
	}
	price, staleness, ok := c.forecast.PriceAt(now)
	if !ok || staleness > c.config.MaxStale {
		return 0
	}
	return price
}

// rampBattery limits the change from the last commanded battery power to
// at most MaxRampKwPerSec × tick interval, per spec.md §4.5's ramping
// pass.
func (c *Controller) rampBattery(targetKw float64) float64 {
	if c.config.MaxRampKwPerSec <= 0 {
		c.lastBattery = targetKw
		return targetKw
	}
	maxStep := c.config.MaxRampKwPerSec * c.config.TickInterval.Seconds()
	delta := targetKw - c.lastBattery
	if delta > maxStep {
		delta = maxStep
	} else if delta < -maxStep {
		delta = -maxStep
	}
	c.lastBattery = c.lastBattery + delta
	return c.lastBattery
}

// rampEVAmps converts the target EV power into an amperage command and
// limits its change to MaxCurrentStepA per tick.
func (c *Controller) rampEVAmps(targetKw float64, p powerflow.PhysicalConstraints) float64 {
	targetAmps := 0.0
	if targetKw > 0 {
		targetAmps = targetKw * 1000.0 / (float64(p.Phases) * p.PhaseVoltage())
	}
	if c.config.MaxCurrentStepA <= 0 {
		c.lastEVAmps = targetAmps
		return targetAmps
	}
	delta := targetAmps - c.lastEVAmps
	if delta > c.config.MaxCurrentStepA {
		delta = c.config.MaxCurrentStepA
	} else if delta < -c.config.MaxCurrentStepA {
		delta = -c.config.MaxCurrentStepA
	}
	c.lastEVAmps = c.lastEVAmps + delta
	return c.lastEVAmps
}

func (c *Controller) command(ctx context.Context, batteryKw, evAmps float64) {
	cmdCtx, cancel := context.WithTimeout(ctx, device.Deadline)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.devices.Battery.SetPower(cmdCtx, batteryKw); err != nil {
			c.metrics.DeviceErrors.WithLabelValues("battery").Inc()
			c.logger.Error("failed to command battery", "error", err, "target_kw", batteryKw)
		}
	}()
	go func() {
		defer wg.Done()
		if c.devices.EVSE == nil {
			return
		}
		if err := c.devices.EVSE.SetCurrentLimit(cmdCtx, evAmps); err != nil {
			c.metrics.DeviceErrors.WithLabelValues("evse").Inc()
			c.logger.Error("failed to command evse", "error", err, "target_amps", evAmps)
		}
	}()
	wg.Wait()
}

func (c *Controller) updateMetrics(snap powerflow.PowerSnapshot, socPct float64) {
	c.metrics.PVKw.Set(snap.PVKw)
	c.metrics.HouseLoadKw.Set(snap.HouseLoadKw)
	c.metrics.BatteryPowerKw.Set(snap.BatteryPowerKw)
	c.metrics.EVPowerKw.Set(snap.EVPowerKw)
	c.metrics.GridImportKw.Set(snap.GridImportKw)
	c.metrics.GridExportKw.Set(snap.GridExportKw)
	c.metrics.BatterySoCPct.Set(socPct)
}

func (c *Controller) pushRing(snap powerflow.PowerSnapshot) {
	c.ringLock.Lock()
	defer c.ringLock.Unlock()
	c.ring = append(c.ring, snap)
	if len(c.ring) > c.ringCap {
		c.ring = c.ring[len(c.ring)-c.ringCap:]
	}
}

// LatestSnapshot returns the most recently computed snapshot, satisfying
// the controller's latest_snapshot contract.
func (c *Controller) LatestSnapshot() (powerflow.PowerSnapshot, bool) {
	c.ringLock.RLock()
	defer c.ringLock.RUnlock()
	if len(c.ring) == 0 {
		return powerflow.PowerSnapshot{}, false
	}
	return c.ring[len(c.ring)-1], true
}

// SnapshotsBetween returns in-memory snapshots with Timestamp in [from,
// to), satisfying the snapshots_between contract for recent history
// without hitting the database.
func (c *Controller) SnapshotsBetween(from, to time.Time) []powerflow.PowerSnapshot {
	c.ringLock.RLock()
	defer c.ringLock.RUnlock()
	var out []powerflow.PowerSnapshot
	for _, s := range c.ring {
		if !s.Timestamp.Before(from) && s.Timestamp.Before(to) {
			out = append(out, s)
		}
	}
	return out
}

// CurrentConstraints returns the active constraint set and its version.
func (c *Controller) CurrentConstraints() (powerflow.Constraints, int) {
	return c.currentConstraints()
}

func (c *Controller) currentConstraints() (powerflow.Constraints, int) {
	c.constraintsLock.RLock()
	defer c.constraintsLock.RUnlock()
	return c.constraints, c.constraintsVer
}

// ReplaceConstraints atomically swaps the active constraint set, bumping
// its version, satisfying the replace_constraints contract. It validates
// the new set before accepting it.
func (c *Controller) ReplaceConstraints(next powerflow.Constraints) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("controller: rejected constraints: %w", err)
	}
	c.constraintsLock.Lock()
	defer c.constraintsLock.Unlock()
	c.constraints = next
	c.constraintsVer++
	return nil
}

// ErrShutdownTimeout is returned by Shutdown when devices could not be
// brought to a safe state within the configured deadline.
var ErrShutdownTimeout = errors.New("controller: shutdown deadline exceeded")

// Shutdown commands the battery and EV to 0kW and waits up to deadline
// for the commands to be issued, matching spec.md §4.5's graceful
// shutdown requirement.
func (c *Controller) Shutdown(ctx context.Context, deadline time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.command(shutdownCtx, 0, 0)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-shutdownCtx.Done():
		return ErrShutdownTimeout
	}
}

func ptr[T any](v T) *T {
	return &v
}
