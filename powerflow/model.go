package powerflow

import (
	"fmt"
	"time"
)

// ComputeFlows is the single pure entry point of the power flow model. It
// takes the tick's measured inputs and the currently active constraints and
// deterministically allocates power across house load, EV charging, battery,
// and grid, in that priority order, per spec.md §4.2.
//
// ComputeFlows performs no I/O, reads no clock other than inputs.Timestamp,
// and is safe to call concurrently — it touches nothing but its arguments.
func ComputeFlows(inputs PowerFlowInputs, constraints Constraints, scheduledBatteryKw *float64) (PowerSnapshot, error) {
	if err := inputs.Validate(); err != nil {
		return PowerSnapshot{}, err
	}
	if err := constraints.Validate(); err != nil {
		return PowerSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidInputs, err)
	}

	pv := inputs.PVProductionKw
	house := inputs.HouseLoadKw
	phys := constraints.Physical

	// Priority 1: house load is served first. It is never curtailed by this
	// model — any shortfall against PV is made up by the grid in the final
	// balance step. Whatever PV is left over is available to lower
	// priorities.
	remainingPV := posPart(pv - house)

	// Priority 2: EV charging draws from remaining PV first, grid import
	// covers the rest. desired_ev_kw comes from the connected vehicle's
	// urgency and the grid price, then is clamped so it does not push grid
	// import past the fuse limit; a clamped value below the EVSE's minimum
	// power snaps to 0.
	evPower, evReason := allocateEV(inputs.EVState, phys, constraints.Economic, inputs.GridPrice, inputs.Timestamp)
	if clamped, wasClamped := clampDrawForImportFuse(evPower, pv, house, 0, phys.MaxGridImportKw); wasClamped {
		if clamped < phys.EVSEMinPowerKw()-epsilon {
			clamped = 0
		}
		evReason = fmt.Sprintf("%s; fuse limit reduced ev from %.2fkW to %.2fkW", evReason, evPower, clamped)
		evPower = clamped
	}
	remainingPV = subtractDraw(remainingPV, evPower)
	gridDeficitKw := posPart(house + evPower - pv)

	// Priority 3: battery. Safety SoC bounds are enforced first (they can
	// force charge or force idle regardless of economics), then a schedule
	// setpoint if one is active, then self-consumption/arbitrage logic
	// against any PV left over or the current grid price. The result is
	// then further clamped so it does not push grid import or export past
	// the fuse limits.
	batteryPower, batteryReason, forcedFloorCharge := allocateBattery(inputs, constraints, remainingPV, gridDeficitKw, scheduledBatteryKw)
	switch {
	case batteryPower > 0:
		if clamped, wasClamped := clampDrawForImportFuse(batteryPower, pv, house, evPower, phys.MaxGridImportKw); wasClamped {
			batteryReason = fmt.Sprintf("%s; fuse limit reduced battery charge from %.2fkW to %.2fkW", batteryReason, batteryPower, clamped)
			batteryPower = clamped
			if forcedFloorCharge && batteryPower <= epsilon {
				return PowerSnapshot{}, fmt.Errorf("%w: battery must charge to hold soc floor but the fuse leaves no import headroom", ErrConstraintConflict)
			}
		}
	case batteryPower < 0:
		if clamped, wasClamped := clampDischargeForExportFuse(batteryPower, pv, house, evPower, phys.MaxGridExportKw); wasClamped {
			batteryReason = fmt.Sprintf("%s; fuse limit reduced battery discharge from %.2fkW to %.2fkW", batteryReason, batteryPower, clamped)
			batteryPower = clamped
		}
	}

	// Priority 4: grid absorbs whatever imbalance remains. Positive battery
	// power and EV power draw from surplus PV or, failing that, the grid;
	// negative battery power (discharge) is itself a source alongside PV.
	gridImport, gridExport := calculateGridPower(pv, house, evPower, batteryPower)

	reason := combineReasons(evReason, batteryReason)
	mode := ControlModeArbitrage
	if scheduledBatteryKw != nil {
		mode = ControlModeSchedule
	}

	snap := newSnapshot(pv, house, batteryPower, evPower, gridImport, gridExport, inputs.Timestamp, mode, reason)

	if err := snap.Verify(constraints); err != nil {
		return PowerSnapshot{}, err
	}
	return snap, nil
}

// subtractDraw reduces an available PV pool by a downstream consumer's
// draw, floored at zero — it never goes negative, the residual just comes
// from the grid instead.
func subtractDraw(available, draw float64) float64 {
	return posPart(available - draw)
}

// allocateEV picks the EV charging power for this tick, per spec.md §4.2's
// urgency/price schedule:
//
//  1. urgency > 0.8: charge at the EVSE's max power regardless of price —
//     the deadline is close enough that cost no longer matters.
//  2. otherwise, grid price below the arbitrage threshold: charge at 80% of
//     max power, since electricity is cheap even though the deadline isn't
//     urgent yet.
//  3. otherwise: charge at the EVSE's minimum power only if that minimum is
//     already necessary to still meet the deadline; else defer entirely
//     and let a later tick (with higher urgency or a cheaper price) pick it
//     up.
func allocateEV(ev *EVState, phys PhysicalConstraints, econ EconomicConstraints, gridPrice float64, now time.Time) (float64, string) {
	if ev == nil || !ev.NeedsCharging() {
		return 0, ""
	}

	urgency := ev.UrgencyFactor(now)
	minKw := phys.EVSEMinPowerKw()
	maxKw := phys.EVSEMaxPowerKw()
	if maxKw > ev.MaxChargeKw {
		maxKw = ev.MaxChargeKw
	}
	if maxKw < minKw {
		return 0, "ev: evse max power below evse min power, cannot charge"
	}

	switch {
	case urgency > 0.8:
		return maxKw, fmt.Sprintf("ev urgency %.2f > 0.8, charging at max %.2fkW", urgency, maxKw)

	case econ.ArbitrageThresholdPrice > 0 && gridPrice < econ.ArbitrageThresholdPrice:
		desired := 0.8 * maxKw
		if desired < minKw {
			desired = minKw
		}
		return desired, fmt.Sprintf("ev urgency %.2f, price %.4f below threshold, charging at 80%% (%.2fkW)", urgency, gridPrice, desired)

	default:
		required := ev.requiredChargeRateKw(now)
		if required >= minKw-epsilon {
			return minKw, fmt.Sprintf("ev urgency %.2f, minimum charge %.2fkW necessary to meet deadline", urgency, minKw)
		}
		return 0, fmt.Sprintf("ev urgency %.2f, deadline has slack, deferring charge", urgency)
	}
}

// allocateBattery decides the battery's signed power for this tick, and
// whether the allocation is the safety floor's forced charge (the caller
// needs to know this to tell a fuse-clamp-to-zero of that specific charge
// apart from an ordinary, non-safety-critical clamp).
//
// Order of precedence, per spec.md §4.2:
//  1. Safety SoC floor/ceiling: at or below battery_min_soc_pct the
//     battery is forced to charge at its max charge rate (if the fuse then
//     leaves no import headroom for that charge, ComputeFlows returns
//     ErrConstraintConflict); at or above battery_max_soc_pct it is held
//     at 0.
//  2. An active schedule setpoint, clamped to the physical and safety
//     envelope.
//  3. Self-consumption: charge from surplus PV, but only when
//     prefer_self_consumption is set — otherwise surplus PV is left for
//     the grid residual step to export.
//  4. Arbitrage: when self-consumption leaves the battery idle, charge
//     from the grid below the low edge of the hysteresis band around
//     arbitrage_threshold_price, or discharge to offset import above the
//     band's high edge. Discharge is capped at gridDeficitKw — the import
//     that would otherwise be needed to cover house load and EV charging —
//     so arbitrage never pushes the site into export just to sell power.
func allocateBattery(inputs PowerFlowInputs, c Constraints, availablePV, gridDeficitKw float64, scheduledKw *float64) (float64, string, bool) {
	phys := c.Physical
	safety := c.Safety
	soc := inputs.BatterySoCPct

	if soc <= safety.BatteryMinSoCPct+epsilon {
		charge := phys.MaxBatteryChargeKw
		return charge, fmt.Sprintf("battery soc %.1f%% at or below floor %.1f%%, forcing charge", soc, safety.BatteryMinSoCPct), true
	}
	if soc >= safety.BatteryMaxSoCPct-epsilon {
		return 0, fmt.Sprintf("battery soc %.1f%% at or above ceiling %.1f%%, holding", soc, safety.BatteryMaxSoCPct), false
	}

	if scheduledKw != nil {
		return clampBatteryPower(*scheduledKw, phys), fmt.Sprintf("schedule setpoint %.2fkW", *scheduledKw), false
	}

	if availablePV > epsilon && c.Economic.PreferSelfConsumption {
		charge := availablePV
		if charge > phys.MaxBatteryChargeKw {
			charge = phys.MaxBatteryChargeKw
		}
		return charge, fmt.Sprintf("self-consumption charge %.2fkW from surplus PV", charge), false
	}

	if c.Economic.ArbitrageThresholdPrice > 0 {
		low := c.Economic.ArbitrageThresholdPrice - c.Economic.ArbitrageHysteresis
		high := c.Economic.ArbitrageThresholdPrice + c.Economic.ArbitrageHysteresis
		if inputs.GridPrice <= low+epsilon {
			return phys.MaxBatteryChargeKw, fmt.Sprintf("arbitrage: price %.4f <= %.4f, charging from grid", inputs.GridPrice, low), false
		}
		if inputs.GridPrice >= high-epsilon {
			discharge := gridDeficitKw
			if discharge > phys.MaxBatteryDischargeKw {
				discharge = phys.MaxBatteryDischargeKw
			}
			if discharge <= epsilon {
				return 0, fmt.Sprintf("arbitrage: price %.4f >= %.4f but no import to offset, holding", inputs.GridPrice, high), false
			}
			return -discharge, fmt.Sprintf("arbitrage: price %.4f >= %.4f, discharging %.2fkW to offset import", inputs.GridPrice, high, discharge), false
		}
	}

	return 0, "battery idle", false
}

func clampBatteryPower(kw float64, phys PhysicalConstraints) float64 {
	if kw > phys.MaxBatteryChargeKw {
		return phys.MaxBatteryChargeKw
	}
	if kw < -phys.MaxBatteryDischargeKw {
		return -phys.MaxBatteryDischargeKw
	}
	return kw
}

// clampDrawForImportFuse reduces a positive power draw (EV charging, or
// battery charging) so that, combined with house load, PV, and whatever
// other draw has already been committed this tick, projected grid import
// does not exceed maxImportKw. A non-positive draw already helps the
// import balance rather than hurting it and is returned unchanged.
//
// This is priority-ordered clamping, not a joint optimum: house load is
// fixed and never curtailed, so whichever consumer calls this later (EV,
// then battery) absorbs the reduction the earlier one didn't need to.
func clampDrawForImportFuse(draw, pv, house, otherDraws, maxImportKw float64) (float64, bool) {
	if maxImportKw <= 0 || draw <= 0 {
		return draw, false
	}
	projected := house + otherDraws + draw - pv
	if projected <= maxImportKw+epsilon {
		return draw, false
	}
	clamped := draw - (projected - maxImportKw)
	if clamped < 0 {
		clamped = 0
	}
	return roundTo3(clamped), true
}

// clampDischargeForExportFuse reduces a discharging battery's magnitude so
// that projected grid export does not exceed maxExportKw. A non-negative
// battery power (charging or idle) cannot cause an export overshoot and is
// returned unchanged.
func clampDischargeForExportFuse(batteryKw, pv, house, evPower, maxExportKw float64) (float64, bool) {
	if maxExportKw <= 0 || batteryKw >= 0 {
		return batteryKw, false
	}
	projectedExport := pv + (-batteryKw) - house - evPower
	if projectedExport <= maxExportKw+epsilon {
		return batteryKw, false
	}
	excess := projectedExport - maxExportKw
	clamped := batteryKw + excess
	if clamped > 0 {
		clamped = 0
	}
	return roundTo3(clamped), true
}

// calculateGridPower derives grid import/export as the algebraic residual
// needed to balance sources against sinks:
//
//	grid = house + ev + max(battery,0) - pv - max(-battery,0)
//
// A positive result is import, a negative result is export. By the time
// this runs, ev and battery have already been clamped to the fuse limits
// above, so the residual should already be within bounds; the only way it
// isn't is when house load alone exceeds a fuse limit, which is genuinely
// infeasible and left for the snapshot's own fuse-limit check to catch and
// reject with ErrFuseLimitViolation rather than reporting a falsely
// balanced snapshot.
//
// prefer_self_consumption is decided upstream, in allocateBattery: it
// gates whether surplus PV goes to the battery at all. By the time the
// residual is computed here there is nothing left to prefer between —
// PV not claimed by the battery simply reduces import or becomes export.
func calculateGridPower(pv, house, evPower, batteryPower float64) (importKw, exportKw float64) {
	grid := house + evPower + posPart(batteryPower) - pv - negPart(batteryPower)

	if almostZero(grid) {
		return 0, 0
	}
	if grid > 0 {
		return roundTo3(grid), 0
	}
	return 0, roundTo3(-grid)
}

func combineReasons(a, b string) string {
	switch {
	case a == "" && b == "":
		return "idle"
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}
