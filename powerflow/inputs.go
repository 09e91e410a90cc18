package powerflow

import (
	"fmt"
	"math"
	"time"
)

// EVState describes the connected electric vehicle, if any. It is a snapshot
// of the vehicle's charging session at tick start, not a live device handle.
type EVState struct {
	Connected     bool
	SoCPct        float64
	CapacityKwh   float64
	MaxChargeKw   float64
	TargetSoCPct  float64
	DepartureTime *time.Time
}

// NeedsCharging reports whether the vehicle has any charging demand at all,
// i.e. it is connected and below its target SoC.
func (e *EVState) NeedsCharging() bool {
	if e == nil || !e.Connected {
		return false
	}
	return e.TargetSoCPct-e.SoCPct > epsilon
}

// UrgencyFactor computes ev_urgency in [0,1] as specified in spec.md §4.2.
//
//	dt_h = (departure_time − now)_hours
//	soc_gap_pct = target_soc − current_soc
//	energy_needed_kwh = (soc_gap_pct/100) × capacity_kwh
//	required_rate_kw = energy_needed_kwh / max(dt_h, ε)
//	urgency = clamp(required_rate_kw / max_charge_kw, 0, 1)
//
// If dt_h <= 0 and the charge target hasn't been met, urgency is 1. If no
// departure time is known, urgency is 0.
func (e *EVState) UrgencyFactor(now time.Time) float64 {
	if e == nil || !e.Connected {
		return 0
	}
	if e.DepartureTime == nil {
		return 0
	}

	socGap := e.TargetSoCPct - e.SoCPct
	if socGap <= 0 {
		return 0
	}

	dtH := e.DepartureTime.Sub(now).Hours()
	if dtH <= 0 {
		return 1
	}

	energyNeededKwh := (socGap / 100.0) * e.CapacityKwh
	requiredRateKw := energyNeededKwh / math.Max(dtH, epsilon)

	if e.MaxChargeKw <= 0 {
		return 1
	}

	return clamp(requiredRateKw/e.MaxChargeKw, 0, 1)
}

// requiredChargeRateKw returns required_rate_kw from the UrgencyFactor
// derivation above, but unclamped by max_charge_kw — the raw rate needed to
// close the SoC gap by departure. allocateEV uses this to decide whether
// charging at the EVSE's minimum power is "minimally necessary" right now,
// as opposed to charging being avoidable because there is still slack
// before the deadline requires it.
func (e *EVState) requiredChargeRateKw(now time.Time) float64 {
	if e == nil || !e.Connected || e.DepartureTime == nil {
		return 0
	}
	socGap := e.TargetSoCPct - e.SoCPct
	if socGap <= 0 {
		return 0
	}
	dtH := e.DepartureTime.Sub(now).Hours()
	if dtH <= 0 {
		return math.Inf(1)
	}
	energyNeededKwh := (socGap / 100.0) * e.CapacityKwh
	return energyNeededKwh / math.Max(dtH, epsilon)
}

// PowerFlowInputs is the immutable snapshot of all measurements taken at the
// start of a control tick. It is created per tick and discarded once the
// resulting snapshot commits.
type PowerFlowInputs struct {
	PVProductionKw float64
	HouseLoadKw    float64
	BatterySoCPct  float64
	BatteryTempC   float64
	EVState        *EVState
	GridPrice      float64
	Timestamp      time.Time
}

// Validate checks that every measurement is finite and within a
// domain-sensible range. Called once at the top of compute_flows so that a
// malformed reading fails fast with a typed error rather than propagating
// into the allocation arithmetic.
func (in PowerFlowInputs) Validate() error {
	if !finiteNonNegative(in.PVProductionKw) {
		return fmt.Errorf("%w: pv_production_kw must be finite and >= 0, got %v", ErrInvalidInputs, in.PVProductionKw)
	}
	if !finiteNonNegative(in.HouseLoadKw) {
		return fmt.Errorf("%w: house_load_kw must be finite and >= 0, got %v", ErrInvalidInputs, in.HouseLoadKw)
	}
	if !isFinite(in.BatterySoCPct) || in.BatterySoCPct < 0 || in.BatterySoCPct > 100 {
		return fmt.Errorf("%w: battery_soc_pct out of range: %v", ErrInvalidInputs, in.BatterySoCPct)
	}
	if !isFinite(in.BatteryTempC) {
		return fmt.Errorf("%w: battery_temp_c is not finite", ErrInvalidInputs)
	}
	if !isFinite(in.GridPrice) {
		return fmt.Errorf("%w: grid_price is not finite", ErrInvalidInputs)
	}
	if in.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is zero", ErrInvalidInputs)
	}
	if in.EVState != nil && in.EVState.Connected {
		ev := in.EVState
		if !isFinite(ev.SoCPct) || ev.SoCPct < 0 || ev.SoCPct > 100 {
			return fmt.Errorf("%w: ev soc_pct out of range: %v", ErrInvalidInputs, ev.SoCPct)
		}
		if !finiteNonNegative(ev.CapacityKwh) {
			return fmt.Errorf("%w: ev capacity_kwh must be finite and >= 0", ErrInvalidInputs)
		}
		if !finiteNonNegative(ev.MaxChargeKw) {
			return fmt.Errorf("%w: ev max_charge_kw must be finite and >= 0", ErrInvalidInputs)
		}
	}
	return nil
}
