// Package metrics exposes the controller's tick-level Prometheus metrics,
// grounded on GVCUTV-NRG-CHAMP's observability.Metrics constructor/register
// pattern.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gauge and counter the real-time loop updates once per
// tick. Each instance owns its own registry rather than registering
// against the global default, so tests can construct as many Metrics as
// they like without a duplicate-registration panic.
type Metrics struct {
	registry *prometheus.Registry

	PVKw           prometheus.Gauge
	HouseLoadKw    prometheus.Gauge
	BatteryPowerKw prometheus.Gauge
	EVPowerKw      prometheus.Gauge
	GridImportKw   prometheus.Gauge
	GridExportKw   prometheus.Gauge
	BatterySoCPct  prometheus.Gauge

	TickDuration    prometheus.Histogram
	TickOverruns    prometheus.Counter
	TicksTotal      prometheus.Counter
	SafetyViolations *prometheus.CounterVec
	DeviceErrors     *prometheus.CounterVec
	ReplansTotal     prometheus.Counter

	// ConstraintViolations counts ticks where ComputeFlows detected a
	// genuine conflict between the safety and physical tiers and the
	// controller fell back to house-only safe mode.
	ConstraintViolations prometheus.Counter

	// Halted is 1 while the control loop is stopped after a fatal
	// invariant breach, 0 otherwise. The metrics/HTTP server stays up
	// regardless so an operator can see the halt without local access.
	Halted prometheus.Gauge
}

// New builds and registers the metric set against a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PVKw: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homepower_pv_kw",
			Help: "Instantaneous PV production in kW.",
		}),
		HouseLoadKw: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homepower_house_load_kw",
			Help: "Instantaneous house load in kW.",
		}),
		BatteryPowerKw: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homepower_battery_power_kw",
			Help: "Battery power in kW, positive for charging.",
		}),
		EVPowerKw: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homepower_ev_power_kw",
			Help: "EV charging power in kW.",
		}),
		GridImportKw: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homepower_grid_import_kw",
			Help: "Grid import power in kW.",
		}),
		GridExportKw: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homepower_grid_export_kw",
			Help: "Grid export power in kW.",
		}),
		BatterySoCPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homepower_battery_soc_pct",
			Help: "Battery state of charge as a percentage.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "homepower_tick_duration_seconds",
			Help:    "Duration of each controller tick.",
			Buckets: prometheus.DefBuckets,
		}),
		TickOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homepower_tick_overruns_total",
			Help: "Total ticks that exceeded the configured tick interval.",
		}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homepower_ticks_total",
			Help: "Total controller ticks executed.",
		}),
		SafetyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homepower_safety_violations_total",
			Help: "Total safety violations observed, by type.",
		}, []string{"type"}),
		DeviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homepower_device_errors_total",
			Help: "Total device read/write errors, by device.",
		}, []string{"device"}),
		ReplansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homepower_replans_total",
			Help: "Total schedule re-plans triggered.",
		}),
		ConstraintViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homepower_constraint_violations_total",
			Help: "Total ticks that fell back to house-only safe mode due to a constraint conflict.",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homepower_halted",
			Help: "1 if the control loop is halted after a fatal invariant breach, 0 otherwise.",
		}),
	}

	m.registry.MustRegister(
		m.PVKw,
		m.HouseLoadKw,
		m.BatteryPowerKw,
		m.EVPowerKw,
		m.GridImportKw,
		m.GridExportKw,
		m.BatterySoCPct,
		m.TickDuration,
		m.TickOverruns,
		m.TicksTotal,
		m.SafetyViolations,
		m.DeviceErrors,
		m.ReplansTotal,
		m.ConstraintViolations,
		m.Halted,
	)

	return m
}

// Handler returns the Prometheus scrape endpoint handler for this
// instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
