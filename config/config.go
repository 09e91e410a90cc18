// Package config loads the controller's YAML configuration via Viper,
// grounded on icodeforyou-solarplant-go/config/config.go's
// SetConfigFile/AutomaticEnv/mapstructure idiom, replacing the teacher's
// own hand-rolled stdlib encoding/json config.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Physical mirrors powerflow.PhysicalConstraints' configurable fields.
type Physical struct {
	MaxGridImportKw       float64 `mapstructure:"max_grid_import_kw"`
	MaxGridExportKw       float64 `mapstructure:"max_grid_export_kw"`
	MaxBatteryChargeKw    float64 `mapstructure:"max_battery_charge_kw"`
	MaxBatteryDischargeKw float64 `mapstructure:"max_battery_discharge_kw"`
	EVSEMinCurrentA       float64 `mapstructure:"evse_min_current_a"`
	EVSEMaxCurrentA       float64 `mapstructure:"evse_max_current_a"`
	Phases                int     `mapstructure:"phases"`
	PhaseVoltageV         float64 `mapstructure:"phase_voltage_v"`
}

// Safety mirrors powerflow.SafetyConstraints' configurable fields.
type Safety struct {
	BatteryMinSoCPct       float64 `mapstructure:"battery_min_soc_pct"`
	BatteryMaxSoCPct       float64 `mapstructure:"battery_max_soc_pct"`
	HousePriority          bool    `mapstructure:"house_priority"`
	MaxBatteryCyclesPerDay float64 `mapstructure:"max_battery_cycles_per_day"`
	MaxBatteryTempC        float64 `mapstructure:"max_battery_temp_c"`
	BatteryCapacityKwh     float64 `mapstructure:"battery_capacity_kwh"`
}

// Economic mirrors powerflow.EconomicConstraints' configurable fields.
type Economic struct {
	PreferSelfConsumption   bool    `mapstructure:"prefer_self_consumption"`
	ArbitrageThresholdPrice float64 `mapstructure:"arbitrage_threshold_price"`
}

// Timing holds the controller's real-time and re-plan cadences.
type Timing struct {
	TickSeconds             int    `mapstructure:"tick_seconds"`
	ReoptimizeEveryMinutes  int    `mapstructure:"reoptimize_every_minutes"`
	MaxStaleSeconds         int    `mapstructure:"max_stale_s"`
	MaxRampKwPerSecond      float64 `mapstructure:"max_ramp_kw_per_s"`
	MaxCurrentStepA         float64 `mapstructure:"max_current_step_a"`
	ArbitrageHysteresis     float64 `mapstructure:"arbitrage_hysteresis"`
	ShutdownDeadlineMs      int    `mapstructure:"shutdown_deadline_ms"`
}

// Devices holds connection details for the physical devices; UseMocks
// selects in-memory implementations instead.
type Devices struct {
	BatteryHost string `mapstructure:"battery_host"`
	GridMeterHost string `mapstructure:"grid_meter_host"`
	HouseMeterHost string `mapstructure:"house_meter_host"`
	InverterHost string `mapstructure:"inverter_host"`
	EVSEURL     string `mapstructure:"evse_url"`
	UseMocks    bool   `mapstructure:"use_mocks"`
}

// Persistence configures the local SQLite database path.
type Persistence struct {
	DatabasePath string `mapstructure:"database_path"`
}

// Cloud configures the Supabase cloud sync task. Empty ProjectURL disables
// cloud sync entirely.
type Cloud struct {
	ProjectURL       string `mapstructure:"project_url"`
	APIKey           string `mapstructure:"api_key"`
	SyncIntervalSecs int    `mapstructure:"sync_interval_s"`
	BatchSize        int    `mapstructure:"batch_size"`
}

// Forecast configures the price/production/consumption forecast poller.
type Forecast struct {
	URL          string `mapstructure:"url"`
	PollInterval int    `mapstructure:"poll_interval_s"`
}

// Metrics configures the Prometheus HTTP exporter.
type Metrics struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Config is the top-level controller configuration.
type Config struct {
	Physical    Physical    `mapstructure:"physical"`
	Safety      Safety      `mapstructure:"safety"`
	Economic    Economic    `mapstructure:"economic"`
	Timing      Timing      `mapstructure:"timing"`
	Devices     Devices     `mapstructure:"devices"`
	Persistence Persistence `mapstructure:"persistence"`
	Cloud       Cloud       `mapstructure:"cloud"`
	Forecast    Forecast    `mapstructure:"forecast"`
	Metrics     Metrics     `mapstructure:"metrics"`
}

// Load reads configuration from path if given, or from a "config.yaml" in
// the "config" directory otherwise, and applies environment variable
// overrides (e.g. HOMEPOWER_PHYSICAL_MAX_GRID_IMPORT_KW), following
// icodeforyou-solarplant-go's viper Load pattern.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("homepower")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: unmarshal config file: %w", err)
	}

	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("physical.phases", 1)
	v.SetDefault("physical.phase_voltage_v", 230.0)
	v.SetDefault("physical.evse_min_current_a", 6.0)
	v.SetDefault("safety.battery_min_soc_pct", 10.0)
	v.SetDefault("safety.battery_max_soc_pct", 95.0)
	v.SetDefault("timing.tick_seconds", 10)
	v.SetDefault("timing.reoptimize_every_minutes", 60)
	v.SetDefault("timing.max_stale_s", 30)
	v.SetDefault("timing.shutdown_deadline_ms", 2000)
	v.SetDefault("persistence.database_path", "homepower.sqlite")
	v.SetDefault("cloud.sync_interval_s", 300)
	v.SetDefault("cloud.batch_size", 100)
	v.SetDefault("forecast.poll_interval_s", 900)
	v.SetDefault("metrics.listen_addr", ":9090")
}
