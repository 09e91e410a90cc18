package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
physical:
  max_grid_import_kw: 10
  max_grid_export_kw: 10
  max_battery_charge_kw: 5
  max_battery_discharge_kw: 5
  evse_min_current_a: 6
  evse_max_current_a: 32
  phases: 1
  phase_voltage_v: 230
safety:
  battery_min_soc_pct: 15
  battery_max_soc_pct: 90
  max_battery_cycles_per_day: 2
  max_battery_temp_c: 45
  battery_capacity_kwh: 10
economic:
  prefer_self_consumption: true
  arbitrage_threshold_price: 0.20
timing:
  tick_seconds: 5
  reoptimize_every_minutes: 60
  max_stale_s: 30
  max_ramp_kw_per_s: 1.5
  max_current_step_a: 4
  shutdown_deadline_ms: 2000
devices:
  use_mocks: true
persistence:
  database_path: test.sqlite
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeTestConfig(t))
	if err != nil {
		t.Fatalf("unexpected error loading config: %v", err)
	}

	if cfg.Physical.MaxGridImportKw != 10 {
		t.Errorf("expected max_grid_import_kw 10, got %v", cfg.Physical.MaxGridImportKw)
	}
	if cfg.Safety.BatteryMinSoCPct != 15 {
		t.Errorf("expected battery_min_soc_pct 15, got %v", cfg.Safety.BatteryMinSoCPct)
	}
	if !cfg.Economic.PreferSelfConsumption {
		t.Error("expected prefer_self_consumption true")
	}
	if !cfg.Devices.UseMocks {
		t.Error("expected use_mocks true")
	}
	if cfg.Timing.TickSeconds != 5 {
		t.Errorf("expected tick_seconds 5, got %d", cfg.Timing.TickSeconds)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeTestConfig(t))
	if err != nil {
		t.Fatalf("unexpected error loading config: %v", err)
	}

	if cfg.Cloud.SyncIntervalSecs != 300 {
		t.Errorf("expected default cloud sync interval 300, got %d", cfg.Cloud.SyncIntervalSecs)
	}
	if cfg.Metrics.ListenAddr != ":9090" {
		t.Errorf("expected default metrics listen addr :9090, got %q", cfg.Metrics.ListenAddr)
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
