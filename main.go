package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/cepro/homepower/battery"
	"github.com/cepro/homepower/cloudsync"
	"github.com/cepro/homepower/config"
	"github.com/cepro/homepower/controller"
	"github.com/cepro/homepower/device"
	"github.com/cepro/homepower/evse"
	"github.com/cepro/homepower/forecast"
	"github.com/cepro/homepower/inverter"
	"github.com/cepro/homepower/meter"
	"github.com/cepro/homepower/metrics"
	"github.com/cepro/homepower/persistence"
	"github.com/cepro/homepower/powerflow"
	"github.com/cepro/homepower/safety"
	"github.com/cepro/homepower/schedule"
	"github.com/lmittmann/tint"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "", "path to config.yaml; defaults to config/config.yaml")
	flag.Parse()

	slog.Info("starting homepower controller")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	devices := buildDevices(cfg, logger)

	fc := forecast.New(http.Client{Timeout: 10 * time.Second}, cfg.Forecast.URL, logger)
	if cfg.Forecast.URL != "" {
		go fc.Run(ctx, time.Duration(cfg.Forecast.PollInterval)*time.Second)
	}

	repo, err := persistence.New(cfg.Persistence.DatabasePath)
	if err != nil {
		slog.Error("failed to open persistence database", "error", err)
		os.Exit(1)
	}

	if cfg.Cloud.ProjectURL != "" {
		syncer := cloudsync.New(repo, cfg.Cloud.ProjectURL, cfg.Cloud.APIKey, logger)
		go func() {
			if err := syncer.Run(ctx, time.Duration(cfg.Cloud.SyncIntervalSecs)*time.Second, cfg.Cloud.BatchSize); err != nil {
				slog.Error("cloud sync stopped", "error", err)
			}
		}()
	}

	sched := schedule.NewCell()
	replanner := schedule.NewReplanner(sched, planFromForecast(fc, cfg), fmt.Sprintf("@every %dm", cfg.Timing.ReoptimizeEveryMinutes), logger)
	if err := replanner.Start(ctx); err != nil {
		slog.Error("failed to start replanner", "error", err)
		os.Exit(1)
	}

	mon := safety.New(cfg.Safety.BatteryCapacityKwh)
	m := metrics.New()

	ctrl := controller.New(
		devices,
		fc,
		sched,
		mon,
		repo,
		m,
		logger,
		controller.Config{
			TickInterval:    time.Duration(cfg.Timing.TickSeconds) * time.Second,
			MaxStale:        time.Duration(cfg.Timing.MaxStaleSeconds) * time.Second,
			MaxRampKwPerSec: cfg.Timing.MaxRampKwPerSecond,
			MaxCurrentStepA: cfg.Timing.MaxCurrentStepA,
		},
		constraintsFromConfig(cfg),
	)
	ctrl.SetReplanner(replanner)
	go ctrl.Run(ctx)

	metricsServer := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: m.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	<-signalChan

	slog.Info("shutdown signal received")
	cancel()

	shutdownDeadline := time.Duration(cfg.Timing.ShutdownDeadlineMs) * time.Millisecond
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer shutdownCancel()
	if err := ctrl.Shutdown(shutdownCtx, shutdownDeadline); err != nil {
		slog.Error("controller shutdown did not complete cleanly", "error", err)
	}
	_ = metricsServer.Close()

	slog.Info("exiting")
}

// buildDevices wires either real Modbus/HTTP drivers or in-memory mocks,
// per cfg.Devices.UseMocks — a development/test escape hatch grounded on
// the teacher's own commented-out acuvim2.NewEmulated fallback in its
// original main.go.
func buildDevices(cfg *config.Config, logger *slog.Logger) controller.Devices {
	if cfg.Devices.UseMocks {
		slog.Warn("using mock devices, no hardware will be commanded")
		return controller.Devices{
			Battery:    battery.NewMock(50, cfg.Safety.BatteryCapacityKwh),
			EVSE:       evse.NewMock(false, cfg.Physical.PhaseVoltageV, cfg.Physical.Phases),
			Inverter:   inverter.NewMock(0),
			GridMeter:  meter.NewMock(0),
			HouseMeter: meter.NewMock(0),
		}
	}

	bat, err := battery.New(cfg.Devices.BatteryHost)
	if err != nil {
		slog.Error("failed to connect to battery", "error", err)
		os.Exit(1)
	}

	inv, err := inverter.New("inverter", cfg.Devices.InverterHost)
	if err != nil {
		slog.Error("failed to connect to inverter", "error", err)
		os.Exit(1)
	}

	gridMeter, err := meter.NewAcuvim2("grid", cfg.Devices.GridMeterHost, 400, 400, 800, 5)
	if err != nil {
		slog.Error("failed to connect to grid meter", "error", err)
		os.Exit(1)
	}

	houseMeter, err := meter.NewAcuvim2("house", cfg.Devices.HouseMeterHost, 400, 400, 400, 5)
	if err != nil {
		slog.Error("failed to connect to house meter", "error", err)
		os.Exit(1)
	}

	var evseDriver device.EVSE
	if cfg.Devices.EVSEURL != "" {
		evseDriver, err = evse.New("evse", cfg.Devices.EVSEURL)
		if err != nil {
			slog.Error("failed to connect to evse", "error", err)
			os.Exit(1)
		}
	}

	return controller.Devices{
		Battery:    bat,
		EVSE:       evseDriver,
		Inverter:   inv,
		GridMeter:  gridMeter,
		HouseMeter: houseMeter,
	}
}

// planFromForecast builds a schedule.PlanFunc that lays out a simple
// arbitrage-led daily schedule from the forecast's cached price curve,
// charging the battery in the cheapest hours and discharging in the most
// expensive ones. It leaves the real-time arbitrage tier in
// powerflow.ComputeFlows to handle anything the schedule does not cover.
func planFromForecast(fc *forecast.Client, cfg *config.Config) schedule.PlanFunc {
	return func(ctx context.Context, now time.Time) (schedule.Schedule, error) {
		var intervals []schedule.Interval
		for h := 0; h < 24; h++ {
			start := time.Date(now.Year(), now.Month(), now.Day(), h, 0, 0, 0, now.Location())
			end := start.Add(time.Hour)
			price, _, ok := fc.PriceAt(start)
			if !ok {
				continue
			}
			setpoint := 0.0
			if price < cfg.Economic.ArbitrageThresholdPrice {
				setpoint = cfg.Physical.MaxBatteryChargeKw
			} else if price > 2*cfg.Economic.ArbitrageThresholdPrice {
				setpoint = -cfg.Physical.MaxBatteryDischargeKw
			}
			intervals = append(intervals, schedule.Interval{Start: start, End: end, BatterySetpoint: setpoint})
		}
		return schedule.New(now, intervals)
	}
}

func constraintsFromConfig(cfg *config.Config) powerflow.Constraints {
	return powerflow.Constraints{
		Physical: powerflow.PhysicalConstraints{
			MaxGridImportKw:       cfg.Physical.MaxGridImportKw,
			MaxGridExportKw:       cfg.Physical.MaxGridExportKw,
			MaxBatteryChargeKw:    cfg.Physical.MaxBatteryChargeKw,
			MaxBatteryDischargeKw: cfg.Physical.MaxBatteryDischargeKw,
			EVSEMinCurrentA:       cfg.Physical.EVSEMinCurrentA,
			EVSEMaxCurrentA:       cfg.Physical.EVSEMaxCurrentA,
			Phases:                cfg.Physical.Phases,
			PhaseVoltageV:         cfg.Physical.PhaseVoltageV,
		},
		Safety: powerflow.SafetyConstraints{
			BatteryMinSoCPct:       cfg.Safety.BatteryMinSoCPct,
			BatteryMaxSoCPct:       cfg.Safety.BatteryMaxSoCPct,
			HousePriority:          cfg.Safety.HousePriority,
			MaxBatteryCyclesPerDay: cfg.Safety.MaxBatteryCyclesPerDay,
			MaxBatteryTempC:        cfg.Safety.MaxBatteryTempC,
		},
		Economic: powerflow.EconomicConstraints{
			GridPrice:               0,
			ExportPrice:             0,
			PreferSelfConsumption:   cfg.Economic.PreferSelfConsumption,
			ArbitrageThresholdPrice: cfg.Economic.ArbitrageThresholdPrice,
			ArbitrageHysteresis:     cfg.Timing.ArbitrageHysteresis,
		},
	}
}
