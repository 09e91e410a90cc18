// Package battery adapts the teacher's Tesla PowerPack Modbus driver to the
// device.Battery capability contract.
package battery

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/cepro/homepower/device"
	"github.com/cepro/homepower/modbusaccess"
	"github.com/grid-x/modbus"
)

const modbusTimeoutSecs = uint16(10)

// PowerPack drives a Tesla PowerPack over Modbus TCP, grounded on the
// teacher's powerpack.PowerPack. It differs from the teacher's version in
// two ways: it satisfies device.Battery directly (Read/SetPower) rather
// than exposing raw telemetry/command channels, and every I/O call is
// wrapped in device.WithRetry so transient Modbus faults are retried
// before surfacing to the controller.
type PowerPack struct {
	host   string
	client modbus.Client
	logger *slog.Logger

	heartbeatToggle        bool
	haveIssuedFirstCommand bool
}

// New connects to the PowerPack at host and configures its command
// heartbeat timeout.
func New(host string) (*PowerPack, error) {
	logger := slog.Default().With("component", "battery.powerpack", "host", host)

	handler := modbus.NewTCPClientHandler(host)
	handler.Timeout = device.Deadline
	handler.SlaveID = 0x01

	logger.Info("connecting to Tesla PowerPack")
	if err := handler.Connect(); err != nil {
		return nil, &device.CommunicationError{Device: "powerpack", Err: err}
	}

	client := modbus.NewClient(handler)
	p := &PowerPack{
		host:   host,
		client: client,
		logger: logger,
	}

	if err := modbusaccess.WriteRegister(p.client, directRealPowerCommandBlock.Registers["Timeout"], modbusTimeoutSecs); err != nil {
		return nil, &device.CommunicationError{Device: "powerpack", Err: err}
	}

	return p, nil
}

// Read polls the status register block and returns the current battery
// telemetry.
func (p *PowerPack) Read(ctx context.Context) (device.BatteryReading, error) {
	var reading device.BatteryReading

	err := device.WithRetry(ctx, func(ctx context.Context) error {
		metrics, err := modbusaccess.PollBlock(p.client, p, statusBlock)
		if err != nil {
			return &device.CommunicationError{Device: "powerpack", Err: err}
		}

		soc := float64(metrics["SoC"].(int16))
		if soc < 0 || soc > 100 {
			return &device.OutOfRange{Device: "powerpack", Field: "soc_pct", Value: soc}
		}

		reading = device.BatteryReading{
			SoCPct:  soc,
			TempC:   float64(metrics["TempC"].(int16)),
			PowerKw: float64(metrics["BatteryTargetP"].(int32)) / 1000.0,
			Time:    time.Now(),
		}
		return nil
	})

	return reading, err
}

// SetPower commands the PowerPack to charge (positive) or discharge
// (negative) at kw kilowatts via a direct real power command, toggling the
// heartbeat register on every write as the PowerPack's watchdog requires.
func (p *PowerPack) SetPower(ctx context.Context, kw float64) error {
	return device.WithRetry(ctx, func(ctx context.Context) error {
		if err := modbusaccess.WriteRegister(p.client, directRealPowerCommandBlock.Registers["Heartbeat"], p.nextHeartbeat()); err != nil {
			return &device.CommunicationError{Device: "powerpack", Err: err}
		}

		watts := uint32(int32(math.Round(kw * 1000)))
		if err := modbusaccess.WriteRegister(p.client, directRealPowerCommandBlock.Registers["Power"], watts); err != nil {
			return &device.CommunicationError{Device: "powerpack", Err: err}
		}

		if !p.haveIssuedFirstCommand {
			p.haveIssuedFirstCommand = true
		}
		return nil
	})
}

func (p *PowerPack) nextHeartbeat() uint16 {
	p.heartbeatToggle = !p.heartbeatToggle
	if p.heartbeatToggle {
		return 0xAA55
	}
	return 0x55AA
}
