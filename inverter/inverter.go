// Package inverter provides solar PV production readings. Unlike the
// battery and meter drivers, the teacher repo has no dedicated solar
// inverter driver — sites in the teacher's fleet infer PV production as a
// residual between meters rather than reading an inverter directly. This
// package fills that gap in the teacher's own idiom (Modbus TCP,
// grid-x/modbus, modbusaccess register blocks) since spec.md's device
// contracts require a first-class SolarInverter reading.
package inverter

import (
	"context"
	"time"

	"github.com/cepro/homepower/device"
	"github.com/cepro/homepower/modbusaccess"
	"github.com/grid-x/modbus"
)

var statusBlock = modbusaccess.RegisterBlock{
	Name:         "Status",
	StartAddr:    3000,
	NumRegisters: 2,
	Registers: map[string]modbusaccess.Register{
		"ProductionW": {
			StartAddr: 3000,
			DataType:  modbusaccess.Int32Type,
		},
	},
}

// Modbus drives a generic solar inverter that exposes total AC production
// as a signed 32-bit watt value over Modbus TCP, following the same
// connect/poll shape as the teacher's powerpack and acuvim2 drivers.
type Modbus struct {
	name   string
	client modbus.Client
}

// New connects to the inverter at host.
func New(name, host string) (*Modbus, error) {
	handler := modbus.NewTCPClientHandler(host)
	handler.Timeout = device.Deadline
	handler.SlaveID = 0x01

	if err := handler.Connect(); err != nil {
		return nil, &device.CommunicationError{Device: name, Err: err}
	}

	return &Modbus{name: name, client: modbus.NewClient(handler)}, nil
}

func (m *Modbus) Read(ctx context.Context) (device.InverterReading, error) {
	var reading device.InverterReading

	err := device.WithRetry(ctx, func(ctx context.Context) error {
		metrics, err := modbusaccess.PollBlock(m.client, m, statusBlock)
		if err != nil {
			return &device.CommunicationError{Device: m.name, Err: err}
		}

		productionW := metrics["ProductionW"].(int32)
		if productionW < 0 {
			return &device.OutOfRange{Device: m.name, Field: "production_w", Value: float64(productionW)}
		}

		reading = device.InverterReading{
			ProductionKw: float64(productionW) / 1000.0,
			Time:         time.Now(),
		}
		return nil
	})

	return reading, err
}
