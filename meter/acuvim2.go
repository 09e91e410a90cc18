// Package meter adapts the teacher's Acuvim2 Modbus meter driver to the
// device.GridMeter and device.HouseMeter capability contracts. The same
// concrete type serves both roles — a site typically has one Acuvim2 at
// the grid connection and another on the house sub-circuit, distinguished
// only by which capability interface the controller holds it as.
package meter

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/cepro/homepower/device"
	"github.com/grid-x/modbus"
)

const (
	holdingRegisterFrequency  = 12288
	holdingRegisterTotalPower = 12322
	holdingRegisterVoltage    = 12290
)

// Acuvim2 drives an Acuvim II three-phase power meter over Modbus TCP.
// Grounded on the teacher's acuvim2.Acuvim2Meter; PT/CT ratios are
// supplied at construction rather than hardcoded, since the teacher's own
// Run loop hardcodes them despite the type carrying pt1/pt2/ct1/ct2 fields
// — a leftover of the teacher's in-progress commissioning work that this
// adaptation finishes.
type Acuvim2 struct {
	name       string
	client     modbus.Client
	pt1, pt2   float64
	ct1, ct2   float64
}

// NewAcuvim2 connects to the meter at host. name is used only for error
// context (e.g. "grid" or "house").
func NewAcuvim2(name, host string, pt1, pt2, ct1, ct2 float64) (*Acuvim2, error) {
	handler := modbus.NewTCPClientHandler(host)
	handler.Timeout = device.Deadline
	handler.SlaveID = 0x01

	if err := handler.Connect(); err != nil {
		return nil, &device.CommunicationError{Device: name, Err: err}
	}

	return &Acuvim2{
		name:   name,
		client: modbus.NewClient(handler),
		pt1:    pt1,
		pt2:    pt2,
		ct1:    ct1,
		ct2:    ct2,
	}, nil
}

// Read polls frequency, voltage and total power and scales power by the
// configured PT/CT ratios, exactly as the teacher's Run loop does inline.
func (a *Acuvim2) Read(ctx context.Context) (device.MeterReading, error) {
	var reading device.MeterReading

	err := device.WithRetry(ctx, func(ctx context.Context) error {
		frequency, err := a.pollFloat(holdingRegisterFrequency)
		if err != nil {
			return &device.CommunicationError{Device: a.name, Err: err}
		}
		voltage, err := a.pollFloat(holdingRegisterVoltage)
		if err != nil {
			return &device.CommunicationError{Device: a.name, Err: err}
		}
		rawPower, err := a.pollFloat(holdingRegisterTotalPower)
		if err != nil {
			return &device.CommunicationError{Device: a.name, Err: err}
		}

		totalPower := (rawPower * (a.pt1 / a.pt2) * (a.ct1 / a.ct2)) / 1000.0

		reading = device.MeterReading{
			PowerKw:     totalPower,
			VoltageV:    voltage,
			FrequencyHz: frequency,
			Time:        time.Now(),
		}
		return nil
	})

	return reading, err
}

func (a *Acuvim2) pollFloat(register uint16) (float64, error) {
	bytes, err := a.client.ReadHoldingRegisters(uint16(register), 2)
	if err != nil {
		return math.NaN(), err
	}
	return float64(float32FromBytes(bytes)), nil
}

func float32FromBytes(b []byte) float32 {
	valUint32 := binary.BigEndian.Uint32(b)
	return math.Float32frombits(valUint32)
}
