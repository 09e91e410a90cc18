package meter

import (
	"context"
	"sync"
	"time"

	"github.com/cepro/homepower/device"
)

// Mock is an in-memory meter for tests and non-hardware development,
// grounded on the teacher's acuvim2.Acuvim2MeterMock. Its power value is
// settable so tests can drive different load/import scenarios rather than
// the teacher's fixed constant.
type Mock struct {
	mu          sync.Mutex
	powerKw     float64
	voltageV    float64
	frequencyHz float64
	readErr     error
}

// NewMock returns a Mock with sensible nominal grid-quality defaults.
func NewMock(initialPowerKw float64) *Mock {
	return &Mock{
		powerKw:     initialPowerKw,
		voltageV:    230.0,
		frequencyHz: 50.0,
	}
}

func (m *Mock) Read(ctx context.Context) (device.MeterReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return device.MeterReading{}, m.readErr
	}
	return device.MeterReading{
		PowerKw:     m.powerKw,
		VoltageV:    m.voltageV,
		FrequencyHz: m.frequencyHz,
		Time:        time.Now(),
	}, nil
}

// SetReadError is a test-only helper that makes subsequent Read calls fail,
// simulating a device communication fault. Pass nil to clear it.
func (m *Mock) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// SetPower is a test-only helper to change the simulated reading.
func (m *Mock) SetPower(kw float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerKw = kw
}

// SetVoltage is a test-only helper to force a grid voltage excursion.
func (m *Mock) SetVoltage(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voltageV = v
}

// SetFrequency is a test-only helper to force a grid frequency excursion.
func (m *Mock) SetFrequency(hz float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frequencyHz = hz
}
