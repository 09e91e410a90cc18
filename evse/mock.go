package evse

import (
	"context"
	"sync"
	"time"

	"github.com/cepro/homepower/device"
)

// Mock is an in-memory EVSE for tests and non-hardware development.
type Mock struct {
	mu           sync.Mutex
	connected    bool
	currentLimit float64
	voltage      float64
	phases       int
}

// NewMock returns a Mock. voltage/phases are used to translate a current
// limit command into the reported delivered power.
func NewMock(connected bool, voltage float64, phases int) *Mock {
	return &Mock{connected: connected, voltage: voltage, phases: phases}
}

func (m *Mock) Read(ctx context.Context) (device.EVSEReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	powerKw := 0.0
	if m.connected {
		powerKw = float64(m.phases) * m.voltage * m.currentLimit / 1000.0
	}
	return device.EVSEReading{Connected: m.connected, PowerKw: powerKw, Time: time.Now()}, nil
}

func (m *Mock) SetCurrentLimit(ctx context.Context, amps float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentLimit = amps
	return nil
}

// SetConnected is a test-only helper to simulate a vehicle plugging/
// unplugging.
func (m *Mock) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
	if !connected {
		m.currentLimit = 0
	}
}
