package inverter

import (
	"context"
	"sync"
	"time"

	"github.com/cepro/homepower/device"
)

// Mock is an in-memory solar inverter for tests and non-hardware
// development.
type Mock struct {
	mu    sync.Mutex
	kw    float64
}

// NewMock returns a Mock producing the given constant power.
func NewMock(initialKw float64) *Mock {
	return &Mock{kw: initialKw}
}

func (m *Mock) Read(ctx context.Context) (device.InverterReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return device.InverterReading{ProductionKw: m.kw, Time: time.Now()}, nil
}

// SetProduction is a test-only helper to simulate cloud cover / sunset.
func (m *Mock) SetProduction(kw float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kw = kw
}
