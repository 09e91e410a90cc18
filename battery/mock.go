package battery

import (
	"context"
	"sync"
	"time"

	"github.com/cepro/homepower/device"
)

// Mock is an in-memory battery for tests and non-hardware development,
// grounded on the teacher's powerpack.PowerPackMock. Unlike the teacher's
// version it actually tracks the commanded power and a simple SoC model
// rather than always returning fixed values, so a controller exercised
// against Mock sees a believable feedback loop.
type Mock struct {
	mu          sync.Mutex
	socPct      float64
	tempC       float64
	powerKw     float64
	capacityKwh float64
}

// NewMock returns a Mock starting at the given SoC and capacity.
func NewMock(initialSoCPct, capacityKwh float64) *Mock {
	return &Mock{
		socPct:      initialSoCPct,
		tempC:       25,
		capacityKwh: capacityKwh,
	}
}

func (m *Mock) Read(ctx context.Context) (device.BatteryReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return device.BatteryReading{
		SoCPct:  m.socPct,
		TempC:   m.tempC,
		PowerKw: m.powerKw,
		Time:    time.Now(),
	}, nil
}

func (m *Mock) SetPower(ctx context.Context, kw float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerKw = kw
	return nil
}

// Advance simulates the passage of dt at the currently commanded power,
// updating SoC. Test-only helper; not part of device.Battery.
func (m *Mock) Advance(dt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacityKwh <= 0 {
		return
	}
	energyKwh := m.powerKw * dt.Hours()
	m.socPct += (energyKwh / m.capacityKwh) * 100
	if m.socPct < 0 {
		m.socPct = 0
	}
	if m.socPct > 100 {
		m.socPct = 100
	}
}

// SetTemp is a test-only helper to force an over-temperature condition.
func (m *Mock) SetTemp(c float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempC = c
}
