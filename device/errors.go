// Package device holds the capability contracts every physical device
// (battery, EVSE, solar inverter, grid meter, house meter) implements, plus
// the typed errors and retry policy shared by every concrete device
// driver. Concrete drivers live in their own packages (battery, evse,
// inverter, meter) so each can carry its own Modbus register map without
// this package needing to know about any of them.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CommunicationError wraps a transport-level failure talking to a device —
// a timed-out or refused Modbus connection, a dropped TCP session. It is
// always retryable.
type CommunicationError struct {
	Device string
	Err    error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("device %s: communication error: %v", e.Device, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// OutOfRange means the device returned a reading outside its own documented
// operating envelope (e.g. a SoC of 150%) — a sensor or wiring fault, not a
// transient communication problem. Not retryable.
type OutOfRange struct {
	Device string
	Field  string
	Value  float64
}

func (e *OutOfRange) Error() string {
	return fmt.Sprintf("device %s: %s out of range: %v", e.Device, e.Field, e.Value)
}

// DeviceFault means the device itself reported a fault condition (an alarm
// or fault register set). Not retryable — the device needs attention.
type DeviceFault struct {
	Device string
	Code   string
}

func (e *DeviceFault) Error() string {
	return fmt.Sprintf("device %s: fault reported: %s", e.Device, e.Code)
}

// ErrStale wraps a device read failure when the controller's last-known-good
// cache holds a reading for that device but it fell outside the caller's
// staleness tolerance, so the fallback was rejected rather than substituted.
var ErrStale = errors.New("device: last-known-good reading is stale")

// Deadline is the per-call timeout applied to every device I/O operation.
const Deadline = 5 * time.Second

// RetryBackoff is the linear backoff schedule applied to CommunicationError
// failures: four attempts total (one initial call and three retries),
// waiting 100ms, 200ms, then 300ms between them.
var RetryBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}

// WithRetry runs fn up to len(RetryBackoff)+1 times, retrying only on
// CommunicationError and backing off per RetryBackoff between attempts. Any
// other error type (OutOfRange, DeviceFault) is returned immediately since
// retrying will not change the answer.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, Deadline)
		err := fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}

		var commErr *CommunicationError
		if !errors.As(err, &commErr) || attempt >= len(RetryBackoff) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(RetryBackoff[attempt]):
		}
	}
}
