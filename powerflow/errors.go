package powerflow

import "errors"

// Typed model errors, per spec.md §4.2. Callers should use errors.Is against
// these sentinels — the model wraps them with fmt.Errorf("%w: ...") to add
// context.
var (
	// ErrFuseLimitViolation means the constraint audit found a snapshot that
	// would exceed the grid import or export fuse limit.
	ErrFuseLimitViolation = errors.New("fuse limit violation")

	// ErrBatterySoCOutOfRange means the battery state of charge measurement
	// itself is outside [0,100] — a sensor fault, not a control decision.
	ErrBatterySoCOutOfRange = errors.New("battery soc out of range")

	// ErrInvalidInputs means PowerFlowInputs failed validation.
	ErrInvalidInputs = errors.New("invalid inputs")

	// ErrPowerBalanceViolation means the constructed snapshot failed its own
	// verify_power_balance check. This is a programmer error in the model
	// and must never reach production; the controller treats it as fatal.
	ErrPowerBalanceViolation = errors.New("power balance violation")

	// ErrConstraintConflict means the safety tier requires an action the
	// physical tier forbids. The controller responds by falling back to
	// house-only safe mode.
	ErrConstraintConflict = errors.New("constraint conflict")
)
