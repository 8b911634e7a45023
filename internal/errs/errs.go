// Package errs defines the sentinel error kinds shared across the
// tracking module, per the propagation policy: lifecycle errors
// (configuration, allocation, missing acquisition) are fatal to the
// caller; runtime signal-quality conditions are surfaced through the
// event bus instead of an error return.
package errs

import "errors"

var (
	// ErrConfiguration flags an invalid construction-time parameter:
	// bad alignment, zero sample rate, non-positive vector length, or
	// a negative pull-in offset.
	ErrConfiguration = errors.New("configuration error")

	// ErrOutOfMemory flags an aligned allocation the runtime could not
	// satisfy.
	ErrOutOfMemory = errors.New("allocation error")

	// ErrAcquisitionAbsent flags StartTracking called with no
	// acquisition hint set.
	ErrAcquisitionAbsent = errors.New("acquisition hint absent")
)
