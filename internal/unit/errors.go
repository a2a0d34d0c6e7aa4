package unit

import "errors"

var (
	// ErrSessionExpired is returned by a unit when the external session is
	// no longer usable. The workflow stops cleanly instead of failing.
	ErrSessionExpired = errors.New("session expired")

	// ErrUnsupported is returned when a control command targets a unit
	// that does not implement the matching capability.
	ErrUnsupported = errors.New("command not supported by unit")

	// ErrTerminated is returned from Env.Checkpoint once termination has
	// been requested for the running unit.
	ErrTerminated = errors.New("unit terminated")
)
