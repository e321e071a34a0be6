// Package syncerr defines the error taxonomy shared by the journal, the
// merger, and the vector clock codec. Errors are plain wrapped stdlib
// errors, identified with errors.Is against the sentinels below — the
// corpus has no shared error-taxonomy library, so this stays stdlib.
package syncerr

import "errors"

var (
	// ErrStorage indicates the underlying persistence layer failed. The
	// operation had no partial effect; the caller may retry.
	ErrStorage = errors.New("storage error")

	// ErrInvalidChange indicates a malformed Change was presented to
	// apply_remote or record: missing required field, unknown change
	// type, zero db_version, or empty site ID. Rejected before any
	// mutation.
	ErrInvalidChange = errors.New("invalid change")

	// ErrInvalidClock indicates a malformed serialized vector clock:
	// non-object JSON, or a counter that isn't a non-negative integer.
	ErrInvalidClock = errors.New("invalid clock")

	// ErrAcceleratorUnavailable indicates the optional native CRDT-SQL
	// extension is missing or failed to load. Callers fall back to the
	// pure-Go path; this is never a hard failure.
	ErrAcceleratorUnavailable = errors.New("accelerator unavailable")
)

// Is reports whether err wraps target, per errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
