// Package errs defines the error sentinels shared across the vmledger
// packages. Callers wrap these with fmt.Errorf("...: %w", ErrX) and test
// with errors.Is.
package errs

import "errors"

var (
	// ErrMalformedLog is returned when a call log entry cannot be parsed
	// or violates the canonical schema.
	ErrMalformedLog = errors.New("malformed log entry")

	// ErrAssertionMismatch is returned when a files archive URL disagrees
	// with its recorded value: a deploy against meta.json, or a replay
	// assertion against the call log's init entry.
	ErrAssertionMismatch = errors.New("assertion mismatch")

	// ErrCapacity is returned when a bounded queue or registry is full.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrMethodNotSupported is returned when a call targets a method the
	// guest sandbox does not export.
	ErrMethodNotSupported = errors.New("method not supported")

	// ErrGuestError wraps an error raised by guest script execution.
	ErrGuestError = errors.New("guest error")

	// ErrStore is returned by archive/log storage backends on I/O failure.
	ErrStore = errors.New("store error")

	// ErrClosed is returned when an operation targets a VM that has
	// already transitioned to CLOSED.
	ErrClosed = errors.New("vm closed")

	// ErrVerifierMismatch is returned by the verifier when two logs or
	// archives diverge.
	ErrVerifierMismatch = errors.New("verifier mismatch")

	// ErrNotReady names a call that arrives before the VM's init method
	// has completed. No package in this module returns it: ExecuteCall
	// before Deploy fails with an unwrapped error.
	ErrNotReady = errors.New("vm not ready")

	// ErrReservedMethod names a direct invocation of init. No package in
	// this module returns it: the RPC adapter rejects init with
	// ErrMethodNotSupported.
	ErrReservedMethod = errors.New("method is reserved")
)
