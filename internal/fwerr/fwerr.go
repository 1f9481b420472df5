// Package fwerr defines the error taxonomy from spec.md §7: kinds, not
// concrete types, so callers can test with errors.Is against the
// sentinel that names the kind while still getting a wrapped message
// with operation-specific context.
package fwerr

import "errors"

// Kind sentinels. Wrap these with fmt.Errorf("%w: ...", Kind) at the
// point of failure; callers test with errors.Is(err, fwerr.Protocol).
var (
	// Configuration errors: unsupported sample rate, period smaller
	// than syt_interval, too many connections, DLL bandwidth out of
	// range. Surfaced from constructors; never occur in the RT loop.
	Configuration = errors.New("configuration error")

	// Fatal kernel/IO errors: device open failure, ioctl rejection,
	// mmap failure, unexpected event type. Fatal for the connection;
	// the streamer continues with the remaining connections.
	Fatal = errors.New("kernel/io error")

	// Protocol errors: bogus CIP header, zero DBS, payload length not
	// a multiple of DBS, SYT round-trip mismatch. Logged and the
	// packet is dropped; never surfaced to the caller.
	Protocol = errors.New("protocol error")

	// Flow errors: buffer overrun/underrun, interrupt-request against
	// an already-consumed descriptor. Non-fatal, logged and counted.
	Flow = errors.New("flow error")

	// Timing errors: a connection stopped delivering interrupts.
	// Surfaces as Xrun from the streamer's WaitForPeriod.
	Timing = errors.New("timing error")
)

// Is reports whether err is one of the Kind sentinels (directly or via
// wrapping), letting callers do fwerr.Is(err, fwerr.Protocol) without
// importing the standard errors package themselves.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
