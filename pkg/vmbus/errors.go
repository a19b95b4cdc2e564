package vmbus

import "errors"

// Error taxonomy matching spec.md 7 exactly. Callers of the bus or
// per-channel device interface see one of these, or a wrapped form of one
// via fmt.Errorf("...: %w", ...); hypercall transient errors never reach
// the caller because they are retried internally (pkg/hvcall callers live
// in this package, not in the caller's stack frame).
var (
	// ErrBadArgument covers alignment violations, out-of-range channel
	// ids, and invalid GPADL lengths.
	ErrBadArgument = errors.New("vmbus: bad argument")
	// ErrNoMemory covers allocation failure and a caller-supplied read
	// buffer too small for the available packet.
	ErrNoMemory = errors.New("vmbus: no memory")
	// ErrNotReady covers a ring that is too full to write or too empty
	// to read.
	ErrNotReady = errors.New("vmbus: not ready")
	// ErrIO covers a hypercall that failed non-transiently, or the host
	// refusing an operation.
	ErrIO = errors.New("vmbus: i/o error")
	// ErrCancelled is returned to every outstanding request on a channel
	// that is rescinded while the request is in flight.
	ErrCancelled = errors.New("vmbus: request cancelled")
	// ErrTimeout is returned when a bounded request wait expires.
	ErrTimeout = errors.New("vmbus: request timed out")
	// ErrNotFound covers an absent channel id.
	ErrNotFound = errors.New("vmbus: not found")
	// ErrNotSupported covers operations attempted before a protocol
	// version has been negotiated.
	ErrNotSupported = errors.New("vmbus: not supported")
)
