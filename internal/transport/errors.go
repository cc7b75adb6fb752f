package transport

import "errors"

// Sentinel errors, wrapped so callers can classify via errors.Is — same
// convention as the teacher's internal/server/errors.go.
var (
	// ErrMediaConfig is raised at construction when the supplied endpoint
	// is not already open.
	ErrMediaConfig = errors.New("media configuration error")
	// ErrClosed is raised by any operation issued after Close, or surfaced
	// from an in-flight send that loses a race with Close.
	ErrClosed = errors.New("resource closed")
	// ErrConfig is raised at construction for an out-of-range MTU or
	// service-transfer multiplier.
	ErrConfig = errors.New("invalid engine configuration")
)
