package engine

import "github.com/rhuss/taskrun/pkg/transport"

// Config holds engine settings.
type Config struct {
	// MaxTaskLength rejects longer tasks with an invalid request error.
	// Zero means no limit.
	MaxTaskLength int

	// OmitCode leaves the generated program out of history records.
	OmitCode bool

	// InFlight, when set, tracks running tasks for cancellation.
	InFlight *transport.InFlightRegistry
}
