package history

import "errors"

var (
	// ErrNotFound is returned when a run does not exist or belongs to
	// another tenant.
	ErrNotFound = errors.New("run not found")

	// ErrConflict is returned when a run with the given ID already exists.
	ErrConflict = errors.New("run already exists")

	// ErrUnknownCursor is returned by ListRuns when the after cursor names a
	// run that is not stored, for example one already evicted.
	ErrUnknownCursor = errors.New("unknown pagination cursor")
)
