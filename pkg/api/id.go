package api

import (
	"regexp"

	"github.com/google/uuid"
)

const runIDPrefix = "run_"

var runIDPattern = regexp.MustCompile(`^run_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// NewRunID generates a new run ID: "run_" followed by a random UUID.
func NewRunID() string {
	return runIDPrefix + uuid.NewString()
}

// ValidateRunID checks whether the given string is a valid run ID.
func ValidateRunID(id string) bool {
	return runIDPattern.MatchString(id)
}
