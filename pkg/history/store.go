package history

import (
	"context"

	"github.com/rhuss/taskrun/pkg/api"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Store persists run records.
type Store interface {
	SaveRun(ctx context.Context, rec *api.RunRecord) error
	GetRun(ctx context.Context, id string) (*api.RunRecord, error)
	ListRuns(ctx context.Context, opts ListOptions) (*api.RunList, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// ListOptions selects a page of runs. Runs are ordered by creation time,
// newest first unless Order is "asc".
type ListOptions struct {
	Limit  int
	After  string
	Status api.RunStatus
	Order  string
}

// EffectiveLimit clamps Limit into [1, MaxListLimit], using
// DefaultListLimit when unset.
func (o ListOptions) EffectiveLimit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	}
	return o.Limit
}
