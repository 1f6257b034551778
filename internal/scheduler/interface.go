package scheduler

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/scriptd/internal/scheduler Options,UpdateChecker

// Options is the slice of the options store the scheduler gates on.
type Options interface {
	AutoUpdateEnabled() bool
	LastUpdate() time.Time
}

// UpdateChecker runs one bulk update check. Implementations record the new
// lastUpdate before checking and return only after every check settled.
type UpdateChecker interface {
	CheckAll(ctx context.Context) error
}
