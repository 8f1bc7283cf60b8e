package plan

import "errors"

// Error kinds the planner reports. Nothing here is fatal to the process:
// every failure keeps the previous plan and surfaces a status string.
var (
	// ErrBadInput marks an unusable input bundle (NaN vectors, bad grid,
	// zero capacity). The plan fails and the previous plan is retained.
	ErrBadInput = errors.New("bad input")

	// ErrInfeasible marks a horizon where no schedule holds SOC above
	// reserve. The best achievable schedule is still accepted.
	ErrInfeasible = errors.New("infeasible")

	// ErrWorkerFailed marks a simulator job that crashed twice.
	ErrWorkerFailed = errors.New("worker failed")

	// ErrDeadlineExceeded marks a plan that ran out of time between passes.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)
