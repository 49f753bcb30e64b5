package supervisor

import "ardutrial/internal/trial"

const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Run is one submitted suite execution.
type Run struct {
	ID          string
	Suite       string
	State       string
	Concurrency int
	Specs       []trial.Spec
}
