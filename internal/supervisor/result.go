package supervisor

import "ardutrial/internal/metrics"

type RunResult struct {
	RunID   string                `json:"run_id"`
	Suite   string                `json:"suite"`
	State   string                `json:"state"`
	Error   string                `json:"error,omitempty"`
	Metrics *metrics.SuiteMetrics `json:"metrics,omitempty"`
}
