package metrics

import "time"

type TrialMetrics struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	DurationMs int64     `json:"duration_ms"`
	// MissionSeconds is the trial's own measured duration, which starts
	// when the mission is issued rather than when the trial is queued.
	MissionSeconds float64 `json:"mission_seconds"`
	Passed         bool    `json:"passed"`
	Err            string  `json:"err,omitempty"`
}

type SuiteMetrics struct {
	RunID      string         `json:"run_id"`
	Suite      string         `json:"suite"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	DurationMs int64          `json:"duration_ms"`
	Succeeded  bool           `json:"succeeded"`
	Trials     []TrialMetrics `json:"trials"`
}

// Compute derived fields for a trial.
func (t *TrialMetrics) Finalize() {
	t.DurationMs = t.End.Sub(t.Start).Milliseconds()
}

// Finalize derives the suite duration and verdict from its trials.
func (s *SuiteMetrics) Finalize() {
	s.DurationMs = s.End.Sub(s.Start).Milliseconds()
	s.Succeeded = true
	for _, t := range s.Trials {
		if !t.Passed {
			s.Succeeded = false
			return
		}
	}
}

// Counts returns how many trials passed and failed.
func (s *SuiteMetrics) Counts() (passed, failed int) {
	for _, t := range s.Trials {
		if t.Passed {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}
