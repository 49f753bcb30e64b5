// Package trial runs one mission against one simulated vehicle and reports
// whether the mission passed.
package trial

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"ardutrial/internal/attack"
	"ardutrial/internal/mission"
)

var ErrInvalidSpec = errors.New("invalid trial spec")

const (
	DefaultSetupTimeout = 90 * time.Second
	DefaultModel        = "copter"
)

// Spec is everything a worker needs to run a trial. It travels as JSON to
// isolated workers.
type Spec struct {
	Name           string           `json:"name"`
	Mission        *mission.Mission `json:"mission"`
	Model          string           `json:"model"`
	ParametersFile string           `json:"parameters_file"`
	Speedup        int              `json:"speedup"`
	Attack         *attack.Attack   `json:"attack,omitempty"`
	// Monitor names a registered monitor; empty selects the default.
	Monitor        string        `json:"monitor,omitempty"`
	TimeoutSetup   time.Duration `json:"timeout_setup"`
	TimeoutMission time.Duration `json:"timeout_mission"`
}

// WithDefaults fills unset optional fields.
func (s Spec) WithDefaults() Spec {
	if s.Model == "" {
		s.Model = DefaultModel
	}
	if s.Speedup <= 0 {
		s.Speedup = 1
	}
	if s.TimeoutSetup <= 0 {
		s.TimeoutSetup = DefaultSetupTimeout
	}
	return s
}

func (s Spec) Validate() error {
	switch {
	case s.Mission == nil:
		return fmt.Errorf("%w: trial %q has no mission", ErrInvalidSpec, s.Name)
	case s.TimeoutMission <= 0:
		return fmt.Errorf("%w: trial %q needs a positive mission timeout", ErrInvalidSpec, s.Name)
	case s.Attack != nil && s.Attack.Parameter == "":
		return fmt.Errorf("%w: trial %q has an attack without a parameter", ErrInvalidSpec, s.Name)
	}
	return nil
}

// Outcome is the verdict of one trial. Duration runs from just before the
// mission is issued until the post-mission settle has elapsed.
type Outcome struct {
	Passed   bool
	Duration time.Duration
}

// Failed is a failed outcome measured at d.
func Failed(d time.Duration) Outcome {
	return Outcome{Duration: d}
}

func (o Outcome) String() string {
	verdict := "failed"
	if o.Passed {
		verdict = "passed"
	}
	return fmt.Sprintf("%s in %.2fs", verdict, o.Duration.Seconds())
}

type outcomeJSON struct {
	Passed          bool    `json:"passed"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(outcomeJSON{Passed: o.Passed, DurationSeconds: o.Duration.Seconds()})
}

func (o *Outcome) UnmarshalJSON(data []byte) error {
	var raw outcomeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.DurationSeconds < 0 || math.IsNaN(raw.DurationSeconds) || math.IsInf(raw.DurationSeconds, 0) {
		return fmt.Errorf("invalid trial duration %v", raw.DurationSeconds)
	}
	o.Passed = raw.Passed
	o.Duration = time.Duration(raw.DurationSeconds * float64(time.Second))
	return nil
}
