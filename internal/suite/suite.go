// Package suite loads trial suites from YAML files.
package suite

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ardutrial/internal/attack"
	"ardutrial/internal/logger"
	"ardutrial/internal/mission"
	"ardutrial/internal/sitl"
	"ardutrial/internal/trial"
	"ardutrial/internal/utils"
)

var ErrBadConfiguration = errors.New("bad suite configuration")

const (
	DefaultVehicle        = "copter"
	DefaultParametersFile = "/opt/ardupilot/copter.parm"
)

// Test is one entry of a suite.
type Test struct {
	Name string
	// MissionPath is absolute; relative paths in the file are resolved
	// against the suite's directory.
	MissionPath    string
	Mission        *mission.Mission
	ParametersFile string
	Attack         *attack.Attack
	// TimeoutSecs bounds the mission while the simulator runs at Speedup.
	TimeoutSecs int
	Speedup     int
	Monitor     string
}

// TimeoutWithoutSpeedup is the equivalent budget in simulated seconds.
func (t Test) TimeoutWithoutSpeedup() int {
	return t.TimeoutSecs * t.Speedup
}

type Suite struct {
	Path  string
	Model string
	// Monitor is the suite-wide default monitor name.
	Monitor string
	Tests   []Test
}

type suiteDoc struct {
	Vehicle *string   `yaml:"vehicle"`
	Monitor string    `yaml:"monitor"`
	Tests   []testDoc `yaml:"tests"`
}

type testDoc struct {
	Name           *string      `yaml:"name"`
	Mission        *string      `yaml:"mission"`
	Parameters     *string      `yaml:"parameters"`
	TimeoutSeconds *int         `yaml:"timeout-seconds"`
	Speedup        *int         `yaml:"speedup"`
	Attack         utils.Record `yaml:"attack"`
	Monitor        string       `yaml:"monitor"`
}

// Load reads and validates the suite at path.
func Load(path string, log *slog.Logger) (*Suite, error) {
	clean := filepath.Clean(path)
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("read suite %s: %w", clean, err)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return nil, fmt.Errorf("resolve suite path %s: %w", clean, err)
	}
	s, err := Parse(data, filepath.Dir(abs), log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", clean, err)
	}
	s.Path = abs
	return s, nil
}

// Parse decodes a suite document. Relative mission paths are resolved
// against dir.
func Parse(data []byte, dir string, log *slog.Logger) (*Suite, error) {
	log = logger.Or(log)

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfiguration, err)
	}
	if _, ok := raw["tests"]; !ok {
		return nil, fmt.Errorf("%w: suite definition is missing 'tests' section", ErrBadConfiguration)
	}

	var doc suiteDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfiguration, err)
	}

	s := &Suite{Model: DefaultVehicle, Monitor: doc.Monitor}
	if doc.Vehicle == nil {
		log.Warn("suite definition is missing 'vehicle' property; using default", slog.String("vehicle", DefaultVehicle))
	} else {
		s.Model = strings.ToLower(strings.TrimSpace(*doc.Vehicle))
		log.Info("using vehicle type", slog.String("vehicle", s.Model))
	}
	if !isKnownModel(s.Model) {
		return nil, fmt.Errorf("%w: unknown vehicle %q (want one of %s)", ErrBadConfiguration, s.Model, strings.Join(sitl.Models(), ", "))
	}

	seen := map[string]bool{}
	for i, td := range doc.Tests {
		t, err := buildTest(td, dir, log)
		if err != nil {
			return nil, fmt.Errorf("test #%d: %w", i+1, err)
		}
		if seen[strings.ToLower(t.Name)] {
			return nil, fmt.Errorf("%w: duplicate test name %q", ErrBadConfiguration, t.Name)
		}
		seen[strings.ToLower(t.Name)] = true
		s.Tests = append(s.Tests, t)
	}
	return s, nil
}

func buildTest(td testDoc, dir string, log *slog.Logger) (Test, error) {
	bad := func(format string, args ...any) (Test, error) {
		return Test{}, fmt.Errorf("%w: "+format, append([]any{ErrBadConfiguration}, args...)...)
	}

	if td.Name == nil || strings.TrimSpace(*td.Name) == "" {
		return bad("test definition is missing 'name' property")
	}
	t := Test{Name: strings.TrimSpace(*td.Name), Speedup: 1, Monitor: td.Monitor}

	t.ParametersFile = DefaultParametersFile
	if td.Parameters == nil {
		log.Warn("test definition has no 'parameters' property; using default file",
			slog.String("test", t.Name), slog.String("parameters", DefaultParametersFile))
	} else {
		t.ParametersFile = *td.Parameters
	}
	if !filepath.IsAbs(t.ParametersFile) {
		return bad("'parameters' filename must be given as an absolute path")
	}

	if td.Mission == nil || *td.Mission == "" {
		return bad("test definition is missing 'mission' property")
	}
	t.MissionPath = *td.Mission
	if !filepath.IsAbs(t.MissionPath) {
		t.MissionPath = filepath.Join(dir, t.MissionPath)
	}
	if _, err := os.Stat(t.MissionPath); err != nil {
		return bad("could not find mission file: %s", t.MissionPath)
	}
	m, err := mission.LoadFile(t.MissionPath)
	if err != nil {
		return Test{}, fmt.Errorf("load mission for %s: %w", t.Name, err)
	}
	t.Mission = m

	if td.Speedup != nil {
		if *td.Speedup <= 0 {
			return bad("'speedup' must be positive")
		}
		t.Speedup = *td.Speedup
	}

	if td.TimeoutSeconds == nil {
		return bad("test definition is missing 'timeout-seconds' property")
	}
	if *td.TimeoutSeconds <= 0 {
		return bad("'timeout-seconds' must be positive")
	}
	t.TimeoutSecs = *td.TimeoutSeconds

	if td.Attack != nil {
		a, err := attack.FromRecord(td.Attack)
		if err != nil {
			return Test{}, fmt.Errorf("%w: attack for %s: %v", ErrBadConfiguration, t.Name, err)
		}
		t.Attack = &a
	}
	return t, nil
}

func isKnownModel(model string) bool {
	for _, m := range sitl.Models() {
		if m == model {
			return true
		}
	}
	return false
}

// Spec turns a test into the trial a runner executes.
func (s *Suite) Spec(t Test, setupTimeout time.Duration) trial.Spec {
	monitorName := t.Monitor
	if monitorName == "" {
		monitorName = s.Monitor
	}
	return trial.Spec{
		Name:           t.Name,
		Mission:        t.Mission,
		Model:          s.Model,
		ParametersFile: t.ParametersFile,
		Speedup:        t.Speedup,
		Attack:         t.Attack,
		Monitor:        monitorName,
		TimeoutSetup:   setupTimeout,
		TimeoutMission: time.Duration(t.TimeoutSecs) * time.Second,
	}
}

// Specs converts tests in order.
func (s *Suite) Specs(tests []Test, setupTimeout time.Duration) []trial.Spec {
	out := make([]trial.Spec, 0, len(tests))
	for _, t := range tests {
		out = append(out, s.Spec(t, setupTimeout))
	}
	return out
}

// Test looks a test up by name, case-insensitively.
func (s *Suite) Test(name string) (Test, bool) {
	for _, t := range s.Tests {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return Test{}, false
}

// SelectTestsByNames returns tests matching the given names
// (case-insensitive) in the order asked for, plus the names that matched
// nothing. No names selects every test.
func SelectTestsByNames(tests []Test, names []string) ([]Test, []string) {
	if len(names) == 0 {
		return tests, nil
	}

	var selected []Test
	var missing []string
	for _, want := range names {
		w := strings.TrimSpace(want)
		if w == "" {
			continue
		}
		found := false
		for i := range tests {
			if strings.EqualFold(tests[i].Name, w) {
				selected = append(selected, tests[i])
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}
	return selected, missing
}
