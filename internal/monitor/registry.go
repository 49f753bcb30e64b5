package monitor

import (
	"fmt"
	"log/slog"
	"strings"

	"ardutrial/internal/mission"
	"ardutrial/internal/vehicle"
)

// DefaultName is the monitor used when a suite does not name one.
const DefaultName = "simple"

type FactoryOptions struct {
	HomeThreshold float64
	Logger        *slog.Logger
}

// Factory builds a monitor for one trial.
type Factory func(m *mission.Mission, dial vehicle.Dialer, opts FactoryOptions) Monitor

type Definition struct {
	Name        string
	Description string
	New         Factory
}

type Registry struct {
	Definitions []Definition
	byName      map[string]Definition
}

func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{byName: map[string]Definition{}}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry knows every built-in monitor.
func DefaultRegistry() *Registry {
	r, _ := NewRegistry(Definition{
		Name:        "simple",
		Description: "passes when every waypoint was visited and the vehicle finished within the home threshold",
		New: func(m *mission.Mission, dial vehicle.Dialer, opts FactoryOptions) Monitor {
			return NewSimple(m, dial, SimpleOptions{HomeThreshold: opts.HomeThreshold, Logger: opts.Logger})
		},
	})
	return r
}

func (r *Registry) Register(def Definition) error {
	if def.Name == "" || def.New == nil {
		return fmt.Errorf("monitor definition needs a name and a factory")
	}
	if _, dup := r.byName[def.Name]; dup {
		return fmt.Errorf("monitor '%s' is already registered", def.Name)
	}
	r.Definitions = append(r.Definitions, def)
	r.byName[def.Name] = def
	return nil
}

// Returns the definition for a specific monitor
func (r *Registry) GetDefinition(name string) (Definition, bool) {
	def, found := r.byName[name]
	return def, found
}

// New builds the named monitor; an empty name selects DefaultName.
func (r *Registry) New(name string, m *mission.Mission, dial vehicle.Dialer, opts FactoryOptions) (Monitor, error) {
	if name == "" {
		name = DefaultName
	}
	def, found := r.GetDefinition(name)
	if !found {
		return nil, fmt.Errorf("monitor '%s' is not defined in the registry", name)
	}
	return def.New(m, dial, opts), nil
}

// Describe renders the registered monitors for help output.
func (r *Registry) Describe() string {
	var sb strings.Builder
	sb.WriteString("AVAILABLE MONITORS:\n")
	for _, def := range r.Definitions {
		sb.WriteString(fmt.Sprintf("- `%s`: %s\n", def.Name, def.Description))
	}
	return sb.String()
}
