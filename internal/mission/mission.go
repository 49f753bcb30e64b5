package mission

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"ardutrial/internal/vehicle"
)

var ErrEmpty = errors.New("mission must have at least one command")

// Mission is a parsed waypoint list. It is immutable: accessors hand out
// copies. Two missions are equal when their source path and commands match;
// the derived home location and waypoint ids do not take part.
type Mission struct {
	sourcePath string
	commands   []vehicle.Command

	home      vehicle.HomeLocation
	waypoints map[int]struct{}
}

// New builds a mission. The first command doubles as the home location.
func New(sourcePath string, commands []vehicle.Command) (*Mission, error) {
	if len(commands) == 0 {
		return nil, ErrEmpty
	}
	m := &Mission{
		sourcePath: sourcePath,
		commands:   append([]vehicle.Command(nil), commands...),
		waypoints:  make(map[int]struct{}, len(commands)),
	}
	first := m.commands[0]
	m.home = vehicle.HomeLocation{Lat: first.X, Lon: first.Y, Alt: first.Z, Heading: 0}
	for i := range m.commands {
		m.waypoints[i] = struct{}{}
	}
	return m, nil
}

func (m *Mission) SourcePath() string { return m.sourcePath }

func (m *Mission) Len() int { return len(m.commands) }

func (m *Mission) Command(i int) vehicle.Command { return m.commands[i] }

func (m *Mission) Commands() []vehicle.Command {
	return append([]vehicle.Command(nil), m.commands...)
}

func (m *Mission) Home() vehicle.HomeLocation { return m.home }

// WaypointIDs returns every waypoint index in ascending order.
func (m *Mission) WaypointIDs() []int {
	ids := make([]int, 0, len(m.waypoints))
	for id := range m.waypoints {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (m *Mission) HasWaypoint(id int) bool {
	_, ok := m.waypoints[id]
	return ok
}

func (m *Mission) Equal(o *Mission) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.sourcePath != o.sourcePath || len(m.commands) != len(o.commands) {
		return false
	}
	for i := range m.commands {
		if m.commands[i] != o.commands[i] {
			return false
		}
	}
	return true
}

// Key is a comparable identity usable as a map key.
func (m *Mission) Key() string {
	var sb strings.Builder
	sb.WriteString(m.sourcePath)
	for _, c := range m.commands {
		fmt.Fprintf(&sb, "|%d,%d,%g,%g,%g,%g,%g,%g,%g",
			c.Frame, c.Command, c.Param1, c.Param2, c.Param3, c.Param4, c.X, c.Y, c.Z)
	}
	return sb.String()
}

func (m *Mission) String() string {
	return fmt.Sprintf("Mission(%s, %d commands)", m.sourcePath, len(m.commands))
}

type missionJSON struct {
	SourcePath string            `json:"source_path"`
	Commands   []vehicle.Command `json:"commands"`
}

func (m *Mission) MarshalJSON() ([]byte, error) {
	return json.Marshal(missionJSON{SourcePath: m.sourcePath, Commands: m.commands})
}

func (m *Mission) UnmarshalJSON(data []byte) error {
	var raw missionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := New(raw.SourcePath, raw.Commands)
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}

// LoadFile reads a WPL waypoint file. The recorded source path is absolute.
func LoadFile(path string) (*Mission, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mission file: %w", err)
	}
	defer f.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Parse(f, abs)
}

// Parse reads a WPL waypoint list: a header line followed by one command
// per line. Blank lines are skipped; any malformed line fails the load.
func Parse(r io.Reader, sourcePath string) (*Mission, error) {
	sc := bufio.NewScanner(r)
	var cmds []vehicle.Command
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if lineNo == 1 || line == "" {
			continue
		}
		cmd, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", sourcePath, lineNo, err)
		}
		cmds = append(cmds, cmd)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", sourcePath, err)
	}
	m, err := New(sourcePath, cmds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sourcePath, err)
	}
	return m, nil
}

// ParseLine parses "index current frame command p1 p2 p3 p4 x y z [autocontinue]".
// The index, current flag and autocontinue columns are not kept.
func ParseLine(s string) (vehicle.Command, error) {
	fields := strings.Fields(s)
	if len(fields) < 11 {
		return vehicle.Command{}, fmt.Errorf("expected at least 11 fields, got %d", len(fields))
	}
	if _, err := strconv.Atoi(fields[0]); err != nil {
		return vehicle.Command{}, fmt.Errorf("bad index %q: %w", fields[0], err)
	}
	frame, err := strconv.Atoi(fields[2])
	if err != nil {
		return vehicle.Command{}, fmt.Errorf("bad frame %q: %w", fields[2], err)
	}
	command, err := strconv.Atoi(fields[3])
	if err != nil {
		return vehicle.Command{}, fmt.Errorf("bad command %q: %w", fields[3], err)
	}
	var vals [7]float64
	for i := range vals {
		v, err := strconv.ParseFloat(fields[4+i], 64)
		if err != nil {
			return vehicle.Command{}, fmt.Errorf("bad value %q in column %d: %w", fields[4+i], 5+i, err)
		}
		vals[i] = v
	}
	return vehicle.Command{
		Frame:   frame,
		Command: command,
		Param1:  vals[0],
		Param2:  vals[1],
		Param3:  vals[2],
		Param4:  vals[3],
		X:       vals[4],
		Y:       vals[5],
		Z:       vals[6],
	}, nil
}
