package mavlink

import (
	"fmt"
	"sort"
)

// Kind is the airframe family reported in the heartbeat. ArduPilot numbers
// custom modes per family.
type Kind int

const (
	KindCopter Kind = iota
	KindPlane
	KindRover
)

func (k Kind) String() string {
	switch k {
	case KindPlane:
		return "plane"
	case KindRover:
		return "rover"
	default:
		return "copter"
	}
}

// kindFromType maps a MAV_TYPE to a family. Anything that is not a fixed
// wing or ground rover flies copter firmware.
func kindFromType(mavType int) Kind {
	switch mavType {
	case 1:
		return KindPlane
	case 10, 11:
		return KindRover
	default:
		return KindCopter
	}
}

var modeTables = map[Kind]map[string]uint32{
	KindCopter: {
		"STABILIZE": 0,
		"ACRO":      1,
		"ALT_HOLD":  2,
		"AUTO":      3,
		"GUIDED":    4,
		"LOITER":    5,
		"RTL":       6,
		"CIRCLE":    7,
		"LAND":      9,
		"BRAKE":     17,
		"SMART_RTL": 21,
	},
	KindPlane: {
		"MANUAL":    0,
		"CIRCLE":    1,
		"STABILIZE": 2,
		"FBWA":      5,
		"FBWB":      6,
		"CRUISE":    7,
		"AUTO":      10,
		"RTL":       11,
		"LOITER":    12,
		"GUIDED":    15,
	},
	KindRover: {
		"MANUAL":    0,
		"ACRO":      1,
		"STEERING":  3,
		"HOLD":      4,
		"LOITER":    5,
		"AUTO":      10,
		"RTL":       11,
		"SMART_RTL": 12,
		"GUIDED":    15,
	},
}

// ModeNumber resolves a mode name for the given family.
func ModeNumber(k Kind, name string) (uint32, error) {
	n, ok := modeTables[k][name]
	if !ok {
		return 0, fmt.Errorf("unknown %s mode %q", k, name)
	}
	return n, nil
}

// ModeName is the inverse of ModeNumber. Unknown numbers render as
// "MODE(<n>)".
func ModeName(k Kind, n uint32) string {
	for name, num := range modeTables[k] {
		if num == n {
			return name
		}
	}
	return fmt.Sprintf("MODE(%d)", n)
}

// ModeNames lists the modes known for a family.
func ModeNames(k Kind) []string {
	names := make([]string, 0, len(modeTables[k]))
	for name := range modeTables[k] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
