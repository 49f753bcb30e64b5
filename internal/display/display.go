package display

import (
	"fmt"
	"strings"

	"ardutrial/internal/mavlink"
	"ardutrial/internal/mission"
	"ardutrial/internal/trial"
)

// maxMissionItems bounds the stdout rendering of a mission.
const maxMissionItems = 50

// stdout mission (truncated)
func FormatMission(m *mission.Mission) string {
	return formatMissionInternal(m, maxMissionItems)
}

// full mission (no truncation), used for logs
func FormatMissionFull(m *mission.Mission) string {
	return formatMissionInternal(m, -1) // -1 => no limit
}

func formatMissionInternal(m *mission.Mission, limit int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Mission %s (%d items):\n", m.SourcePath(), m.Len()))
	sb.WriteString("--------------------------------------------------\n")

	home := m.Home()
	sb.WriteString(fmt.Sprintf("Home: %.7f, %.7f  alt %.2f m\n", home.Lat, home.Lon, home.Alt))
	for i, cmd := range m.Commands() {
		if limit >= 0 && i >= limit {
			sb.WriteString(fmt.Sprintf("  ... %d more\n", m.Len()-limit))
			break
		}
		sb.WriteString(fmt.Sprintf("  %3d  %-22s %-20s p=[%g %g %g %g]  (%.7f, %.7f, %.2f)\n",
			i, mavlink.CommandName(cmd.Command), mavlink.FrameName(cmd.Frame),
			cmd.Param1, cmd.Param2, cmd.Param3, cmd.Param4, cmd.X, cmd.Y, cmd.Z))
	}
	sb.WriteString("--------------------------------------------------")
	return sb.String()
}

// FormatOutcome renders one trial verdict on a single line.
func FormatOutcome(name string, out trial.Outcome, err error) string {
	status := "PASS"
	if !out.Passed {
		status = "FAIL"
	}
	line := fmt.Sprintf("[%s] %-24s %7.2fs", status, name, out.Duration.Seconds())
	if err != nil {
		line += "  error: " + oneLine(err.Error(), maxErrorLength)
	}
	return line
}

const maxErrorLength = 100

// Keep a value on one line, limit < 0 means no limit
func oneLine(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	if limit >= 0 && len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
