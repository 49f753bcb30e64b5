package display

import (
	"fmt"
	"strings"

	"ardutrial/internal/metrics"
)

func FormatSuiteMetrics(sm *metrics.SuiteMetrics) string {
	if sm == nil {
		return "No metrics available."
	}
	var sb strings.Builder
	passed, failed := sm.Counts()
	sb.WriteString(fmt.Sprintf("Suite run %s:\n", sm.RunID))
	sb.WriteString(fmt.Sprintf("- Total: %d ms  (passed=%d, failed=%d, success=%v)\n", sm.DurationMs, passed, failed, sm.Succeeded))
	for _, t := range sm.Trials {
		status := "pass"
		switch {
		case t.Err != "":
			status = "err"
		case !t.Passed:
			status = "fail"
		}
		sb.WriteString(fmt.Sprintf("    • %-24s %8.2f s  %7d ms  [%s]\n",
			t.Name, t.MissionSeconds, t.DurationMs, status))
		if t.Err != "" {
			sb.WriteString("      " + oneLine(t.Err, maxErrorLength) + "\n")
		}
	}
	return sb.String()
}
