package display

import (
	"fmt"
	"strings"

	"ardutrial/internal/suite"
)

func FormatSuiteCatalog(s *suite.Suite, tests []suite.Test) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d test(s) in %s (vehicle=%s):\n", len(tests), s.Path, s.Model))
	for i, t := range tests {
		attack := "none"
		if t.Attack != nil {
			attack = t.Attack.String()
		}
		sb.WriteString(fmt.Sprintf("  %2d. %s  (items=%d, timeout=%ds, speedup=%d, attack=%s)\n",
			i+1, t.Name, t.Mission.Len(), t.TimeoutSecs, t.Speedup, attack))
	}
	return sb.String()
}
