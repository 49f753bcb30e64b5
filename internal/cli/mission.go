package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"ardutrial/internal/display"
	"ardutrial/internal/logger"
	"ardutrial/internal/mission"
)

var missionCmd = &cobra.Command{
	Use:   "mission <file.waypoints>",
	Short: "Parse a QGC waypoint file and print it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := mission.LoadFile(args[0])
		if err != nil {
			return err
		}
		logger.Log.Debug("mission loaded", slog.String("path", args[0]), slog.String("mission", display.FormatMissionFull(m)))
		fmt.Fprintln(cmd.OutOrStdout(), display.FormatMission(m))
		return nil
	},
}
