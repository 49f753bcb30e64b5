package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ardutrial/internal/config"
	"ardutrial/internal/logger"
)

// errTrialsFailed makes the process exit non-zero without printing an
// error; the summary already says what went wrong.
var errTrialsFailed = errors.New("one or more trials failed")

var (
	cfg config.Config

	logFile     string
	logLevel    string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "ardutrial",
	Short: "Fly scripted missions against ArduPilot SITL",
	Long: `ardutrial launches simulated ArduPilot vehicles, flies prerecorded missions
against them, optionally tampers with a parameter mid-flight and reports
whether each trial passed its monitor.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.FromEnv()
		if err != nil {
			return err
		}
		applyFlags(cmd, &c)
		cfg = c

		lc := logger.Config{File: c.LogFile, Level: c.LogLevel, Format: c.LogFormat}
		if cmd == workerCmd {
			// Workers share the parent's terminal, not its log file.
			lc = logger.Config{Level: c.LogLevel, Format: c.LogFormat, Stderr: true}
		}
		return logger.Init(lc)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&logFile, "log-file", "", "rotated log file (default from ARDUTRIAL_LOG_FILE, else ardutrial.log)")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")

	rootCmd.AddCommand(runCmd, missionCmd, workerCmd)
}

// applyFlags lets explicitly set flags win over the environment.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("log-file") {
		c.LogFile = logFile
	}
	if flags.Changed("log-level") {
		c.LogLevel = logLevel
	}
	if flags.Changed("metrics-addr") {
		c.MetricsAddr = metricsAddr
	}
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errTrialsFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return 1
	}
	return 0
}
