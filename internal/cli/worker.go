package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ardutrial/internal/executor"
	"ardutrial/internal/logger"
	"ardutrial/internal/observability"
)

// workerCmd is the far side of executor.Isolated: one trial spec on stdin,
// one outcome line on stdout.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single trial read from stdin",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdown, err := observability.InitTracing(ctx, cfg.Tracing, logger.Log)
		if err != nil {
			return err
		}
		defer observability.ShutdownWithTimeout(context.Background(), shutdown, logger.Log)

		runner, err := newTrialRunner(cfg, nil, nil)
		if err != nil {
			return err
		}
		return executor.ServeWorker(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), runner)
	},
}
