package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"ardutrial/internal/display"
	"ardutrial/internal/executor"
	"ardutrial/internal/logger"
	"ardutrial/internal/metrics"
	"ardutrial/internal/observability"
	"ardutrial/internal/ports"
	"ardutrial/internal/suite"
	"ardutrial/internal/supervisor"
)

var runOpts struct {
	trials    []string
	parallel  int
	inProcess bool
}

var runCmd = &cobra.Command{
	Use:   "run <suite.yml>",
	Short: "Run the trials of a test suite",
	Long: `Run loads a suite file and flies its trials, each in its own worker
process unless --in-process is given. It exits non-zero when any trial fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runSuite,
}

func init() {
	flags := runCmd.Flags()
	flags.StringSliceVarP(&runOpts.trials, "trial", "t", nil, "only run the named trial (repeatable)")
	flags.IntVarP(&runOpts.parallel, "parallel", "p", executor.DefaultConcurrency,
		"trials in flight at once; each gets its own SITL instance (-I n, master port 5760+10n)")
	flags.BoolVar(&runOpts.inProcess, "in-process", false, "run trials in this process instead of isolated workers")
}

func runSuite(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()

	s, err := suite.Load(args[0], logger.Log)
	if err != nil {
		return err
	}
	tests, missing := suite.SelectTestsByNames(s.Tests, runOpts.trials)
	if len(missing) > 0 {
		return fmt.Errorf("no such trial(s) in %s: %s", s.Path, strings.Join(missing, ", "))
	}
	if len(tests) == 0 {
		return fmt.Errorf("%s has no trials to run", s.Path)
	}
	fmt.Fprintln(out, display.FormatSuiteCatalog(s, tests))

	shutdown, err := observability.InitTracing(ctx, cfg.Tracing, logger.Log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, logger.Log)

	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	metrics.Serve(ctx, cfg.MetricsAddr, collector, logger.Log)

	if runOpts.parallel < 1 {
		return fmt.Errorf("--parallel must be at least 1, got %d", runOpts.parallel)
	}
	instances, err := ports.NewInstances(runOpts.parallel)
	if err != nil {
		return err
	}

	reporter := &reportingRunner{out: out}
	if runOpts.inProcess {
		reporter.inner, err = newTrialRunner(cfg, collector, instances)
	} else {
		reporter.inner, err = newIsolatedRunner(cfg, instances)
		reporter.metrics = collector
	}
	if err != nil {
		return err
	}

	sup := supervisor.New(reporter, logger.Log)
	sup.Start(ctx)
	defer sup.Close()

	id := sup.Submit(s.Path, s.Specs(tests, cfg.SetupTimeout), runOpts.parallel)
	logger.Log.Info("suite submitted", slog.String("run_id", id), slog.Int("trials", len(tests)))

	res := <-sup.Results
	fmt.Fprintln(out, display.FormatSuiteMetrics(res.Metrics))
	if res.State != supervisor.StatusSucceeded {
		if res.Error != "" {
			fmt.Fprintf(out, "Suite run %s %s: %s\n", res.RunID, strings.ToLower(res.State), res.Error)
		}
		return errTrialsFailed
	}
	return nil
}
