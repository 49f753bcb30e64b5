package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"ardutrial/internal/config"
	"ardutrial/internal/display"
	"ardutrial/internal/executor"
	"ardutrial/internal/logger"
	"ardutrial/internal/mavlink"
	"ardutrial/internal/metrics"
	"ardutrial/internal/monitor"
	"ardutrial/internal/observability"
	"ardutrial/internal/ports"
	"ardutrial/internal/sitl"
	"ardutrial/internal/trial"
)

// newTrialRunner builds a runner that flies trials in this process. With
// instances set, concurrent trials get distinct simulator instances;
// otherwise every trial uses the configured one.
func newTrialRunner(c config.Config, collector *metrics.Collector, instances *ports.Instances) (*trial.Runner, error) {
	pool, err := ports.NewPool(c.PortMin, c.PortMax)
	if err != nil {
		return nil, err
	}
	sc := c.SITL()
	sc.Logger = logger.Log

	return trial.NewRunner(trial.Config{
		Pool:      pool,
		Instances: instances,
		Instance:  c.SITLInstance,
		Launcher:  sitl.ProcessLauncher{Config: sc},
		Dial: mavlink.Dialer(mavlink.Options{
			HeartbeatTimeout: c.HeartbeatTimeout,
			Logger:           logger.Log,
		}),
		Monitors:      monitor.DefaultRegistry(),
		HomeThreshold: c.HomeThreshold,
		SettleAfter:   c.SettleAfter,
		Metrics:       collector,
		Tracer:        observability.Tracer(),
		Logger:        logger.Log,
	})
}

// newIsolatedRunner re-executes this binary as a worker for every trial.
func newIsolatedRunner(c config.Config, instances *ports.Instances) (*executor.Isolated, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own executable: %w", err)
	}
	pool, err := ports.NewPool(c.PortMin, c.PortMax)
	if err != nil {
		return nil, err
	}
	return &executor.Isolated{
		Command:   []string{self, "worker"},
		Slack:     c.IsolationSlack,
		Ports:     pool,
		Instances: instances,
		Logger:    logger.Log,
	}, nil
}

// reportingRunner prints each outcome as soon as its trial ends. When
// metrics is set it also records the trial, for runners that cannot.
type reportingRunner struct {
	inner   executor.TrialRunner
	metrics *metrics.Collector

	mu  sync.Mutex
	out io.Writer
}

func (r *reportingRunner) Run(ctx context.Context, spec trial.Spec) (trial.Outcome, error) {
	done := func() {}
	if r.metrics != nil {
		done = r.metrics.TrialStarted()
	}
	out, err := r.inner.Run(ctx, spec)
	done()
	if r.metrics != nil {
		r.metrics.ObserveTrial(spec.WithDefaults().Model, out.Passed, out.Duration, err)
	}

	r.mu.Lock()
	fmt.Fprintln(r.out, display.FormatOutcome(spec.Name, out, err))
	r.mu.Unlock()
	return out, err
}
