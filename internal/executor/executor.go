package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ardutrial/internal/logger"
	"ardutrial/internal/metrics"
	"ardutrial/internal/trial"
)

const DefaultConcurrency = 1

// TrialRunner runs one trial to completion.
type TrialRunner interface {
	Run(ctx context.Context, spec trial.Spec) (trial.Outcome, error)
}

// ExecuteSuite runs every spec with at most limit trials in flight. One
// trial failing does not stop the others; the returned error is only set
// when ctx ends before every trial has run.
func ExecuteSuite(ctx context.Context, runner TrialRunner, specs []trial.Spec, limit int, log *slog.Logger) (*metrics.SuiteMetrics, error) {
	log = logger.Or(log)
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	sm := &metrics.SuiteMetrics{Start: time.Now()}
	defer func() {
		sm.End = time.Now()
		sm.Finalize()
	}()

	// Results land by index so the report keeps suite order.
	results := make([]metrics.TrialMetrics, len(specs))

	var g errgroup.Group
	g.SetLimit(limit)

	for i, spec := range specs {
		if ctx.Err() != nil {
			results[i] = skipped(spec, ctx.Err())
			continue
		}
		g.Go(func() error {
			results[i] = runOne(ctx, runner, spec, log)
			return nil
		})
	}
	_ = g.Wait()

	sm.Trials = results
	if err := ctx.Err(); err != nil {
		return sm, err
	}
	return sm, nil
}

func runOne(ctx context.Context, runner TrialRunner, spec trial.Spec, log *slog.Logger) (tm metrics.TrialMetrics) {
	tm = metrics.TrialMetrics{Name: spec.Name, Start: time.Now()}
	defer func() {
		// Panic safety -> record it as an errored trial
		if rec := recover(); rec != nil {
			tm.Passed = false
			tm.Err = fmt.Sprintf("panic in trial %s: %v", spec.Name, rec)
		}
		tm.End = time.Now()
		tm.Finalize()
	}()

	if err := ctx.Err(); err != nil {
		tm.Err = err.Error()
		return tm
	}

	log.Info("starting trial", slog.String("trial", spec.Name), slog.String("mission", missionPath(spec)))
	out, err := runner.Run(ctx, spec)
	tm.Passed = out.Passed && err == nil
	tm.MissionSeconds = out.Duration.Seconds()
	if err != nil {
		tm.Err = err.Error()
		log.Warn("trial errored", slog.String("trial", spec.Name), slog.Any("error", err))
	}
	return tm
}

func skipped(spec trial.Spec, err error) metrics.TrialMetrics {
	now := time.Now()
	return metrics.TrialMetrics{Name: spec.Name, Start: now, End: now, Err: err.Error()}
}

func missionPath(spec trial.Spec) string {
	if spec.Mission == nil {
		return ""
	}
	return spec.Mission.SourcePath()
}
