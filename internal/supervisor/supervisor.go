package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"ardutrial/internal/executor"
	"ardutrial/internal/logger"
	"ardutrial/internal/metrics"
	"ardutrial/internal/trial"
)

const queueSize = 100

// Supervisor runs submitted suites one after another and publishes each
// run's result on Results.
type Supervisor struct {
	runner executor.TrialRunner
	log    *slog.Logger

	queue   chan *Run // Main work queue
	Results chan RunResult

	curMu     sync.Mutex
	curRun    *Run
	curCancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func New(runner executor.TrialRunner, log *slog.Logger) *Supervisor {
	return &Supervisor{
		runner:  runner,
		log:     logger.Or(log),
		queue:   make(chan *Run, queueSize),
		Results: make(chan RunResult, queueSize),
		done:    make(chan struct{}),
	}
}

// Start consumes the queue until Close is called. Cancelling ctx cancels
// the run in progress and every run still queued.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go func() {
			defer close(s.done)
			for run := range s.queue {
				s.log.Info("starting suite run", slog.String("suite", run.Suite), slog.String("run_id", run.ID))
				s.execute(ctx, run)
			}
		}()
	})
}

// Submit queues a suite run and returns its id.
func (s *Supervisor) Submit(suiteName string, specs []trial.Spec, concurrency int) string {
	id := uuid.New().String()[:8]
	s.queue <- &Run{
		ID:          id,
		Suite:       suiteName,
		State:       StatusPending,
		Concurrency: concurrency,
		Specs:       specs,
	}
	return id
}

// Close stops accepting runs and waits for the queued ones to finish.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() { close(s.queue) })
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}

// Cancel a specific run by ID (works if it's the current running one).
func (s *Supervisor) Cancel(id string) (bool, error) {
	s.curMu.Lock()
	defer s.curMu.Unlock()

	if s.curRun == nil || s.curRun.State != StatusRunning {
		return false, fmt.Errorf("no suite run is currently running")
	}
	if id != "" && !strings.EqualFold(s.curRun.ID, id) {
		return false, fmt.Errorf("run %s is not running (current running: %s)", id, s.curRun.ID)
	}
	s.curCancel()
	return true, nil
}

// Cancel the most recent / current run.
func (s *Supervisor) CancelMostRecent() (string, error) {
	s.curMu.Lock()
	defer s.curMu.Unlock()

	if s.curRun == nil || s.curRun.State != StatusRunning {
		return "", fmt.Errorf("no suite run is currently running")
	}
	id := s.curRun.ID
	s.curCancel()
	return id, nil
}

func (s *Supervisor) execute(parent context.Context, run *Run) {
	runCtx, cancel := context.WithCancel(parent)
	s.curMu.Lock()
	run.State = StatusRunning
	s.curRun = run
	s.curCancel = cancel
	s.curMu.Unlock()
	defer func() {
		cancel()
		s.curMu.Lock()
		if s.curRun != nil && s.curRun.ID == run.ID {
			s.curRun = nil
			s.curCancel = nil
		}
		s.curMu.Unlock()
	}()

	sm, err := executor.ExecuteSuite(runCtx, s.runner, run.Specs, run.Concurrency, s.log.With(slog.String("run_id", run.ID)))
	if sm == nil {
		sm = &metrics.SuiteMetrics{}
	}
	sm.RunID = run.ID
	sm.Suite = run.Suite

	state := StatusFailed
	switch {
	case errors.Is(err, context.Canceled):
		state = StatusCancelled
		s.log.Info("suite run cancelled", slog.String("run_id", run.ID))
	case err == nil && sm.Succeeded:
		state = StatusSucceeded
	}
	passed, failed := sm.Counts()
	s.log.Info("suite run finished",
		slog.String("run_id", run.ID),
		slog.String("state", state),
		slog.Int("passed", passed),
		slog.Int("failed", failed),
	)

	s.curMu.Lock()
	run.State = state
	s.curMu.Unlock()

	result := RunResult{RunID: run.ID, Suite: run.Suite, State: state, Metrics: sm}
	if err != nil {
		result.Error = err.Error()
	}
	s.Results <- result
}
