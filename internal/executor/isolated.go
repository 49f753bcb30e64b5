package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"ardutrial/internal/logger"
	"ardutrial/internal/ports"
	"ardutrial/internal/trial"
)

const (
	// DefaultSlack is added to a trial's own timeouts to cap its worker.
	DefaultSlack     = 10 * time.Second
	DefaultKillGrace = 2 * time.Second
)

// Isolated runs each trial in a fresh worker process placed in its own
// process group. A trial that hangs is killed together with the process
// groups its descendants lead, which include its simulator and relay.
type Isolated struct {
	// Command starts a worker, e.g. {os.Executable(), "worker"}.
	Command []string
	// Env is appended to the parent's environment.
	Env       []string
	Slack     time.Duration
	KillGrace time.Duration
	// Stderr receives the worker's stderr. Defaults to os.Stderr.
	Stderr io.Writer
	// Ports, when set, hands each worker its own block of relay ports
	// through ARDUTRIAL_PORT_MIN and ARDUTRIAL_PORT_MAX.
	Ports *ports.Pool
	// Instances, when set, reserves a simulator instance per worker for
	// the whole run, passed as ARDUTRIAL_SITL_INSTANCE.
	Instances *ports.Instances
	Logger    *slog.Logger
}

var _ TrialRunner = (*Isolated)(nil)

// Cap is the wall-clock budget of one worker.
func (iso *Isolated) Cap(spec trial.Spec) time.Duration {
	slack := iso.Slack
	if slack <= 0 {
		slack = DefaultSlack
	}
	spec = spec.WithDefaults()
	return spec.TimeoutSetup + spec.TimeoutMission + slack
}

// Run hands spec to a worker and waits for its outcome. A worker that
// outlives Cap is killed with its whole group and the trial fails with the
// capped duration. A worker that exits without reporting an outcome fails
// the trial.
func (iso *Isolated) Run(ctx context.Context, spec trial.Spec) (trial.Outcome, error) {
	log := logger.Or(iso.Logger).With(slog.String("trial", spec.Name))
	if len(iso.Command) == 0 {
		return trial.Failed(0), errors.New("isolated runner has no worker command")
	}
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return trial.Failed(0), err
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return trial.Failed(0), fmt.Errorf("encode trial spec: %w", err)
	}

	grace := iso.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	stderr := iso.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	env := append(os.Environ(), iso.Env...)
	if iso.Ports != nil {
		lo, hi, err := iso.Ports.TakeRange(trial.RelayPorts)
		if err != nil {
			return trial.Failed(0), fmt.Errorf("reserve worker ports: %w", err)
		}
		env = append(env, fmt.Sprintf("ARDUTRIAL_PORT_MIN=%d", lo), fmt.Sprintf("ARDUTRIAL_PORT_MAX=%d", hi))
	}
	if iso.Instances != nil {
		n, err := iso.Instances.Acquire()
		if err != nil {
			return trial.Failed(0), fmt.Errorf("reserve simulator instance: %w", err)
		}
		// Released only once the worker and its group are gone.
		defer iso.Instances.Release(n)
		env = append(env, fmt.Sprintf("ARDUTRIAL_SITL_INSTANCE=%d", n))
	}

	var stdout bytes.Buffer
	cmd := exec.Command(iso.Command[0], iso.Command[1:]...)
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = grace
	configureWorkerProcess(cmd)

	limit := iso.Cap(spec)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return trial.Failed(0), fmt.Errorf("start worker: %w", err)
	}
	log.Debug("worker started", slog.Int("pid", cmd.Process.Pid), slog.Duration("cap", limit))

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case <-exited:
	case <-timer.C:
		log.Warn("worker exceeded its time cap; killing process group", slog.Duration("cap", limit))
		terminateWorkerGroup(cmd, grace, exited, log)
		<-exited
		return trial.Failed(limit), nil
	case <-ctx.Done():
		terminateWorkerGroup(cmd, grace, exited, log)
		<-exited
		return trial.Failed(time.Since(start)), ctx.Err()
	}

	// Stragglers the worker left behind go with it.
	terminateWorkerGroup(cmd, 0, exited, log)

	out, reportErr, err := decodeReply(stdout.Bytes())
	if err != nil {
		log.Warn("worker did not report an outcome",
			slog.Any("exit", waitErr),
			slog.String("error", err.Error()),
		)
		return trial.Failed(time.Since(start)), nil
	}
	if reportErr != "" {
		return out, fmt.Errorf("worker: %s", reportErr)
	}
	return out, nil
}

// reply is what a worker writes to stdout: the outcome JSON, plus an error
// message when the trial could not be carried out.
type reply struct {
	Passed          bool    `json:"passed"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

// decodeReply reads the last JSON line of a worker's stdout.
func decodeReply(data []byte) (trial.Outcome, string, error) {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if last == "" {
		return trial.Outcome{}, "", errors.New("empty worker output")
	}
	var out trial.Outcome
	if err := json.Unmarshal([]byte(last), &out); err != nil {
		return trial.Outcome{}, "", fmt.Errorf("decode worker outcome: %w", err)
	}
	var r reply
	if err := json.Unmarshal([]byte(last), &r); err != nil {
		return trial.Outcome{}, "", fmt.Errorf("decode worker outcome: %w", err)
	}
	return out, r.Error, nil
}

// ServeWorker is the worker side of Isolated: it reads one trial spec from
// r, runs it and writes the reply to w.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, runner TrialRunner) error {
	var spec trial.Spec
	if err := json.NewDecoder(r).Decode(&spec); err != nil {
		return fmt.Errorf("decode trial spec: %w", err)
	}
	out, runErr := runner.Run(ctx, spec)

	rep := reply{Passed: out.Passed, DurationSeconds: out.Duration.Seconds()}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	return nil
}
