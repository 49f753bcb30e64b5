package trial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ardutrial/internal/attack"
	"ardutrial/internal/logger"
	"ardutrial/internal/metrics"
	"ardutrial/internal/mission"
	"ardutrial/internal/monitor"
	"ardutrial/internal/observability"
	"ardutrial/internal/ports"
	"ardutrial/internal/sitl"
	"ardutrial/internal/timectrl"
	"ardutrial/internal/vehicle"
)

// DefaultSettleAfter is how long a trial lingers after the mission ends so
// the vehicle can report its final state.
const DefaultSettleAfter = 500 * time.Millisecond

// RelayPorts is one each for the control, attack and monitor sessions.
const RelayPorts = 3

type Config struct {
	Pool     *ports.Pool
	// Instances, when set, gives each trial its own simulator instance for
	// as long as it runs. Otherwise every trial uses Instance.
	Instances *ports.Instances
	Instance  int
	Launcher sitl.Launcher
	Dial     vehicle.Dialer
	// Monitors resolves Spec.Monitor. Defaults to monitor.DefaultRegistry.
	Monitors      *monitor.Registry
	HomeThreshold float64
	Clock         timectrl.Clock
	// Mission tunes the mission polling loops; its Clock and Logger are
	// replaced by the runner's.
	Mission        mission.Options
	AttackInterval time.Duration
	SettleAfter    time.Duration
	Metrics        *metrics.Collector
	Tracer         trace.Tracer
	Logger         *slog.Logger
}

// Runner runs trials in the calling process.
type Runner struct {
	cfg Config
}

func NewRunner(cfg Config) (*Runner, error) {
	switch {
	case cfg.Pool == nil:
		return nil, errors.New("trial runner needs a port pool")
	case cfg.Launcher == nil:
		return nil, errors.New("trial runner needs a simulator launcher")
	case cfg.Dial == nil:
		return nil, errors.New("trial runner needs a vehicle dialer")
	}
	if cfg.Monitors == nil {
		cfg.Monitors = monitor.DefaultRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = timectrl.Real{}
	}
	if cfg.SettleAfter <= 0 {
		cfg.SettleAfter = DefaultSettleAfter
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.Tracer()
	}
	return &Runner{cfg: cfg}, nil
}

// Run executes one trial. A mission that times out is a failed outcome, not
// an error; errors are reserved for trials that could not be carried out.
// Resources are released in reverse order of acquisition: monitor, attack
// watcher, control session, relay, simulator.
func (r *Runner) Run(ctx context.Context, spec Spec) (out Outcome, err error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return Failed(0), err
	}

	log := logger.With(spec.Name)
	if r.cfg.Logger != nil {
		log = r.cfg.Logger.With(slog.String("trial", spec.Name))
	}

	ctx, span := r.cfg.Tracer.Start(ctx, "trial.run", trace.WithAttributes(
		attribute.String("trial.name", spec.Name),
		attribute.String("trial.model", spec.Model),
		attribute.String("trial.mission", spec.Mission.SourcePath()),
		attribute.Int("trial.speedup", spec.Speedup),
	))
	defer span.End()
	defer r.cfg.Metrics.TrialStarted()()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("trial panicked", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			out = Failed(out.Duration)
			err = fmt.Errorf("trial %s panicked: %v", spec.Name, rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Bool("trial.passed", out.Passed),
			attribute.Float64("trial.duration_seconds", out.Duration.Seconds()),
		)
		r.cfg.Metrics.ObserveTrial(spec.Model, out.Passed, out.Duration, err)
		log.Info("trial finished", slog.Bool("passed", out.Passed), slog.Duration("duration", out.Duration), slog.Any("error", err))
	}()

	setupFailed := func(stage string, err error) (Outcome, error) {
		r.cfg.Metrics.ObserveSetupFailure(stage)
		return Failed(0), fmt.Errorf("%s: %w", stage, err)
	}

	allocated, err := r.cfg.Pool.Take(RelayPorts)
	if err != nil {
		return setupFailed("allocate ports", err)
	}
	log.Debug("allocated relay ports", slog.Any("ports", allocated))

	instance := r.cfg.Instance
	if r.cfg.Instances != nil {
		n, err := r.cfg.Instances.Acquire()
		if err != nil {
			return setupFailed("reserve simulator instance", err)
		}
		// Registered before the simulator's Close, so it runs after it.
		defer r.cfg.Instances.Release(n)
		instance = n
	}

	sim, err := r.cfg.Launcher.Launch(ctx, sitl.Options{
		Model:          spec.Model,
		ParametersFile: spec.ParametersFile,
		Home:           spec.Mission.Home(),
		Speedup:        spec.Speedup,
		Instance:       instance,
	})
	if err != nil {
		return setupFailed("launch simulator", err)
	}
	defer closeLogged(log, "simulator", sim.Close)

	endpoints, releaseRelay, err := sim.OpenRelay(ctx, allocated)
	if err != nil {
		return setupFailed("open relay", err)
	}
	defer releaseRelay()

	control, err := r.cfg.Dial(ctx, endpoints.Control)
	if err != nil {
		return setupFailed("connect control session", err)
	}
	defer closeLogged(log, "control session", control.Close)

	if spec.Attack != nil {
		a := *spec.Attack
		log.Debug("watching for attack trigger", slog.String("attack", a.String()))
		w, stop := attack.Wait(ctx, a, endpoints.Attack, r.cfg.Dial, attack.Options{
			Clock:    r.cfg.Clock,
			Interval: r.cfg.AttackInterval,
			Logger:   log,
		})
		defer func() {
			stop()
			if w != nil {
				r.cfg.Metrics.ObserveAttack(w.Delivered())
				span.SetAttributes(attribute.Bool("trial.attack_delivered", w.Delivered()))
			}
		}()
	}

	mon, err := r.cfg.Monitors.New(spec.Monitor, spec.Mission, r.cfg.Dial, monitor.FactoryOptions{
		HomeThreshold: r.cfg.HomeThreshold,
		Logger:        log,
	})
	if err != nil {
		return setupFailed("build monitor", err)
	}
	mon.AttachTo(endpoints.Monitor)
	if err := mon.Open(ctx); err != nil {
		return setupFailed("open monitor", err)
	}
	defer closeLogged(log, "monitor", mon.Close)

	return r.fly(ctx, spec, control, mon, log)
}

// fly executes the mission and lets the monitor judge it.
func (r *Runner) fly(ctx context.Context, spec Spec, control vehicle.Session, mon monitor.Monitor, log *slog.Logger) (Outcome, error) {
	clk := r.cfg.Clock
	opts := r.cfg.Mission
	opts.Clock = clk
	opts.Logger = log

	start := clk.Now()
	err := spec.Mission.Execute(ctx, control, spec.TimeoutSetup, spec.TimeoutMission, opts)
	switch {
	case errors.Is(err, mission.ErrSetupTimeout), errors.Is(err, mission.ErrMissionTimeout):
		log.Info("trial timed out", slog.String("reason", err.Error()))
		return Failed(timectrl.Since(clk, start)), nil
	case err != nil:
		return Failed(timectrl.Since(clk, start)), fmt.Errorf("execute mission: %w", err)
	}

	mon.NotifyMissionEnd(ctx)
	passed := mon.IsOK()
	log.Debug("monitor verdict", slog.Any("status", mon.Status()))

	if err := clk.Sleep(ctx, r.cfg.SettleAfter); err != nil {
		return Failed(timectrl.Since(clk, start)), err
	}
	return Outcome{Passed: passed, Duration: timectrl.Since(clk, start)}, nil
}

func closeLogged(log *slog.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Warn("failed to close "+what, slog.Any("error", err))
	}
}
