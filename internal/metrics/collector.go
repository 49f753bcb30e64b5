package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ardutrial/internal/logger"
)

// Trial results as recorded in the result label.
const (
	ResultPassed = "passed"
	ResultFailed = "failed"
	ResultError  = "error"
)

// Collector bundles the Prometheus metrics of a trial run. A nil
// *Collector is valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Trials         *prometheus.CounterVec
	TrialDurations *prometheus.HistogramVec
	TrialsRunning  prometheus.Gauge
	Attacks        *prometheus.CounterVec
	SetupFailures  *prometheus.CounterVec
}

// NewCollector registers the trial metrics against reg, defaulting to the
// global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	trials, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ardutrial_trials_total",
		Help: "Finished trials, labeled by vehicle model and result.",
	}, []string{"model", "result"}), "ardutrial_trials_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ardutrial_trial_duration_seconds",
		Help:    "Measured mission duration of finished trials.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"model"}), "ardutrial_trial_duration_seconds")
	if err != nil {
		return nil, err
	}

	running, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ardutrial_trials_running",
		Help: "Trials currently in flight.",
	}), "ardutrial_trials_running")
	if err != nil {
		return nil, err
	}

	attacks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ardutrial_attacks_total",
		Help: "Trials that carried an attack, labeled by whether it was delivered.",
	}, []string{"delivered"}), "ardutrial_attacks_total")
	if err != nil {
		return nil, err
	}

	setup, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ardutrial_setup_failures_total",
		Help: "Trials that failed before the mission was issued, labeled by stage.",
	}, []string{"stage"}), "ardutrial_setup_failures_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:       gatherer,
		Trials:         trials,
		TrialDurations: durations,
		TrialsRunning:  running,
		Attacks:        attacks,
		SetupFailures:  setup,
	}, nil
}

// TrialStarted marks a trial as in flight. The returned func marks it done.
func (c *Collector) TrialStarted() func() {
	if c == nil {
		return func() {}
	}
	c.TrialsRunning.Inc()
	return c.TrialsRunning.Dec
}

// ObserveTrial records a finished trial. A non-nil err counts as an error
// result regardless of passed.
func (c *Collector) ObserveTrial(model string, passed bool, d time.Duration, err error) {
	if c == nil {
		return
	}
	result := ResultFailed
	switch {
	case err != nil:
		result = ResultError
	case passed:
		result = ResultPassed
	}
	c.Trials.WithLabelValues(model, result).Inc()
	if err == nil {
		c.TrialDurations.WithLabelValues(model).Observe(d.Seconds())
	}
}

func (c *Collector) ObserveAttack(delivered bool) {
	if c == nil {
		return
	}
	c.Attacks.WithLabelValues(fmt.Sprint(delivered)).Inc()
}

func (c *Collector) ObserveSetupFailure(stage string) {
	if c == nil {
		return
	}
	c.SetupFailures.WithLabelValues(stage).Inc()
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done. An empty addr or a nil
// collector serves nothing.
func Serve(ctx context.Context, addr string, c *Collector, log *slog.Logger) *http.Server {
	if addr == "" || c == nil {
		return nil
	}
	log = logger.Or(log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server exited", slog.String("error", err.Error()))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving Prometheus metrics", slog.String("addr", addr))
	return srv
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
