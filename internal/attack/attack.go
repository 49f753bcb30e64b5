// Package attack injects a parameter change into a vehicle once its
// mission reaches a trigger waypoint.
package attack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ardutrial/internal/logger"
	"ardutrial/internal/timectrl"
	"ardutrial/internal/utils"
	"ardutrial/internal/vehicle"
)

const DefaultInterval = 100 * time.Millisecond

// Attack sets Parameter to Value as soon as the vehicle heads for mission
// item Waypoint or a later one.
type Attack struct {
	Parameter string `json:"parameter" yaml:"parameter"`
	Value     int    `json:"value" yaml:"value"`
	Waypoint  int    `json:"waypoint" yaml:"waypoint"`
}

// FromRecord builds an attack from a decoded document with the keys
// parameter, value and waypoint.
func FromRecord(rec utils.Record) (Attack, error) {
	parameter, err := utils.RecordString(rec, "parameter")
	if err != nil {
		return Attack{}, fmt.Errorf("attack: %w", err)
	}
	value, err := utils.RecordInt(rec, "value")
	if err != nil {
		return Attack{}, fmt.Errorf("attack: %w", err)
	}
	waypoint, err := utils.RecordInt(rec, "waypoint")
	if err != nil {
		return Attack{}, fmt.Errorf("attack: %w", err)
	}
	return Attack{Parameter: parameter, Value: value, Waypoint: waypoint}, nil
}

func (a Attack) String() string {
	return fmt.Sprintf("%s=%d@wp%d", a.Parameter, a.Value, a.Waypoint)
}

type Options struct {
	Clock timectrl.Clock
	// Interval between cursor polls.
	Interval time.Duration
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = timectrl.Real{}
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	o.Logger = logger.Or(o.Logger)
	return o
}

// Watcher polls a session's mission cursor and delivers the attack at most
// once.
type Watcher struct {
	attack  Attack
	session vehicle.Session
	opts    Options

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	delivered atomic.Bool
}

func NewWatcher(a Attack, s vehicle.Session, opts Options) *Watcher {
	return &Watcher{
		attack:  a,
		session: s,
		opts:    opts.withDefaults(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the polling goroutine.
func (w *Watcher) Start() {
	w.startOnce.Do(func() { go w.run() })
}

// Stop signals the goroutine and waits for it to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	started := true
	w.startOnce.Do(func() { started = false })
	if started {
		<-w.done
	}
}

// Delivered reports whether the parameter write was acknowledged.
func (w *Watcher) Delivered() bool { return w.delivered.Load() }

func (w *Watcher) run() {
	defer close(w.done)
	log := w.opts.Logger.With(slog.String("attack", w.attack.String()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-w.stop:
			return
		case <-w.opts.Clock.After(w.opts.Interval):
		}
		current, err := w.session.NextCommand()
		if err != nil {
			log.Debug("lost connection to vehicle, unable to attack", slog.Any("error", err))
			return
		}
		if current < w.attack.Waypoint {
			continue
		}
		if err := w.session.SetParameter(ctx, w.attack.Parameter, float64(w.attack.Value)); err != nil {
			log.Debug("unable to deliver attack", slog.Any("error", err))
			return
		}
		w.delivered.Store(true)
		log.Debug("delivered attack", slog.Int("waypoint", current))
		return
	}
}

// Wait opens a dedicated session on address and watches it for the
// attack's trigger. The returned release func stops the watcher and closes
// the session. When the session cannot be opened the failure is logged,
// the watcher is nil and release does nothing.
func Wait(ctx context.Context, a Attack, address string, dial vehicle.Dialer, opts Options) (*Watcher, func()) {
	opts = opts.withDefaults()
	s, err := dial(ctx, address)
	if err != nil {
		opts.Logger.Debug("lost connection to vehicle, unable to attack",
			slog.String("address", address), slog.Any("error", err))
		return nil, func() {}
	}
	w := NewWatcher(a, s, opts)
	w.Start()
	return w, func() {
		w.Stop()
		if err := s.Close(); err != nil {
			opts.Logger.Warn("failed to close attack session", slog.Any("error", err))
		}
	}
}
