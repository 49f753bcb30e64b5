package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ardutrial/internal/logger"
	"ardutrial/internal/timectrl"
	"ardutrial/internal/vehicle"
)

var (
	ErrSetupTimeout   = errors.New("mission setup timed out")
	ErrMissionTimeout = errors.New("mission did not complete before timeout")
)

const (
	DefaultPollInterval      = 50 * time.Millisecond
	DefaultHomeRetryInterval = 100 * time.Millisecond
)

// Options tune the polling loops of Issue and Execute.
type Options struct {
	Clock             timectrl.Clock
	PollInterval      time.Duration
	HomeRetryInterval time.Duration
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = timectrl.Real{}
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.HomeRetryInterval <= 0 {
		o.HomeRetryInterval = DefaultHomeRetryInterval
	}
	o.Logger = logger.Or(o.Logger)
	return o
}

// Issue prepares the vehicle and hands it this mission: wait until it is
// armable, learn its home location, arm it, upload the commands, switch to
// AUTO and start the mission. Every step shares the one timeout budget.
func (m *Mission) Issue(ctx context.Context, s vehicle.Session, timeout time.Duration, opts Options) error {
	opts = opts.withDefaults()
	clk, log := opts.Clock, opts.Logger
	start := clk.Now()

	expired := func() bool { return timectrl.Since(clk, start) > timeout }
	timeLeft := func() time.Duration {
		left := timeout - timectrl.Since(clk, start)
		if left < 0 {
			return 0
		}
		return left
	}

	log.Debug("waiting for vehicle to be armable")
	for !s.IsArmable() {
		if expired() {
			return fmt.Errorf("%w: vehicle never became armable", ErrSetupTimeout)
		}
		if err := clk.Sleep(ctx, opts.PollInterval); err != nil {
			return err
		}
	}

	log.Debug("waiting for home location")
	for {
		home, ok := s.HomeLocation()
		if ok {
			log.Debug("determined home location", slog.String("home", home.String()))
			break
		}
		if expired() {
			return fmt.Errorf("%w: no home location", ErrSetupTimeout)
		}
		if err := s.DownloadCommands(ctx, timeLeft()); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: download commands: %w", ErrSetupTimeout, err)
		}
		if err := clk.Sleep(ctx, opts.HomeRetryInterval); err != nil {
			return err
		}
	}

	log.Debug("attempting to arm vehicle")
	if err := s.Arm(ctx, true); err != nil {
		return fmt.Errorf("arm vehicle: %w", err)
	}
	for !s.Armed() {
		if expired() {
			return fmt.Errorf("%w: vehicle did not arm", ErrSetupTimeout)
		}
		if err := clk.Sleep(ctx, opts.PollInterval); err != nil {
			return err
		}
	}
	log.Debug("armed vehicle")

	if err := s.UploadCommands(ctx, m.Commands(), timeLeft()); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: upload commands: %w", ErrSetupTimeout, err)
	}
	log.Debug("uploaded mission", slog.Int("commands", m.Len()))

	log.Debug("switching to AUTO mode")
	if err := s.SetMode(ctx, vehicle.ModeAuto); err != nil {
		return fmt.Errorf("set mode %s: %w", vehicle.ModeAuto, err)
	}
	log.Debug("switched to AUTO mode")

	// Start from the first item and name an item past the end as the last,
	// which pushes the cursor off the setup items.
	startCmd := vehicle.CommandLong{
		Command: vehicle.CmdMissionStart,
		Params:  [7]float64{1, float64(m.Len() + 1), 0, 0, 0, 0, 4},
	}
	if err := s.SendCommand(ctx, startCmd); err != nil {
		return fmt.Errorf("start mission: %w", err)
	}
	return nil
}

// Execute issues the mission and blocks until the vehicle reports it
// complete. Completion is inferred: the cursor leaves zero once the mission
// starts and falls back to zero after the last item.
func (m *Mission) Execute(ctx context.Context, s vehicle.Session, timeoutSetup, timeoutMission time.Duration, opts Options) error {
	opts = opts.withDefaults()
	if err := m.Issue(ctx, s, timeoutSetup, opts); err != nil {
		return err
	}

	clk, log := opts.Clock, opts.Logger
	start := clk.Now()

	log.Debug("attaching STATUSTEXT listener")
	remove := s.AddListener(vehicle.EventStatusText, func(e vehicle.Event) {
		log.Debug("STATUSTEXT", slog.String("text", e.Text))
	})
	defer func() {
		remove()
		log.Debug("removed STATUSTEXT listener")
	}()

	hasStarted := false
	cursor := 0
	for {
		last := cursor
		next, err := s.NextCommand()
		if err != nil {
			return fmt.Errorf("read mission cursor: %w", err)
		}
		cursor = next
		hasStarted = hasStarted || cursor != 0

		if cursor != last {
			m.logProgress(log, s, cursor)
		}

		if hasStarted && cursor == 0 {
			break
		}

		if timectrl.Since(clk, start) > timeoutMission {
			log.Debug("timeout occurred during mission execution")
			return ErrMissionTimeout
		}

		if err := clk.Sleep(ctx, opts.PollInterval); err != nil {
			return err
		}
	}

	log.Debug("mission terminated", slog.Duration("elapsed", timectrl.Since(clk, start)))
	return nil
}

func (m *Mission) logProgress(log *slog.Logger, s vehicle.Session, next int) {
	home, ok := s.HomeLocation()
	if !ok {
		home = m.home.Location()
	}
	loc := s.Location()
	log.Debug("mission progress",
		slog.Int("next_wp", next),
		slog.String("home", home.String()),
		slog.String("mode", s.Mode()),
		slog.String("location", loc.String()),
		slog.String("distance_to_home", fmt.Sprintf("%.2f metres", vehicle.Distance(home, loc))),
	)
}
