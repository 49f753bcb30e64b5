// Package sitl launches ArduPilot software-in-the-loop simulators and the
// MAVLink relay that fans a simulator's link out to several consumers.
package sitl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"ardutrial/internal/logger"
	"ardutrial/internal/mavlink"
	"ardutrial/internal/timectrl"
	"ardutrial/internal/vehicle"
)

var ErrLaunch = errors.New("failed to launch simulator")

const (
	DefaultBinDir     = "/opt/ardupilot/build/sitl/bin"
	DefaultHost       = "127.0.0.1"
	DefaultMasterPort = 5760
	// InstancePortStride is how far SITL moves its ports per instance
	// number ("-I n" serves its master link on MasterPort+10n).
	InstancePortStride = 10
	DefaultSettle     = 5 * time.Second
	DefaultCloseGrace = 500 * time.Millisecond

	killallTimeout = 5 * time.Second
)

var binaries = map[string]string{
	"copter": "arducopter",
	"rover":  "ardurover",
	"plane":  "arduplane",
}

// Models lists the vehicle models that can be simulated.
func Models() []string {
	return []string{"copter", "plane", "rover"}
}

type State int

const (
	StateCreated State = iota
	StateLaunching
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLaunching:
		return "launching"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Config is the host-level setup shared by every simulator.
type Config struct {
	BinDir string
	// Host is where the simulator's MAVLink master port is reachable.
	Host       string
	MasterPort int
	// Wrapper prefixes the simulator command, e.g. "docker exec -i sitl".
	// Shutdown then goes through "killall -15" inside the wrapper.
	Wrapper []string
	// Settle is how long Launch waits after starting the simulator; a
	// negative value skips the wait.
	Settle     time.Duration
	CloseGrace time.Duration
	Relay      RelayConfig
	Clock      timectrl.Clock
	Logger     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.BinDir == "" {
		c.BinDir = DefaultBinDir
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.MasterPort == 0 {
		c.MasterPort = DefaultMasterPort
	}
	if c.Settle < 0 {
		c.Settle = 0
	} else if c.Settle == 0 {
		c.Settle = DefaultSettle
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	if c.Clock == nil {
		c.Clock = timectrl.Real{}
	}
	c.Relay = c.Relay.withDefaults()
	c.Logger = logger.Or(c.Logger)
	return c
}

// Options describe one simulated vehicle.
type Options struct {
	Model          string
	ParametersFile string
	Home           vehicle.HomeLocation
	Speedup        int
	// Instance selects SITL's "-I" instance so concurrent simulators get
	// distinct ports. Zero runs the default instance without the flag.
	Instance int
}

// Endpoints are the three relay outputs handed to a trial's consumers.
type Endpoints struct {
	Control string
	Attack  string
	Monitor string
}

// EndpointsFor maps three relay ports to their consumers, in order.
func EndpointsFor(ports []int) (Endpoints, error) {
	if len(ports) != 3 {
		return Endpoints{}, fmt.Errorf("need 3 relay ports, got %d", len(ports))
	}
	return Endpoints{
		Control: mavlink.UDPAddress(ports[0]),
		Attack:  mavlink.UDPAddress(ports[1]),
		Monitor: mavlink.UDPAddress(ports[2]),
	}, nil
}

// Instance is a launched simulator as a trial sees it.
type Instance interface {
	OpenRelay(ctx context.Context, ports []int) (Endpoints, func(), error)
	Close() error
}

// Launcher starts simulators.
type Launcher interface {
	Launch(ctx context.Context, opts Options) (Instance, error)
}

// ProcessLauncher starts each simulator as a local child process.
type ProcessLauncher struct {
	Config Config
}

func (l ProcessLauncher) Launch(ctx context.Context, opts Options) (Instance, error) {
	sim, err := New(opts, l.Config)
	if err != nil {
		return nil, err
	}
	if err := sim.Launch(ctx); err != nil {
		return nil, err
	}
	return sim, nil
}

// Simulator owns one SITL process and the process group it leads.
type Simulator struct {
	opts   Options
	cfg    Config
	binary string
	log    *slog.Logger

	mu    sync.Mutex
	state State
	proc  *child
}

var _ Instance = (*Simulator)(nil)

func New(opts Options, cfg Config) (*Simulator, error) {
	cfg = cfg.withDefaults()
	name, ok := binaries[opts.Model]
	if !ok {
		return nil, fmt.Errorf("unsupported model %q (want one of %s)", opts.Model, strings.Join(Models(), ", "))
	}
	if opts.Speedup <= 0 {
		opts.Speedup = 1
	}
	return &Simulator{
		opts:   opts,
		cfg:    cfg,
		binary: filepath.Join(cfg.BinDir, name),
		log:    cfg.Logger.With(slog.String("model", opts.Model)),
		state:  StateCreated,
	}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Command is the simulator command line, without any wrapper.
func (s *Simulator) Command() []string {
	h := s.opts.Home
	home := strings.Join([]string{formatFloat(h.Lat), formatFloat(h.Lon), formatFloat(h.Alt), formatFloat(h.Heading)}, ",")
	argv := []string{s.binary}
	if s.opts.Instance > 0 {
		argv = append(argv, "-I", strconv.Itoa(s.opts.Instance))
	}
	return append(argv,
		"--speedup", strconv.Itoa(s.opts.Speedup),
		"--model", s.opts.Model,
		"--home", home,
		"--defaults", s.opts.ParametersFile,
	)
}

// MasterAddress is where the simulator serves its MAVLink master link.
func (s *Simulator) MasterAddress() string {
	port := s.cfg.MasterPort + InstancePortStride*s.opts.Instance
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
}

func (s *Simulator) argv() []string {
	return append(append([]string(nil), s.cfg.Wrapper...), s.Command()...)
}

func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OwnsProcessGroup reports that the simulator was started as the leader of
// its own process group, which Close tears down as a whole.
func (s *Simulator) OwnsProcessGroup() bool { return true }

// Launch starts the simulator and waits for it to settle.
func (s *Simulator) Launch(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("launch simulator in state %s", st)
	}
	s.state = StateLaunching
	s.mu.Unlock()

	argv := s.argv()
	s.log.Debug("launching SITL", slog.String("command", strings.Join(argv, " ")))
	proc, err := startChild(argv, true)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("%w: %s: %w", ErrLaunch, describe(argv), err)
	}
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	if err := s.cfg.Clock.Sleep(ctx, s.cfg.Settle); err != nil {
		s.fail(proc)
		return err
	}
	if proc.exitedWithin(0) {
		s.fail(proc)
		return fmt.Errorf("%w: exited with code %d during settle: %s", ErrLaunch, proc.exitCode(), strings.TrimSpace(proc.output()))
	}
	s.setState(StateReady)
	s.log.Debug("SITL ready", slog.Int("pid", proc.pid()))
	return nil
}

func (s *Simulator) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Simulator) fail(proc *child) {
	proc.terminate(s.cfg.CloseGrace)
	s.setState(StateFailed)
}

// OpenRelay starts a relay from the simulator's master port to one UDP
// output per port. The returned func stops it.
func (s *Simulator) OpenRelay(ctx context.Context, ports []int) (Endpoints, func(), error) {
	eps, err := EndpointsFor(ports)
	if err != nil {
		return Endpoints{}, nil, err
	}
	if st := s.State(); st != StateReady {
		return Endpoints{}, nil, fmt.Errorf("open relay for simulator in state %s", st)
	}
	r, err := StartRelay(ctx, s.cfg.Relay, s.MasterAddress(), ports, s.log)
	if err != nil {
		return Endpoints{}, nil, err
	}
	return eps, r.Close, nil
}

// Close stops the simulator. It is idempotent.
func (s *Simulator) Close() error {
	s.mu.Lock()
	proc := s.proc
	st := s.state
	if st == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()
	if proc == nil {
		return nil
	}

	tree := Descendants(proc.pid())
	forced := false
	if len(s.cfg.Wrapper) > 0 {
		forced = s.closeWrapped(proc)
	} else {
		forced = proc.terminate(s.cfg.CloseGrace)
	}
	if forced {
		s.log.Debug("force killed SITL process")
	}
	Reap(tree, s.log)
	s.log.Debug("SITL output",
		slog.Int("exit_code", proc.exitCode()),
		slog.String("output", proc.output()),
	)
	return nil
}

// stopCommand asks the wrapped environment to SIGTERM this simulator. The
// default instance is stopped by binary name; other instances are matched
// on their "-I n" command line so siblings keep running.
func (s *Simulator) stopCommand() []string {
	argv := append([]string(nil), s.cfg.Wrapper...)
	if s.opts.Instance == 0 {
		return append(argv, "killall", "-15", s.binary)
	}
	pattern := fmt.Sprintf("^%s -I %d( |$)", regexp.QuoteMeta(s.binary), s.opts.Instance)
	return append(argv, "pkill", "-15", "-f", pattern)
}

// closeWrapped asks the wrapped environment to stop the simulator, since
// signals to the local wrapper client do not reach it.
func (s *Simulator) closeWrapped(proc *child) bool {
	ctx, cancel := context.WithTimeout(context.Background(), killallTimeout)
	defer cancel()
	argv := s.stopCommand()
	if out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput(); err != nil {
		s.log.Warn("stopping wrapped simulator failed", slog.String("command", argv[len(s.cfg.Wrapper)]), slog.String("output", strings.TrimSpace(string(out))), slog.Any("error", err))
	}
	if proc.exitedWithin(s.cfg.CloseGrace) {
		return false
	}
	return proc.terminate(0)
}
