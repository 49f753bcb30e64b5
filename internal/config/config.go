// Package config gathers host settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ardutrial/internal/executor"
	"ardutrial/internal/monitor"
	"ardutrial/internal/observability"
	"ardutrial/internal/sitl"
	"ardutrial/internal/trial"
	"ardutrial/internal/vehicle"
)

const envPrefix = "ARDUTRIAL_"

// Port range handed out to relays, [PortMin, PortMax).
const (
	DefaultPortMin = 13000
	DefaultPortMax = 13500
)

type Config struct {
	SITLBinDir     string
	SITLHost       string
	SITLMasterPort int
	// SITLWrapper prefixes the simulator command, e.g. "docker exec -i sitl".
	SITLWrapper    []string
	SITLSettle     time.Duration
	SITLCloseGrace time.Duration
	// SITLInstance is the fixed "-I" instance of a worker; the parent
	// assigns it.
	SITLInstance int

	RelayKind   sitl.RelayKind
	RelayBinary string
	RelayGrace  time.Duration

	PortMin int
	PortMax int

	SetupTimeout     time.Duration
	SettleAfter      time.Duration
	HomeThreshold    float64
	IsolationSlack   time.Duration
	HeartbeatTimeout time.Duration

	LogFile     string
	LogLevel    string
	LogFormat   string
	MetricsAddr string

	Tracing observability.TracingConfig
}

func Defaults() Config {
	return Config{
		SITLBinDir:       sitl.DefaultBinDir,
		SITLHost:         sitl.DefaultHost,
		SITLMasterPort:   sitl.DefaultMasterPort,
		SITLSettle:       sitl.DefaultSettle,
		SITLCloseGrace:   sitl.DefaultCloseGrace,
		RelayKind:        sitl.RelayMAVProxy,
		RelayBinary:      "mavproxy.py",
		RelayGrace:       sitl.DefaultRelayGrace,
		PortMin:          DefaultPortMin,
		PortMax:          DefaultPortMax,
		SetupTimeout:     trial.DefaultSetupTimeout,
		SettleAfter:      trial.DefaultSettleAfter,
		HomeThreshold:    monitor.DefaultHomeThreshold,
		IsolationSlack:   executor.DefaultSlack,
		HeartbeatTimeout: vehicle.DefaultHeartbeatTimeout,
		LogFile:          "ardutrial.log",
		LogLevel:         "info",
		LogFormat:        "json",
		Tracing: observability.TracingConfig{
			ServiceName: "ardutrial",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
	}
}

// LoadDotEnv loads the given .env files, or ./.env when none are named.
// A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// FromEnv overlays ARDUTRIAL_* variables on Defaults.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Defaults()
	r := reader{lookup: lookup}

	r.str("SITL_BIN_DIR", &c.SITLBinDir)
	r.str("SITL_HOST", &c.SITLHost)
	r.integer("SITL_MASTER_PORT", &c.SITLMasterPort)
	if w, ok := r.get("SITL_WRAPPER"); ok {
		c.SITLWrapper = strings.Fields(w)
	}
	r.duration("SITL_SETTLE", &c.SITLSettle)
	r.duration("SITL_CLOSE_GRACE", &c.SITLCloseGrace)
	r.integer("SITL_INSTANCE", &c.SITLInstance)

	if kind, ok := r.get("RELAY_KIND"); ok {
		c.RelayKind = sitl.RelayKind(strings.ToLower(kind))
		if c.RelayKind == sitl.RelayMAVP2P {
			c.RelayBinary = "mavp2p"
		}
	}
	r.str("RELAY_BINARY", &c.RelayBinary)
	r.duration("RELAY_GRACE", &c.RelayGrace)

	r.integer("PORT_MIN", &c.PortMin)
	r.integer("PORT_MAX", &c.PortMax)

	r.duration("SETUP_TIMEOUT", &c.SetupTimeout)
	r.duration("SETTLE_AFTER", &c.SettleAfter)
	r.float("HOME_THRESHOLD", &c.HomeThreshold)
	r.duration("ISOLATION_SLACK", &c.IsolationSlack)
	r.duration("HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout)

	r.str("LOG_FILE", &c.LogFile)
	r.str("LOG_LEVEL", &c.LogLevel)
	r.str("LOG_FORMAT", &c.LogFormat)
	r.str("METRICS_ADDR", &c.MetricsAddr)

	if v, ok := r.get("TRACING_ENABLED"); ok {
		c.Tracing.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := r.get("TRACING_EXPORTER"); ok {
		c.Tracing.Exporter = strings.ToLower(v)
	}
	r.str("TRACING_SERVICE_NAME", &c.Tracing.ServiceName)
	r.str("OTLP_ENDPOINT", &c.Tracing.Endpoint)
	r.float("TRACING_SAMPLE_RATIO", &c.Tracing.SampleRatio)

	if r.err != nil {
		return Config{}, r.err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.RelayKind != sitl.RelayMAVProxy && c.RelayKind != sitl.RelayMAVP2P:
		return fmt.Errorf("unknown relay kind %q", c.RelayKind)
	case c.PortMin <= 0 || c.PortMax > 65536 || c.PortMax-c.PortMin < 3:
		return fmt.Errorf("port range [%d, %d) cannot hold one trial", c.PortMin, c.PortMax)
	case c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1:
		return fmt.Errorf("tracing sample ratio %v is outside [0, 1]", c.Tracing.SampleRatio)
	case c.HomeThreshold <= 0:
		return fmt.Errorf("home threshold must be positive")
	case c.SITLInstance < 0:
		return fmt.Errorf("SITL instance %d is negative", c.SITLInstance)
	}
	return nil
}

// SITL is the simulator host configuration.
func (c Config) SITL() sitl.Config {
	return sitl.Config{
		BinDir:     c.SITLBinDir,
		Host:       c.SITLHost,
		MasterPort: c.SITLMasterPort,
		Wrapper:    c.SITLWrapper,
		Settle:     c.SITLSettle,
		CloseGrace: c.SITLCloseGrace,
		Relay: sitl.RelayConfig{
			Kind:   c.RelayKind,
			Binary: c.RelayBinary,
			Grace:  c.RelayGrace,
		},
	}
}

// reader collects the first parse error so callers can read many keys in
// a row.
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) get(key string) (string, bool) {
	v, ok := r.lookup(envPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) str(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *reader) integer(key string, dst *int) {
	v, ok := r.get(key)
	if !ok || r.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.err = fmt.Errorf("%s%s: %w", envPrefix, key, err)
		return
	}
	*dst = n
}

func (r *reader) float(key string, dst *float64) {
	v, ok := r.get(key)
	if !ok || r.err != nil {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.err = fmt.Errorf("%s%s: %w", envPrefix, key, err)
		return
	}
	*dst = f
}

// duration accepts Go durations ("90s") or bare seconds ("90", "0.5").
func (r *reader) duration(key string, dst *time.Duration) {
	v, ok := r.get(key)
	if !ok || r.err != nil {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.err = fmt.Errorf("%s%s: not a duration: %q", envPrefix, key, v)
		return
	}
	*dst = time.Duration(secs * float64(time.Second))
}
