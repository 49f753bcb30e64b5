package sitl

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"ardutrial/internal/logger"
)

// RelayKind selects the relay program and its argument style.
type RelayKind string

const (
	RelayMAVProxy RelayKind = "mavproxy"
	RelayMAVP2P   RelayKind = "mavp2p"
)

const DefaultRelayGrace = 2 * time.Second

type RelayConfig struct {
	Kind RelayKind
	// Binary defaults to mavproxy.py or mavp2p depending on Kind.
	Binary string
	Grace  time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.Kind == "" {
		c.Kind = RelayMAVProxy
	}
	if c.Binary == "" {
		switch c.Kind {
		case RelayMAVP2P:
			c.Binary = "mavp2p"
		default:
			c.Binary = "mavproxy.py"
		}
	}
	if c.Grace <= 0 {
		c.Grace = DefaultRelayGrace
	}
	return c
}

// RelayArgs builds the relay command line forwarding the TCP master at
// host:port to a UDP output on 127.0.0.1 for each of ports.
func RelayArgs(cfg RelayConfig, master string, ports []int) ([]string, error) {
	cfg = cfg.withDefaults()
	switch cfg.Kind {
	case RelayMAVProxy:
		args := []string{cfg.Binary, "--daemon", "--master=tcp:" + master}
		for _, p := range ports {
			args = append(args, "--out", "udp:127.0.0.1:"+strconv.Itoa(p))
		}
		return args, nil
	case RelayMAVP2P:
		args := []string{cfg.Binary, "tcpc:" + master}
		for _, p := range ports {
			args = append(args, "udpc:127.0.0.1:"+strconv.Itoa(p))
		}
		return args, nil
	default:
		return nil, fmt.Errorf("unknown relay kind %q", cfg.Kind)
	}
}

// Relay is a running relay process.
type Relay struct {
	proc  *child
	grace time.Duration
	log   *slog.Logger
	once  sync.Once
}

// StartRelay launches the relay in its own process group.
func StartRelay(ctx context.Context, cfg RelayConfig, master string, ports []int, log *slog.Logger) (*Relay, error) {
	cfg = cfg.withDefaults()
	log = logger.Or(log)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv, err := RelayArgs(cfg, master, ports)
	if err != nil {
		return nil, err
	}
	log.Debug("launching relay", slog.String("command", strings.Join(argv, " ")))
	proc, err := startChild(argv, false)
	if err != nil {
		return nil, fmt.Errorf("start relay %s: %w", describe(argv), err)
	}
	return &Relay{proc: proc, grace: cfg.Grace, log: log}, nil
}

// Close terminates the relay's process group, escalating to SIGKILL after
// the grace period. It is safe to call more than once.
func (r *Relay) Close() {
	r.once.Do(func() {
		forced := r.proc.terminate(r.grace)
		r.log.Debug("relay exited", slog.Int("exit_code", r.proc.exitCode()), slog.Bool("forced", forced))
	})
}
