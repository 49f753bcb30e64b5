package sitl

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// maxOutput caps how much of a child's combined output is kept.
const maxOutput = 64 << 10

const pipeWaitDelay = 500 * time.Millisecond

// tailBuffer keeps the last maxOutput bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - maxOutput; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// child is a started process that leads its own process group.
type child struct {
	cmd    *exec.Cmd
	pgid   int
	out    *tailBuffer
	exited chan struct{}
	err    error
}

func startChild(argv []string, capture bool) (*child, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command line")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	configureProcessGroup(cmd)
	c := &child{cmd: cmd, exited: make(chan struct{})}
	if capture {
		c.out = &tailBuffer{}
		cmd.Stdout = c.out
		cmd.Stderr = c.out
	}
	// Descendants holding the output pipe must not keep Wait blocked.
	cmd.WaitDelay = pipeWaitDelay
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	c.pgid = cmd.Process.Pid
	go func() {
		c.err = cmd.Wait()
		close(c.exited)
	}()
	return c, nil
}

func (c *child) pid() int { return c.cmd.Process.Pid }

// exitedWithin waits up to d for the child to exit.
func (c *child) exitedWithin(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-c.exited:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.exited:
		return true
	case <-t.C:
		return false
	}
}

// exitCode is -1 while the child runs or when it was killed by a signal.
func (c *child) exitCode() int {
	if !c.exitedWithin(0) || c.cmd.ProcessState == nil {
		return -1
	}
	return c.cmd.ProcessState.ExitCode()
}

func (c *child) output() string {
	if c.out == nil {
		return ""
	}
	return c.out.String()
}

// Descendants lists every live process below pid. The walk has to happen
// before the tree is signalled: orphans are re-parented and can no longer
// be found from pid afterwards.
func Descendants(pid int) []*process.Process {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		kids, err := p.Children()
		if err != nil {
			continue
		}
		out = append(out, kids...)
		queue = append(queue, kids...)
	}
	return out
}

// Reap kills the processes in procs that are still running, which catches
// descendants that moved to another process group or session.
func Reap(procs []*process.Process, log *slog.Logger) int {
	killed := 0
	for _, p := range procs {
		running, err := p.IsRunning()
		if err != nil || !running {
			continue
		}
		if st, err := p.Status(); err == nil && len(st) > 0 && st[0] == process.Zombie {
			continue
		}
		name, _ := p.Name()
		if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Warn("failed to kill escaped process", slog.Int("pid", int(p.Pid)), slog.String("name", name), slog.Any("error", err))
			continue
		}
		log.Debug("killed escaped process", slog.Int("pid", int(p.Pid)), slog.String("name", name))
		killed++
	}
	return killed
}

func describe(argv []string) string {
	return fmt.Sprintf("%q", argv)
}
