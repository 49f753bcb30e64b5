//go:build unix

package executor

import (
	"errors"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"ardutrial/internal/sitl"
)

func configureWorkerProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateWorkerGroup sends SIGTERM to the worker's process group and to
// every group led by one of its descendants, then SIGKILL once grace has
// passed. The simulator and relay lead their own groups, so the worker's
// group alone does not reach them.
func terminateWorkerGroup(cmd *exec.Cmd, grace time.Duration, exited <-chan struct{}, log *slog.Logger) {
	if cmd == nil || cmd.Process == nil || cmd.Process.Pid <= 0 {
		return
	}
	pgid := cmd.Process.Pid

	// The tree has to be walked while the worker is alive; orphans are
	// re-parented and cannot be found from its pid afterwards.
	var tree []*process.Process
	select {
	case <-exited:
	default:
		tree = sitl.Descendants(pgid)
	}
	groups := append([]int{pgid}, descendantGroups(tree, pgid)...)

	for _, g := range groups {
		if err := unix.Kill(-g, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) && g == pgid {
			_ = cmd.Process.Kill()
		}
	}
	if grace > 0 {
		select {
		case <-exited:
		case <-time.After(grace):
		}
	}
	// Groups may outlive their leaders.
	for _, g := range groups {
		_ = unix.Kill(-g, unix.SIGKILL)
	}
	if n := sitl.Reap(tree, log); n > 0 {
		log.Warn("killed processes left behind by worker", slog.Int("count", n))
	}
}

// descendantGroups lists the distinct process groups of procs other than
// the worker's own group and ours.
func descendantGroups(procs []*process.Process, workerGroup int) []int {
	own := unix.Getpgrp()
	seen := map[int]bool{workerGroup: true, own: true}
	var out []int
	for _, p := range procs {
		g, err := unix.Getpgid(int(p.Pid))
		if err != nil || g <= 1 || seen[g] {
			continue
		}
		seen[g] = true
		out = append(out, g)
	}
	return out
}
