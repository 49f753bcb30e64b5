//go:build unix

package sitl

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the whole process group led by the child. The group
// id is the child's pid, so members can still be reached after the leader
// has exited.
func (c *child) signalGroup(sig unix.Signal) error {
	if c.pgid <= 0 {
		return errors.New("process not started")
	}
	err := unix.Kill(-c.pgid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// terminate sends SIGTERM to the group and escalates to SIGKILL if the
// child has not exited after grace. It reports whether the kill was forced.
func (c *child) terminate(grace time.Duration) bool {
	if c.exitedWithin(0) {
		_ = c.signalGroup(unix.SIGKILL)
		return false
	}
	_ = c.signalGroup(unix.SIGTERM)
	if c.exitedWithin(grace) {
		// Stragglers that ignored SIGTERM still share the group.
		_ = c.signalGroup(unix.SIGKILL)
		return false
	}
	_ = c.signalGroup(unix.SIGKILL)
	c.exitedWithin(time.Second)
	return true
}
