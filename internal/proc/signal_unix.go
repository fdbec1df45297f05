//go:build !windows

package proc

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Configure makes cmd the leader of a new process group so the whole tree
// can be signalled together.
func Configure(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Alive reports whether pid exists. A zombie still counts; use Lookup to
// tell them apart.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// TerminateGroup sends SIGTERM to pid's process group, waits up to grace
// for pid to exit, then sends SIGKILL. Our own group is never signalled;
// only pid is, in that case.
func TerminateGroup(pid int, grace time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	target := pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid > 0 && pgid != unix.Getpgrp() {
		target = -pgid
	}

	if err := unix.Kill(target, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("SIGTERM %d: %w", target, err)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := unix.Kill(target, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("SIGKILL %d: %w", target, err)
	}
	return nil
}
