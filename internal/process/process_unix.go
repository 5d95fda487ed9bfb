//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so that a kill
// also reaches any workers it forked.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcess(p *os.Process) error {
	if p == nil || p.Pid <= 0 {
		return nil
	}

	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}

	if err != nil {
		// Not a group leader after all; fall back to the single process.
		if killErr := p.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			return errors.Join(err, killErr)
		}
	}

	return nil
}

// isExpectedExit reports whether err is the exit of a process terminated by
// a signal, which is how every session ends.
func isExpectedExit(err error) bool {
	if err == nil {
		return false
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}

	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}

	return status.Signaled()
}
