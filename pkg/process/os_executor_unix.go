//go:build !windows

package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Use separate process group so that the child (and everything it spawns) can be signalled as a unit,
// and so that terminal signals sent to this process do not reach it.
func DecoupleFromParent(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (e *OSExecutor) stopProcessGroup(st *processState) error {
	// Give the process a chance to gracefully exit.
	err := e.signalAndWaitForExit(st, unix.SIGTERM)
	switch {
	case err == nil:
		e.log.V(1).Info("process stopped by SIGTERM", "PID", st.handle.Pid)
		return nil
	case !errors.Is(err, context.DeadlineExceeded):
		return err
	}

	err = e.signalAndWaitForExit(st, unix.SIGKILL)
	if err != nil {
		return fmt.Errorf("process %d did not exit after SIGKILL: %w", st.handle.Pid, err)
	}
	e.log.V(1).Info("process stopped by SIGKILL", "PID", st.handle.Pid)
	return nil
}

// Sends a signal to the process group led by the process, falling back to the process alone
// if it is not a group leader, then waits for the process to exit.
func (e *OSExecutor) signalAndWaitForExit(st *processState, sig unix.Signal) error {
	err := unix.Kill(-st.handle.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(st.handle.Pid, sig)
	}
	switch {
	case errors.Is(err, unix.ESRCH):
		// Already gone; the wait goroutine will observe the exit.
	case err != nil:
		return fmt.Errorf("could not send signal %s to process %d: %w", unix.SignalName(sig), st.handle.Pid, err)
	}

	return e.waitForExit(st)
}
