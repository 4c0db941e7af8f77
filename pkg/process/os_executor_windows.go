//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// Use separate process group so this process exit will not affect the children.
func DecoupleFromParent(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

func (e *OSExecutor) stopProcessGroup(st *processState) error {
	// Windows has no signals, and there is no universal way to "ask a process to stop", so we just kill the process.
	e.log.V(1).Info("killing process", "PID", st.handle.Pid)
	err := st.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	if waitErr := e.waitForExit(st); waitErr != nil {
		return fmt.Errorf("process %d did not exit after being killed: %w", st.handle.Pid, waitErr)
	}
	return nil
}
