package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const (
	// A valid exit code of a process is a non-negative number. We use UnknownExitCode to indicate that we have not obtained the exit code yet.
	UnknownExitCode int32 = -1

	// Used when the process was not started (or failed to start).
	UnknownPID int = -1
)

var ErrProcessNotFound = errors.New("process not found")

// ProcessHandle identifies a process started by an Executor.
// The start time guards against PID reuse.
type ProcessHandle struct {
	Pid       int
	StartTime time.Time
}

func (h ProcessHandle) String() string {
	if h.StartTime.IsZero() {
		return fmt.Sprintf("%d", h.Pid)
	}
	return fmt.Sprintf("%d (started %s)", h.Pid, h.StartTime.Format(time.RFC3339))
}

type Executor interface {
	// Starts the process described by given command instance.
	// When the passed context is cancelled, the process is automatically terminated.
	// Returns the process handle and a function that enables process exit notifications delivered to the exit handler.
	StartProcess(ctx context.Context, cmd *exec.Cmd, exitHandler ProcessExitHandler) (handle ProcessHandle, startWaitForProcessExit func(), err error)

	// Stops the process (and its process group, where supported) identified by the handle.
	StopProcess(handle ProcessHandle) error
}

type ProcessExitHandler interface {
	// Indicates that process with a given PID has finished execution
	// If err is nil, the process exit code was properly captured and the exitCode value is valid
	// if err is not nil, there was a problem tracking the process and the exitCode value is not valid
	OnProcessExited(pid int, exitCode int32, err error)
}

// Make it easy to supply a function as a process exit handler.
type ProcessExitHandlerFunc func(int, int32, error)

func (f ProcessExitHandlerFunc) OnProcessExited(pid int, exitCode int32, err error) {
	f(pid, exitCode, err)
}
