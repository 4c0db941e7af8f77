package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/tklauser/ps"
)

// How long a stopped process gets to exit after a graceful stop request before it is killed.
const DefaultStopTimeout = 5 * time.Second

type processState struct {
	cmd      *exec.Cmd
	handle   ProcessHandle
	waitOnce *sync.Once
	exited   chan struct{}
	exitCode int32
	waitErr  error
}

type OSExecutor struct {
	procs map[int]*processState
	lock  sync.Locker
	log   logr.Logger

	// Time to wait for the process to exit after each stop signal.
	StopTimeout time.Duration
}

func NewOSExecutor(log logr.Logger) *OSExecutor {
	return &OSExecutor{
		procs:       make(map[int]*processState),
		lock:        &sync.Mutex{},
		log:         log.WithName("os-executor"),
		StopTimeout: DefaultStopTimeout,
	}
}

func (e *OSExecutor) StartProcess(ctx context.Context, cmd *exec.Cmd, handler ProcessExitHandler) (ProcessHandle, func(), error) {
	if err := cmd.Start(); err != nil {
		return ProcessHandle{Pid: UnknownPID}, nil, err
	}

	handle := ProcessHandle{Pid: cmd.Process.Pid, StartTime: time.Now()}
	psProcess, psProcessErr := ps.FindProcess(handle.Pid)
	if psProcessErr != nil {
		e.log.V(1).Info("could not find process startup time", "PID", handle.Pid, "Error", psProcessErr.Error())
	} else {
		// This is what the OS process startup timestamp is, so it is the most accurate value we can get.
		handle.StartTime = psProcess.CreationTime()
	}

	st := &processState{
		cmd:      cmd,
		handle:   handle,
		waitOnce: &sync.Once{},
		exited:   make(chan struct{}),
		exitCode: UnknownExitCode,
	}

	e.lock.Lock()
	e.procs[handle.Pid] = st
	e.lock.Unlock()

	// Watch for context expiration. Waiting on the process itself only starts when the caller asks for it
	// (or when the process is being stopped), so that the caller can finish setting up its I/O first.
	go func() {
		var stopErr error

		select {
		case <-st.exited:
		case <-ctx.Done():
			stopErr = e.stopProcess(st)
			if stopErr != nil {
				e.log.Error(stopErr, "could not stop process upon context expiration", "PID", handle.Pid)
			}
			<-st.exited
		}

		e.lock.Lock()
		delete(e.procs, handle.Pid)
		e.lock.Unlock()

		if handler != nil {
			handler.OnProcessExited(handle.Pid, st.exitCode, errors.Join(stopErr, st.waitErr))
		}
	}()

	startWaitingForProcessExit := func() {
		e.startWaiting(st)
	}

	return handle, startWaitingForProcessExit, nil
}

func (e *OSExecutor) StopProcess(handle ProcessHandle) error {
	e.lock.Lock()
	st, found := e.procs[handle.Pid]
	e.lock.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, handle)
	}
	if !handle.StartTime.IsZero() && !st.handle.StartTime.Equal(handle.StartTime) {
		// Same PID, different process.
		return fmt.Errorf("%w: %s", ErrProcessNotFound, handle)
	}

	return e.stopProcess(st)
}

func (e *OSExecutor) stopProcess(st *processState) error {
	e.startWaiting(st)

	select {
	case <-st.exited:
		return nil
	default:
	}

	e.log.V(1).Info("stopping process", "PID", st.handle.Pid)
	return e.stopProcessGroup(st)
}

func (e *OSExecutor) startWaiting(st *processState) {
	st.waitOnce.Do(func() {
		go func() {
			waitErr := st.cmd.Wait()
			st.exitCode, st.waitErr = getProcessExecResult(waitErr, st.cmd)
			close(st.exited)
		}()
	})
}

// Waits for the process to exit, up to the stop timeout.
func (e *OSExecutor) waitForExit(st *processState) error {
	timer := time.NewTimer(e.StopTimeout)
	defer timer.Stop()

	select {
	case <-st.exited:
		return nil
	case <-timer.C:
		return context.DeadlineExceeded
	}
}

// Returns the process execution error and process exit code depending on the result of command wait call.
func getProcessExecResult(waitErr error, cmd *exec.Cmd) (int32, error) {
	var ee *exec.ExitError
	if waitErr == nil {
		return int32(cmd.ProcessState.ExitCode()), nil
	} else if errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		// The process exited, but something else kept its output streams open.
		return int32(cmd.ProcessState.ExitCode()), nil
	} else if errors.As(waitErr, &ee) {
		return int32(ee.ExitCode()), nil
	} else {
		return UnknownExitCode, waitErr
	}
}

var _ Executor = (*OSExecutor)(nil)
