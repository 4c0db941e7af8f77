package process

// Test-only helpers: report process exits on a channel using the ProcessExitHandlerFunc adapter.

type ProcessExitInfo struct {
	PID      int
	ExitCode int32
	Err      error
}

func NewChannelProcessExitHandler(c chan ProcessExitInfo) ProcessExitHandler {
	return ProcessExitHandlerFunc(func(pid int, exitCode int32, err error) {
		c <- ProcessExitInfo{PID: pid, ExitCode: exitCode, Err: err}
		close(c)
	})
}
