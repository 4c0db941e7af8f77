package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/tklauser/ps"

	"github.com/microsoft/perldbg/pkg/process"
)

const defaultMonitorInterval = 2 * time.Second

var (
	monitorPid      int = process.UnknownPID
	monitorInterval uint8
)

func AddMonitorFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&monitorPid, "monitor", "m", process.UnknownPID, "If present, tells perldbg to monitor a given process ID (PID), typically the editor, and shut down the debugger if the monitored process exits for any reason.")
	cmd.Flags().Uint8VarP(&monitorInterval, "monitor-interval", "i", 0, "If present, specifies the time in seconds between checks for the monitor PID.")
}

// MonitorPid returns a context that is cancelled when the process with the given PID goes away.
func MonitorPid(ctx context.Context, pid int, pollInterval time.Duration, log logr.Logger) (context.Context, error) {
	if pid == process.UnknownPID {
		return ctx, fmt.Errorf("no PID to monitor")
	}

	if !processExists(pid) {
		err := fmt.Errorf("process %d does not exist", pid)
		log.Error(err, "error finding process", "pid", pid)
		return ctx, err
	}

	if pollInterval <= 0 {
		pollInterval = defaultMonitorInterval
	}

	monitorCtx, monitorCtxCancel := context.WithCancel(ctx)
	go func() {
		defer monitorCtxCancel()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-monitorCtx.Done():
				log.V(1).Info("monitoring cancelled by context", "pid", pid)
				return
			case <-ticker.C:
				if !processExists(pid) {
					log.Info("monitor process exited, shutting down", "pid", pid)
					return
				}
			}
		}
	}()

	return monitorCtx, nil
}

// Monitor applies the monitor flags to ctx. Without a monitored PID, ctx is returned as is.
func Monitor(ctx context.Context, log logr.Logger) context.Context {
	if monitorPid == process.UnknownPID {
		return ctx
	}
	// Errors are logged by MonitorPid, and a valid context is always returned.
	monitorCtx, _ := MonitorPid(ctx, monitorPid, time.Duration(monitorInterval)*time.Second, log)
	return monitorCtx
}

func processExists(pid int) bool {
	p, err := ps.FindProcess(pid)
	return err == nil && p != nil
}
