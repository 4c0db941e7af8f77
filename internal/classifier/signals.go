// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package classifier

// Signal is an event derived from a parsed response.
type Signal string

const (
	SignalNewSource      Signal = "new-source"
	SignalException      Signal = "exception"
	SignalTermination    Signal = "termination"
	SignalDataBreakpoint Signal = "data-breakpoint"
	SignalStopped        Signal = "stopped"
)

// Signals returns the events a response gives rise to, in the order they should be raised.
// At most one of SignalException and SignalTermination is present; an exception takes precedence.
func (r *ParsedResponse) Signals() []Signal {
	var signals []Signal

	if len(r.NewSources) > 0 || len(r.NewSubroutines) > 0 {
		signals = append(signals, SignalNewSource)
	}

	if r.ExceptionRaised {
		signals = append(signals, SignalException)
	} else if r.Finished {
		signals = append(signals, SignalTermination)
	}

	if len(r.WatchChanges) > 0 {
		signals = append(signals, SignalDataBreakpoint)
	}

	// Only commands that run the debuggee produce a stop; state queries made while stopped do not.
	if r.RanDebuggee {
		signals = append(signals, SignalStopped)
	}

	return signals
}

// ShouldQuit reports whether the debugger session is over and should be asked to quit.
func (r *ParsedResponse) ShouldQuit() bool {
	return r.Finished
}

// LastDataLine returns the last informative output line, or an empty string if there is none.
func (r *ParsedResponse) LastDataLine() string {
	if len(r.DataLines) == 0 {
		return ""
	}
	return r.DataLines[len(r.DataLines)-1]
}
