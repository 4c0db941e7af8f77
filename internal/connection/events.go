// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package connection

import (
	"fmt"

	"github.com/microsoft/perldbg/internal/classifier"
	"github.com/microsoft/perldbg/internal/session"
)

type EventKind string

const (
	// The debuggee was resumed by a command and stopped again.
	EventStopped        EventKind = "stopped"
	EventException      EventKind = "exception"
	EventTermination    EventKind = "termination"
	EventNewSource      EventKind = "new-source"
	EventDataBreakpoint EventKind = "data-breakpoint"
	// The primary debugger connection (or the debugger process) went away.
	EventClosed EventKind = "closed"
	// A forked child's debugger can be attached to through a relay.
	EventRelayListening EventKind = "relay-listening"
	// Raw REPL traffic; only published while raw I/O reporting is on.
	EventRawOutput EventKind = "raw-output"
	EventRawWrite  EventKind = "raw-write"
	// Program output and session status lines.
	EventOutput EventKind = "output"
	EventError  EventKind = "error"
)

// Event is published on the Connection event channel. Which fields are set depends on Kind.
type Event struct {
	Kind EventKind
	// Title of the transport session at the time the event was raised.
	Title string

	// Set for stopped, exception, termination, new-source and data-breakpoint.
	Response *classifier.ParsedResponse
	// Set for relay-listening.
	Relay *session.RelayInfo
	// Set for raw-output, raw-write and output.
	Text string
	// Set for closed when the debugger was a local process.
	ExitCode int32
	// Set for error.
	Err error
}

func (e Event) String() string {
	switch e.Kind {
	case EventRawOutput, EventRawWrite, EventOutput:
		return fmt.Sprintf("%s: %q", e.Kind, e.Text)
	case EventRelayListening:
		if e.Relay != nil {
			return fmt.Sprintf("%s: %s via %s, attach to %s", e.Kind, e.Relay.Src, e.Relay.Via, e.Relay.Dst)
		}
	case EventError:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case EventClosed:
		return fmt.Sprintf("%s (exit code %d)", e.Kind, e.ExitCode)
	default:
		if e.Response != nil && e.Response.CurrentFile != "" {
			return fmt.Sprintf("%s at %s:%d", e.Kind, e.Response.CurrentFile, e.Response.CurrentLine)
		}
	}
	return string(e.Kind)
}

func eventKindOf(signal classifier.Signal) EventKind {
	switch signal {
	case classifier.SignalNewSource:
		return EventNewSource
	case classifier.SignalException:
		return EventException
	case classifier.SignalTermination:
		return EventTermination
	case classifier.SignalDataBreakpoint:
		return EventDataBreakpoint
	default:
		return EventStopped
	}
}
