// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package session

import (
	"errors"
	"fmt"
	"io"

	"github.com/microsoft/perldbg/pkg/networking"
)

var (
	ErrSessionKilled       = errors.New("the session has been killed")
	ErrNoPrimaryConnection = errors.New("no debugger is connected to the session")
)

// How additional debugger connections to a RemoteListener are treated.
const (
	// Additional connections are rejected.
	SessionsSingle = "single"
	// Additional connections (forked children) are offered through relays.
	SessionsWatch = "watch"
	SessionsBreak = "break"
)

// Session is a transport to a debugger REPL.
//
// The REPL traffic flows through Input and ErrorOutput. Output carries everything else:
// program output for local processes and status lines for network sessions.
// Both readers return io.EOF once the session is over.
type Session interface {
	Input() io.Writer
	Output() io.Reader
	ErrorOutput() io.Reader
	Title() string
	// Events delivers session lifecycle notifications. The channel is closed when the session is over.
	Events() <-chan SessionEvent
	Kill() error
}

type SessionEventKind string

const (
	SessionEventConnected      SessionEventKind = "connected"
	SessionEventPrimaryClosed  SessionEventKind = "primary-closed"
	SessionEventExited         SessionEventKind = "exited"
	SessionEventRelayListening SessionEventKind = "relay-listening"
	SessionEventRelayClosed    SessionEventKind = "relay-closed"
	SessionEventError          SessionEventKind = "error"
)

// RelayInfo describes a relay opened for an additional debugger connection.
type RelayInfo struct {
	// The peer that made the additional connection.
	Src networking.Endpoint `json:"src" yaml:"src"`
	// The local endpoint the connection was accepted on.
	Via networking.Endpoint `json:"via" yaml:"via"`
	// Where the relay listens; attach here to talk to the additional debugger.
	Dst networking.Endpoint `json:"dst" yaml:"dst"`
}

type SessionEvent struct {
	Kind SessionEventKind
	// The primary peer, for connected and primary-closed events.
	Peer     networking.Endpoint
	Relay    *RelayInfo
	ExitCode int32
	Err      error
}

func (e SessionEvent) String() string {
	switch e.Kind {
	case SessionEventConnected, SessionEventPrimaryClosed:
		return fmt.Sprintf("%s (%s)", e.Kind, e.Peer)
	case SessionEventExited:
		return fmt.Sprintf("%s (exit code %d)", e.Kind, e.ExitCode)
	case SessionEventRelayListening, SessionEventRelayClosed:
		if e.Relay != nil {
			return fmt.Sprintf("%s (%s via %s at %s)", e.Kind, e.Relay.Src, e.Relay.Via, e.Relay.Dst)
		}
		return string(e.Kind)
	case SessionEventError:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}
