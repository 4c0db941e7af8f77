// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/go-logr/logr"

	"github.com/microsoft/perldbg/internal/relay"
	"github.com/microsoft/perldbg/pkg/concurrency"
	perldbg_io "github.com/microsoft/perldbg/pkg/io"
	"github.com/microsoft/perldbg/pkg/networking"
)

type RemoteListenerOptions struct {
	// Port to listen on; 0 means any free port.
	Port int
	// Defaults to the loopback address.
	BindAddress string
	// One of SessionsSingle, SessionsWatch, SessionsBreak. Empty means SessionsSingle.
	Sessions string
}

// RemoteListener waits for a debugger to connect over TCP, typically a debuggee started with
// PERLDB_OPTS=RemotePort=host:port. The first connection becomes the primary one.
// When the primary connection ends, the next inbound connection becomes primary again,
// which is what happens when the debugger restarts the program.
type RemoteListener struct {
	opts     RemoteListenerOptions
	listener net.Listener
	log      logr.Logger

	lock   *sync.Mutex
	client net.Conn
	relays []*relay.Relay
	killed bool

	output      *perldbg_io.BufferedPipe
	errorOutput *perldbg_io.BufferedPipe
	events      *concurrency.EventQueue[SessionEvent]

	killOnce *sync.Once
	killErr  error
}

func NewRemoteListener(ctx context.Context, opts RemoteListenerOptions, log logr.Logger) (*RemoteListener, error) {
	if opts.Sessions == "" {
		opts.Sessions = SessionsSingle
	}
	listener, err := networking.ListenTCP(opts.BindAddress, opts.Port)
	if err != nil {
		return nil, err
	}

	r := &RemoteListener{
		opts:        opts,
		listener:    listener,
		log:         log.WithName("remote-listener").WithValues("Address", listener.Addr().String()),
		lock:        &sync.Mutex{},
		output:      perldbg_io.NewBufferedPipe(),
		errorOutput: perldbg_io.NewBufferedPipe(),
		events:      concurrency.NewEventQueue[SessionEvent](ctx),
		killOnce:    &sync.Once{},
	}

	go r.acceptLoop()

	r.log.V(1).Info("waiting for debugger connections", "Sessions", opts.Sessions)
	return r, nil
}

// Port returns the port the listener was bound to.
func (r *RemoteListener) Port() int {
	return networking.EndpointOf(r.listener.Addr()).Port
}

func (r *RemoteListener) Addr() net.Addr {
	return r.listener.Addr()
}

func (r *RemoteListener) Input() io.Writer {
	return writerFunc(r.writeInput)
}

func (r *RemoteListener) Output() io.Reader {
	return r.output
}

func (r *RemoteListener) ErrorOutput() io.Reader {
	return r.errorOutput
}

func (r *RemoteListener) Events() <-chan SessionEvent {
	return r.events.Events()
}

func (r *RemoteListener) Title() string {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.client == nil || r.killed {
		return "Inactive RemoteSession"
	}
	return fmt.Sprintf("%s serving %s", r.listener.Addr().String(), r.client.RemoteAddr().String())
}

// Relays returns the relays opened for additional connections that are still alive.
func (r *RemoteListener) Relays() []*relay.Relay {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]*relay.Relay(nil), r.relays...)
}

// Kill tears down all relays, the primary connection and the listener.
func (r *RemoteListener) Kill() error {
	r.killOnce.Do(func() {
		r.lock.Lock()
		r.killed = true
		client := r.client
		r.client = nil
		relays := r.relays
		r.relays = nil
		r.lock.Unlock()

		var errs []error
		for _, rl := range relays {
			errs = append(errs, rl.Kill())
		}
		if client != nil {
			if err := client.Close(); err != nil && !networking.IsExpectedConnCloseErr(err) {
				errs = append(errs, fmt.Errorf("failed to close the primary debugger connection: %w", err))
			}
		}
		if err := r.listener.Close(); err != nil && !networking.IsExpectedConnCloseErr(err) {
			errs = append(errs, fmt.Errorf("failed to close the debugger listener: %w", err))
		}

		_ = r.output.CloseWrite()
		_ = r.errorOutput.CloseWrite()
		r.events.Close()

		r.killErr = errors.Join(errs...)
		r.log.V(1).Info("remote listener killed")
	})
	return r.killErr
}

func (r *RemoteListener) writeInput(p []byte) (int, error) {
	r.lock.Lock()
	client := r.client
	killed := r.killed
	r.lock.Unlock()

	switch {
	case killed:
		return 0, ErrSessionKilled
	case client == nil:
		return 0, ErrNoPrimaryConnection
	default:
		return client.Write(p)
	}
}

func (r *RemoteListener) isKilled() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.killed
}

func (r *RemoteListener) pushStatus(format string, args ...any) {
	_, _ = fmt.Fprintf(r.output, format+"\n", args...)
}

func (r *RemoteListener) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if !r.isKilled() && !networking.IsExpectedConnCloseErr(err) {
				r.log.Error(err, "debugger listener failed")
				r.events.Publish(SessionEvent{Kind: SessionEventError, Err: fmt.Errorf("debugger listener failed: %w", err)})
			}
			return
		}
		r.handleConnection(conn)
	}
}

func (r *RemoteListener) handleConnection(conn net.Conn) {
	name := conn.RemoteAddr().String()

	r.lock.Lock()
	switch {
	case r.killed:
		r.lock.Unlock()
		_ = conn.Close()

	case r.client == nil:
		r.client = conn
		r.lock.Unlock()

		r.log.V(1).Info("debugger connected", "Peer", name)
		r.pushStatus("Remote debugger at %q connected at port %d.", name, r.Port())
		r.events.Publish(SessionEvent{Kind: SessionEventConnected, Peer: networking.EndpointOf(conn.RemoteAddr())})
		go r.readPrimary(conn, name)

	case r.opts.Sessions != SessionsSingle:
		r.lock.Unlock()
		r.pushStatus("Attachable debugger at %q connected at port %d.", name, r.Port())
		r.startRelay(conn)

	default:
		r.lock.Unlock()
		r.log.Info("rejecting additional debugger connection", "Peer", name)
		r.pushStatus("Warning: Additional remote client tried to connect %q.", name)
		_, _ = io.WriteString(conn, relay.AlreadyConnectedMessage)
		_ = conn.Close()
	}
}

// The additional debugger (usually a forked child) is never read here; a relay makes it available
// to a separate client instead.
func (r *RemoteListener) startRelay(conn net.Conn) {
	rl, err := relay.New(conn, networking.Localhost, r.log)
	if err != nil {
		r.log.Error(err, "could not start a relay for an additional debugger", "Peer", conn.RemoteAddr().String())
		r.events.Publish(SessionEvent{Kind: SessionEventError, Err: err})
		_ = conn.Close()
		return
	}

	r.lock.Lock()
	if r.killed {
		r.lock.Unlock()
		_ = rl.Kill()
		return
	}
	r.relays = append(r.relays, rl)
	r.lock.Unlock()

	info := &RelayInfo{
		Src: networking.EndpointOf(conn.RemoteAddr()),
		Via: networking.EndpointOf(conn.LocalAddr()),
		Dst: networking.EndpointOf(rl.Addr()),
	}
	r.events.Publish(SessionEvent{Kind: SessionEventRelayListening, Relay: info})

	go func() {
		<-rl.Done()

		r.lock.Lock()
		for i, existing := range r.relays {
			if existing == rl {
				r.relays = append(r.relays[:i], r.relays[i+1:]...)
				break
			}
		}
		r.lock.Unlock()

		r.events.Publish(SessionEvent{Kind: SessionEventRelayClosed, Relay: info})
	}()
}

func (r *RemoteListener) readPrimary(conn net.Conn, name string) {
	_, err := io.Copy(r.errorOutput, conn)
	if err != nil && !networking.IsExpectedConnCloseErr(err) && !r.isKilled() {
		r.log.Error(err, "reading from the debugger connection failed", "Peer", name)
		r.events.Publish(SessionEvent{Kind: SessionEventError, Err: err})
	}

	r.lock.Lock()
	wasPrimary := r.client == conn
	if wasPrimary {
		r.client = nil
	}
	killed := r.killed
	r.lock.Unlock()

	_ = conn.Close()
	if killed || !wasPrimary {
		return
	}

	r.log.V(1).Info("debugger connection closed", "Peer", name)
	r.pushStatus("Connection closed by %q", name)
	r.events.Publish(SessionEvent{Kind: SessionEventPrimaryClosed, Peer: networking.EndpointOf(conn.RemoteAddr())})
}

var _ Session = (*RemoteListener)(nil)
