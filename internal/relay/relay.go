// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/microsoft/perldbg/pkg/networking"
)

// Written to clients that connect after the relay already has one.
const AlreadyConnectedMessage = "Remote debugger already connected!\n"

var ErrRelayClosed = errors.New("the relay has been closed")

type RelayState uint32

const (
	RelayStateListening RelayState = iota
	RelayStateForwarding
	RelayStateKilled
)

func (s RelayState) String() string {
	switch s {
	case RelayStateListening:
		return "Listening"
	case RelayStateForwarding:
		return "Forwarding"
	case RelayStateKilled:
		return "Killed"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(s))
	}
}

// Relay makes an already accepted connection reachable through a new listening port.
// Exactly one client may connect to that port; bytes are then forwarded in both directions
// between the client and the base connection until either side closes.
//
// The base connection is not read until a client connects, so anything the peer sends
// in the meantime is held by the operating system and delivered to the client.
type Relay struct {
	base     net.Conn
	listener net.Listener
	log      logr.Logger

	lock   *sync.Mutex
	client net.Conn
	state  RelayState

	killOnce  *sync.Once
	killErr   error
	done      chan struct{}
	connected chan struct{}

	toClient atomic.Int64
	toBase   atomic.Int64
}

// New starts listening on an ephemeral port of the bind address (loopback if empty) on behalf of the base connection.
func New(base net.Conn, bindAddress string, log logr.Logger) (*Relay, error) {
	listener, err := networking.ListenTCP(bindAddress, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to start relay listener: %w", err)
	}

	r := &Relay{
		base:      base,
		listener:  listener,
		lock:      &sync.Mutex{},
		state:     RelayStateListening,
		killOnce:  &sync.Once{},
		done:      make(chan struct{}),
		connected: make(chan struct{}),
	}
	r.log = log.WithName("relay").WithValues(
		"Base", base.RemoteAddr().String(),
		"Listener", listener.Addr().String(),
	)

	go r.acceptLoop()

	r.log.V(1).Info("relay listening")
	return r, nil
}

// Addr returns the address clients should connect to.
func (r *Relay) Addr() net.Addr {
	return r.listener.Addr()
}

func (r *Relay) Port() int {
	return networking.EndpointOf(r.listener.Addr()).Port
}

// Done is closed when the relay has been torn down.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// WaitForClient blocks until a client connects to the relay.
// It returns ErrRelayClosed if the relay is killed before that happens.
func (r *Relay) WaitForClient(ctx context.Context) error {
	select {
	case <-r.connected:
		return nil
	case <-r.done:
		return ErrRelayClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) State() RelayState {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state
}

// Stats returns the number of bytes forwarded so far, to the client and to the base connection.
func (r *Relay) Stats() (toClient int64, toBase int64) {
	return r.toClient.Load(), r.toBase.Load()
}

// Kill closes the listener and both connections. It is safe to call multiple times and from multiple goroutines;
// every call returns the result of the first teardown.
func (r *Relay) Kill() error {
	r.killOnce.Do(func() {
		r.lock.Lock()
		r.state = RelayStateKilled
		client := r.client
		r.lock.Unlock()

		var errs []error
		if err := r.listener.Close(); err != nil && !networking.IsExpectedConnCloseErr(err) {
			errs = append(errs, fmt.Errorf("failed to close relay listener: %w", err))
		}
		if client != nil {
			if err := client.Close(); err != nil && !networking.IsExpectedConnCloseErr(err) {
				errs = append(errs, fmt.Errorf("failed to close relay client connection: %w", err))
			}
		}
		if err := r.base.Close(); err != nil && !networking.IsExpectedConnCloseErr(err) {
			errs = append(errs, fmt.Errorf("failed to close relay base connection: %w", err))
		}
		r.killErr = errors.Join(errs...)

		toClient, toBase := r.Stats()
		r.log.V(1).Info("relay killed", "BytesToClient", toClient, "BytesToBase", toBase)
		close(r.done)
	})
	return r.killErr
}

func (r *Relay) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.State() != RelayStateKilled && !networking.IsExpectedConnCloseErr(err) {
				r.log.Error(err, "relay listener failed")
			}
			_ = r.Kill()
			return
		}

		r.lock.Lock()
		switch r.state {
		case RelayStateListening:
			r.client = conn
			r.state = RelayStateForwarding
			r.lock.Unlock()

			r.log.V(1).Info("relay client connected", "Client", conn.RemoteAddr().String())
			close(r.connected)
			go r.forward(conn)

		case RelayStateForwarding:
			r.lock.Unlock()
			r.log.Info("rejecting additional relay client", "Client", conn.RemoteAddr().String())
			_, _ = io.WriteString(conn, AlreadyConnectedMessage)
			_ = conn.Close()

		default:
			r.lock.Unlock()
			_ = conn.Close()
			return
		}
	}
}

// forward copies data in both directions. A blocked write stops the copy loop from reading more,
// which pushes back on the sender through the TCP window.
func (r *Relay) forward(client net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	copyData := func(dst, src net.Conn, counter *atomic.Int64, direction string) {
		defer wg.Done()
		_, err := io.Copy(&countingWriter{w: dst, n: counter}, src)
		if err != nil && !networking.IsExpectedConnCloseErr(err) && r.State() != RelayStateKilled {
			r.log.Error(err, "relay forwarding failed", "Direction", direction)
		}
		// Either side closing tears down the other.
		_ = r.Kill()
	}

	go copyData(client, r.base, &r.toClient, "to-client")
	go copyData(r.base, client, &r.toBase, "to-base")
	wg.Wait()
}

type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n.Add(int64(n))
	return n, err
}
