// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/perldbg/pkg/concurrency"
	perldbg_io "github.com/microsoft/perldbg/pkg/io"
	"github.com/microsoft/perldbg/pkg/networking"
	"github.com/microsoft/perldbg/pkg/resiliency"
)

const DefaultAttachTimeout = 5 * time.Second

type AttachClientOptions struct {
	// Defaults to the loopback address.
	Host string
	Port int
	// How long to keep retrying the connection. Defaults to DefaultAttachTimeout.
	ConnectTimeout time.Duration
}

// AttachClient talks to a debugger through an outbound TCP connection, usually to a relay port
// advertised by a RemoteListener.
type AttachClient struct {
	conn net.Conn
	log  logr.Logger

	output      *perldbg_io.BufferedPipe
	errorOutput *perldbg_io.BufferedPipe
	events      *concurrency.EventQueue[SessionEvent]

	lock   *sync.Mutex
	killed bool
}

func NewAttachClient(ctx context.Context, opts AttachClientOptions, log logr.Logger) (*AttachClient, error) {
	host := opts.Host
	if host == "" {
		host = networking.Localhost
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultAttachTimeout
	}
	address := net.JoinHostPort(host, strconv.Itoa(opts.Port))

	dialer := &net.Dialer{}
	conn, err := resiliency.RetryGet(ctx, resiliency.ShortExponentialBackoff(timeout), func() (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", address)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to debugger at %s: %w", address, err)
	}

	a := &AttachClient{
		conn:        conn,
		log:         log.WithName("attach-client").WithValues("Remote", conn.RemoteAddr().String()),
		output:      perldbg_io.NewBufferedPipe(),
		errorOutput: perldbg_io.NewBufferedPipe(),
		events:      concurrency.NewEventQueue[SessionEvent](ctx),
		lock:        &sync.Mutex{},
	}

	a.events.Publish(SessionEvent{Kind: SessionEventConnected, Peer: networking.EndpointOf(conn.RemoteAddr())})
	go a.readLoop()

	a.log.V(1).Info("attached to debugger")
	return a, nil
}

func (a *AttachClient) Input() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		if a.isKilled() {
			return 0, ErrSessionKilled
		}
		return a.conn.Write(p)
	})
}

func (a *AttachClient) Output() io.Reader {
	return a.output
}

func (a *AttachClient) ErrorOutput() io.Reader {
	return a.errorOutput
}

func (a *AttachClient) Events() <-chan SessionEvent {
	return a.events.Events()
}

func (a *AttachClient) Title() string {
	return fmt.Sprintf("%s attached to %s", a.conn.LocalAddr().String(), a.conn.RemoteAddr().String())
}

func (a *AttachClient) Kill() error {
	a.lock.Lock()
	if a.killed {
		a.lock.Unlock()
		return nil
	}
	a.killed = true
	a.lock.Unlock()

	var err error
	if closeErr := a.conn.Close(); closeErr != nil && !networking.IsExpectedConnCloseErr(closeErr) {
		err = fmt.Errorf("failed to close the debugger connection: %w", closeErr)
	}
	_ = a.output.CloseWrite()
	_ = a.errorOutput.CloseWrite()
	a.events.Close()
	return err
}

func (a *AttachClient) isKilled() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.killed
}

func (a *AttachClient) readLoop() {
	_, err := io.Copy(a.errorOutput, a.conn)
	if a.isKilled() {
		return
	}
	if err != nil && !networking.IsExpectedConnCloseErr(err) {
		a.log.Error(err, "reading from the debugger connection failed")
		a.events.Publish(SessionEvent{Kind: SessionEventError, Err: err})
	}

	a.log.V(1).Info("debugger connection closed")
	a.events.Publish(SessionEvent{Kind: SessionEventPrimaryClosed, Peer: networking.EndpointOf(a.conn.RemoteAddr())})
	_ = a.Kill()
}

var _ Session = (*AttachClient)(nil)
