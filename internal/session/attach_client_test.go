// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package session

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/perldbg/pkg/networking"
	"github.com/microsoft/perldbg/pkg/testutil"
)

func TestAttachClientTalksToDebugger(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	listener, err := networking.ListenTCP(networking.Localhost, 0)
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr == nil {
			accepted <- conn
		}
	}()

	a, err := NewAttachClient(ctx, AttachClientOptions{Port: networking.EndpointOf(listener.Addr()).Port}, testutil.NewLogForTesting(t.Name()))
	require.NoError(t, err)
	defer func() { _ = a.Kill() }()
	requireEvent(t, a.Events(), SessionEventConnected)

	var debugger net.Conn
	select {
	case debugger = <-accepted:
	case <-time.After(defaultIOTimeout):
		t.Fatal("attach client did not connect")
	}
	defer debugger.Close()

	require.Contains(t, a.Title(), " attached to "+listener.Addr().String())

	_, err = io.WriteString(debugger, "  DB<1> ")
	require.NoError(t, err)
	readUntil(t, a.ErrorOutput(), "  DB<1> ")

	_, err = a.Input().Write([]byte("s\n"))
	require.NoError(t, err)
	testutil.ReadExactly(t, debugger, "s\n", defaultIOTimeout)

	// The debugger going away ends the session.
	require.NoError(t, debugger.Close())
	requireEvent(t, a.Events(), SessionEventPrimaryClosed)
	_, err = io.ReadAll(a.ErrorOutput())
	require.NoError(t, err)
	_, err = a.Input().Write([]byte("s\n"))
	require.ErrorIs(t, err, ErrSessionKilled)
}

func TestAttachClientRetriesUntilTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	// Grab a free port and release it, so nothing is listening there.
	listener, err := networking.ListenTCP(networking.Localhost, 0)
	require.NoError(t, err)
	port := networking.EndpointOf(listener.Addr()).Port
	require.NoError(t, listener.Close())

	start := time.Now()
	_, err = NewAttachClient(ctx, AttachClientOptions{Port: port, ConnectTimeout: 300 * time.Millisecond}, testutil.NewLogForTesting(t.Name()))
	require.Error(t, err)
	require.Less(t, time.Since(start), 10*time.Second)
}

// A forked child's debugger reaches a separate client through the relay the listener opens for it.
func TestAttachClientThroughRelay(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	r := newTestListener(t, SessionsBreak)
	_ = testutil.DialLoopback(t, r.Port())
	requireEvent(t, r.Events(), SessionEventConnected)

	child := testutil.DialLoopback(t, r.Port())
	ev := requireEvent(t, r.Events(), SessionEventRelayListening)

	a, err := NewAttachClient(ctx, AttachClientOptions{Host: ev.Relay.Dst.Address, Port: ev.Relay.Dst.Port}, testutil.NewLogForTesting(t.Name()))
	require.NoError(t, err)
	defer func() { _ = a.Kill() }()

	_, err = io.WriteString(child, "main::(fork.pl:3):\n  [1234]DB<1> ")
	require.NoError(t, err)
	readUntil(t, a.ErrorOutput(), "[1234]DB<1> ")

	_, err = a.Input().Write([]byte("n\n"))
	require.NoError(t, err)
	testutil.ReadExactly(t, child, "n\n", defaultIOTimeout)

	require.NoError(t, a.Kill())
	requireEvent(t, r.Events(), SessionEventRelayClosed)
}
